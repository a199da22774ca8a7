// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"context"
	"database/sql"
	"sync"

	"github.com/ipfs/bbloom"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

// existenceBloom is the membership pre-filter spec §4.2's hasObject fast
// path names ("Cheap: LRU → bloom → index"): a negative answer here means
// sha is definitely absent and existsLocked's SQL COUNT can be skipped
// entirely; a positive answer is only a maybe and still falls through to
// object_index. Entries are never removed on delete — false positives just
// cost one extra SQL lookup, never a false negative.
type existenceBloom struct {
	mu sync.RWMutex
	bl *bbloom.Bloom
}

const (
	bloomEstimatedItems  = 1 << 20
	bloomFalsePositivity = 0.01
)

func newExistenceBloom() (*existenceBloom, error) {
	bl, err := bbloom.New(float64(bloomEstimatedItems), bloomFalsePositivity)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindInternal, err, "init object existence bloom filter")
	}
	return &existenceBloom{bl: bl}, nil
}

func (b *existenceBloom) add(sha gitobj.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bl.AddTS(sha[:])
}

func (b *existenceBloom) mightHave(sha gitobj.Hash) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bl.HasTS(sha[:])
}

// load restores the filter from the bloom_filter row, leaving a fresh empty
// filter (caller then rebuilds from object_index) if none exists yet.
func (b *existenceBloom) load(ctx context.Context, db *sql.DB) (bool, error) {
	var data []byte
	err := db.QueryRowContext(ctx, `SELECT filter_data FROM bloom_filter WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, cellerr.Wrap(cellerr.KindIO, err, "load object existence bloom filter")
	}
	bl := bbloom.JSONUnmarshal(data)
	if bl == nil {
		return false, nil
	}
	b.mu.Lock()
	b.bl = bl
	b.mu.Unlock()
	return true, nil
}

func (b *existenceBloom) persist(ctx context.Context, db *sql.DB) error {
	b.mu.RLock()
	data := b.bl.JSONMarshal()
	b.mu.RUnlock()
	_, err := db.ExecContext(ctx,
		`INSERT INTO bloom_filter(id, filter_data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET filter_data=excluded.filter_data, updated_at=excluded.updated_at`,
		data, now())
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "persist object existence bloom filter")
	}
	return nil
}

// rebuildFromIndex scans every known sha out of object_index and re-seeds
// the filter — used at cold start when no persisted bloom_filter row exists
// yet but the index is already non-empty (e.g. upgrading an existing cell).
func (b *existenceBloom) rebuildFromIndex(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT sha FROM object_index`)
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "scan object_index for bloom rebuild")
	}
	defer rows.Close()
	bl, err := bbloom.New(float64(bloomEstimatedItems), bloomFalsePositivity)
	if err != nil {
		return cellerr.Wrap(cellerr.KindInternal, err, "rebuild object existence bloom filter")
	}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return cellerr.Wrap(cellerr.KindIO, err, "scan sha for bloom rebuild")
		}
		h, err := gitobj.NewHashEx(s)
		if err != nil {
			continue
		}
		bl.AddTS(h[:])
	}
	b.mu.Lock()
	b.bl = bl
	b.mu.Unlock()
	return nil
}
