// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package columnar

import (
	"context"
	"database/sql"
	"sync"

	"github.com/ipfs/bbloom"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

// persistedBloom is the approximate sha-membership filter described in
// spec §3, persisted in the single-row bloom_filter table. Open loads it
// from that row and Flush adds each flushed sha and persists it; it is not
// rebuilt from the segment index at cold start, and compaction does not
// consult it.
type persistedBloom struct {
	mu    sync.RWMutex
	bl    *bbloom.Bloom
	count int64
}

// estimatedItems sizes the filter; it is cheap to rebuild so a generous
// default keeps the false-positive rate low without persisting a capacity
// field separately.
const estimatedItems = 1 << 20
const falsePositiveRate = 0.01

func newPersistedBloom() (*persistedBloom, error) {
	bl, err := bbloom.New(float64(estimatedItems), falsePositiveRate)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindInternal, err, "init bloom filter")
	}
	return &persistedBloom{bl: bl}, nil
}

func (p *persistedBloom) add(sha gitobj.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bl.AddTS(sha[:])
	p.count++
}

func (p *persistedBloom) has(sha gitobj.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bl.HasTS(sha[:])
}

// load restores the filter from the bloom_filter row, or leaves a fresh
// empty filter if none exists yet.
func (p *persistedBloom) load(ctx context.Context, db *sql.DB) error {
	var data []byte
	var count int64
	err := db.QueryRowContext(ctx, `SELECT filter_data, item_count FROM bloom_filter WHERE id = 1`).Scan(&data, &count)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "load bloom filter")
	}
	bl := bbloom.JSONUnmarshal(data)
	if bl == nil {
		return nil
	}
	p.mu.Lock()
	p.bl = bl
	p.count = count
	p.mu.Unlock()
	return nil
}

// persist writes the filter's current state back to the single bloom_filter
// row; called after every flush so a cold start sees an up-to-date filter.
func (p *persistedBloom) persist(ctx context.Context, db *sql.DB) error {
	p.mu.RLock()
	data := p.bl.JSONMarshal()
	count := p.count
	p.mu.RUnlock()
	_, err := db.ExecContext(ctx,
		`INSERT INTO bloom_filter(id, filter_data, item_count, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET filter_data=excluded.filter_data, item_count=excluded.item_count, updated_at=excluded.updated_at`,
		data, count, nowMs())
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "persist bloom filter")
	}
	return nil
}

// rebuildFromShas replaces the filter's contents entirely with shas. No
// code path in this package calls it.
func (p *persistedBloom) rebuildFromShas(shas []gitobj.Hash) error {
	bl, err := bbloom.New(float64(estimatedItems), falsePositiveRate)
	if err != nil {
		return cellerr.Wrap(cellerr.KindInternal, err, "rebuild bloom filter")
	}
	for _, sha := range shas {
		bl.AddTS(sha[:])
	}
	p.mu.Lock()
	p.bl = bl
	p.count = int64(len(shas))
	p.mu.Unlock()
	return nil
}
