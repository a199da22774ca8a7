// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

// accessCount is tracked in object_index.chunk_count, reused here as a
// generic access counter since no chunking feature consumes it in this
// scope.
func (s *Store) bumpAccessCount(ctx context.Context, sha gitobj.Hash) (int, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE object_index SET chunk_count = chunk_count + 1 WHERE sha = ?`, sha.String()); err != nil {
		return 0, cellerr.Wrap(cellerr.KindIO, err, "bump access count")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT chunk_count FROM object_index WHERE sha = ?`, sha.String()).Scan(&n); err != nil {
		return 0, cellerr.Wrap(cellerr.KindIO, err, "read access count")
	}
	return n, nil
}

// maybePromote bumps the running access counter for an object read from
// warm or cold storage and, once it crosses the promotion threshold,
// promotes it one tier warmer.
func (s *Store) maybePromote(ctx context.Context, sha gitobj.Hash, tier Tier) {
	if tier == TierHot {
		return
	}
	n, err := s.bumpAccessCount(ctx, sha)
	if err != nil || n < s.cfg.PromotionThreshold {
		return
	}
	switch tier {
	case TierWarm:
		s.promoteToHot(ctx, sha) //nolint:errcheck
	case TierCold:
		s.promoteToWarm(ctx, sha) //nolint:errcheck
	}
}

func (s *Store) promoteToHot(ctx context.Context, sha gitobj.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64
	var typStr string
	if err := s.db.QueryRowContext(ctx, `SELECT size, type FROM object_index WHERE sha = ?`, sha.String()).Scan(&size, &typStr); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "lookup for promotion")
	}
	obj, err := s.bulk.Get(ctx, warmKey(s.cfg.Prefix, sha))
	if err != nil {
		return err
	}
	defer obj.Body.Close()
	payload, err := readAll(obj.Body)
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "read warm object for promotion")
	}

	if err := s.evictHotForRoom(ctx, int64(len(payload))); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "begin promote txn")
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO hot_objects(sha, type, data, size, accessed_at, created_at) VALUES (?,?,?,?,?,?)`,
		sha.String(), typStr, payload, size, now(), now()); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "insert promoted hot object")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE object_index SET tier = ?, updated_at = ? WHERE sha = ?`, TierHot, now(), sha.String()); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "update index for promotion")
	}
	if err := tx.Commit(); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "commit promote txn")
	}
	s.bulk.Delete(ctx, warmKey(s.cfg.Prefix, sha)) //nolint:errcheck
	return nil
}

func (s *Store) promoteToWarm(ctx context.Context, sha gitobj.Hash) error {
	payload, err := s.readPackObjectBySha(ctx, sha)
	if err != nil || payload == nil {
		return err
	}
	var typStr string
	if err := s.db.QueryRowContext(ctx, `SELECT type FROM object_index WHERE sha = ?`, sha.String()).Scan(&typStr); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "lookup type for warm promotion")
	}
	if err := s.bulk.Put(ctx, warmKey(s.cfg.Prefix, sha), newByteReader(payload), int64(len(payload)),
		map[string]string{"type": typStr}); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE object_index SET tier = ?, pack_id = NULL, offset = NULL, updated_at = ? WHERE sha = ?`,
		TierWarm, now(), sha.String())
	return err
}

func (s *Store) readPackObjectBySha(ctx context.Context, sha gitobj.Hash) ([]byte, error) {
	var packID sql.NullString
	var offset sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT pack_id, offset FROM object_index WHERE sha = ?`, sha.String()).Scan(&packID, &offset); err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "lookup pack coordinates")
	}
	if !packID.Valid {
		return nil, nil
	}
	return s.readPackObject(ctx, packID.String, offset.Int64)
}

// evictHotForRoom evicts least-recently-accessed hot entries to warm until
// there is room for an additional needed bytes.
func (s *Store) evictHotForRoom(ctx context.Context, needed int64) error {
	var total int64
	s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size),0) FROM hot_objects`).Scan(&total) //nolint:errcheck
	if total+needed <= s.cfg.HotMax {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT sha, type, data, size FROM hot_objects ORDER BY accessed_at ASC`)
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "scan hot objects for eviction")
	}
	defer rows.Close()
	for total+needed > s.cfg.HotMax && rows.Next() {
		var shaStr, typStr string
		var data []byte
		var size int64
		if err := rows.Scan(&shaStr, &typStr, &data, &size); err != nil {
			return cellerr.Wrap(cellerr.KindIO, err, "scan hot row for eviction")
		}
		sha := gitobj.NewHash(shaStr)
		if err := s.bulk.Put(ctx, warmKey(s.cfg.Prefix, sha), newByteReader(data), size, map[string]string{"type": typStr}); err != nil {
			return err
		}
		s.db.ExecContext(ctx, `DELETE FROM hot_objects WHERE sha = ?`, shaStr)                                          //nolint:errcheck
		s.db.ExecContext(ctx, `UPDATE object_index SET tier = ?, updated_at = ? WHERE sha = ?`, TierWarm, now(), shaStr) //nolint:errcheck
		total -= size
	}
	return nil
}

// DemoteToWarm forces sha out of the hot tier into warm storage — used by
// maintenance passes and exercised directly by tests of tiered transparency.
func (s *Store) DemoteToWarm(ctx context.Context, sha gitobj.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var typStr string
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT type, data FROM hot_objects WHERE sha = ?`, sha.String()).Scan(&typStr, &data)
	if err == sql.ErrNoRows {
		return cellerr.NewNotFound("object %s not in hot tier", sha)
	}
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "read hot object for demotion")
	}
	if err := s.bulk.Put(ctx, warmKey(s.cfg.Prefix, sha), newByteReader(data), int64(len(data)), map[string]string{"type": typStr}); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM hot_objects WHERE sha = ?`, sha.String()); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "delete demoted hot object")
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE object_index SET tier = ?, updated_at = ? WHERE sha = ?`, TierWarm, now(), sha.String()); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "update index for demotion")
	}
	s.cache.Del(cacheKey(sha))
	return nil
}

// DemoteToCold marks sha as living at (packID, offset) in cold storage —
// used once a compaction/pack-build step has written it into a packfile.
func (s *Store) DemoteToCold(ctx context.Context, sha gitobj.Hash, packID string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM hot_objects WHERE sha = ?`, sha.String()); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "clear hot row for cold demotion")
	}
	s.bulk.Delete(ctx, warmKey(s.cfg.Prefix, sha)) //nolint:errcheck
	if _, err := s.db.ExecContext(ctx, `UPDATE object_index SET tier = ?, pack_id = ?, offset = ?, updated_at = ? WHERE sha = ?`,
		TierCold, packID, offset, now(), sha.String()); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "update index for cold demotion")
	}
	s.cache.Del(cacheKey(sha))
	return nil
}

// RunDemotionPass demotes hot entries whose last access predates the
// configured demotion age — the periodic maintenance pass from §4.2.
func (s *Store) RunDemotionPass(ctx context.Context) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.DemotionAgeDays).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT sha FROM hot_objects WHERE accessed_at < ?`, cutoff)
	if err != nil {
		return 0, cellerr.Wrap(cellerr.KindIO, err, "scan for demotion pass")
	}
	var shas []string
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			rows.Close()
			return 0, cellerr.Wrap(cellerr.KindIO, err, "scan demotion candidate")
		}
		shas = append(shas, sha)
	}
	rows.Close()
	for _, sha := range shas {
		if err := s.DemoteToWarm(ctx, gitobj.NewHash(sha)); err != nil {
			return 0, err
		}
	}
	return len(shas), nil
}
