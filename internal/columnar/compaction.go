// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package columnar

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/repocell/cell/internal/bulkstore"
	"github.com/repocell/cell/internal/cellerr"
)

// segmentFetchConcurrency bounds how many source segments compactOnce reads
// from bulk storage at once; fetch order doesn't matter since rows are
// deduped after every segment is in.
const segmentFetchConcurrency = 4

// RunCompactionIfNeeded makes exactly one compaction attempt, recording the
// outcome in compaction_retries. Per spec §4.3, back-off between failures is
// never run inline here — compaction is deferred to a timer-driven alarm,
// and it's the alarm loop's job (AttemptDue) to decide whether enough time
// has passed since the last failure before calling in again.
func (e *Exporter) RunCompactionIfNeeded(ctx context.Context) error {
	need, err := e.CompactionNeeded(ctx)
	if err != nil {
		return err
	}
	if !need {
		return nil
	}

	skip, err := e.shouldSkipAfterMaxAttempts(ctx)
	if err != nil {
		return err
	}
	if skip {
		keys, err := e.segmentsNeedingCompaction(ctx)
		if err != nil {
			return err
		}
		return e.clearNeedCompaction(ctx, keys)
	}

	if err := e.compactOnce(ctx); err != nil {
		return e.recordAttemptFailure(ctx, err)
	}
	return e.resetAttempts(ctx)
}

// AttemptDue reports whether enough wall-clock time has elapsed since the
// last recorded compaction failure for the alarm loop to make another
// attempt, per the base*factor^(attempt-1) schedule in spec §4.3 (e.g.
// 10s/30s/90s with the default base=10s, factor=3). A batch that has never
// failed, or has no retry record at all, is always due.
func (e *Exporter) AttemptDue(ctx context.Context) (bool, error) {
	var attempts int
	var updatedAt int64
	err := e.db.QueryRowContext(ctx, `SELECT attempt_count, updated_at FROM compaction_retries WHERE id = 1`).Scan(&attempts, &updatedAt)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, cellerr.Wrap(cellerr.KindIO, err, "read compaction retry schedule")
	}
	if attempts <= 0 {
		return true, nil
	}
	interval := float64(e.cfg.CompactionBase) * math.Pow(e.cfg.CompactionFactor, float64(attempts-1))
	due := updatedAt + time.Duration(interval).Milliseconds()
	return nowMs() >= due, nil
}

// compactOnce merges the oldest CompactionBatch segments flagged
// need_compaction into a single replacement segment, journals the
// operation so a crash mid-merge can be
// cleaned up by recoverCrash, then marks the sources compacted.
func (e *Exporter) compactOnce(ctx context.Context) error {
	keys, err := e.segmentsNeedingCompaction(ctx)
	if err != nil {
		return err
	}
	if len(keys) < 2 {
		// nothing worth merging; clear the flag so the alarm loop stops
		// retrying a no-op.
		return e.clearNeedCompaction(ctx, keys)
	}

	parts := make([][]segmentRow, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(segmentFetchConcurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			obj, err := e.bulk.Get(gctx, key)
			if err != nil {
				return cellerr.Wrap(cellerr.KindIO, err, "fetch segment %s for compaction", key)
			}
			data, rerr := readAllAndClose(obj)
			if rerr != nil {
				return rerr
			}
			part, err := decodeObjectSegment(data, e.cfg.DefaultCodec)
			if err != nil {
				return cellerr.Wrap(cellerr.KindIO, err, "decode segment %s", key)
			}
			parts[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	var rows []segmentRow
	for _, part := range parts {
		rows = append(rows, part...)
	}
	rows = dedupeRows(rows)

	targetKey := segmentKey(e.cfg.Prefix+"/compacted", e.cfg.DefaultCodec)
	journalID, err := e.journalStart(ctx, keys, targetKey)
	if err != nil {
		return err
	}

	encoded, err := encodeObjectSegment(rows, e.cfg.DefaultCodec)
	if err != nil {
		return err
	}
	if err := e.bulk.Put(ctx, targetKey, bytes.NewReader(encoded), int64(len(encoded)), map[string]string{"codec": string(e.cfg.DefaultCodec), "compacted": "true"}); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "write compacted segment %s", targetKey)
	}

	if err := e.commitCompaction(ctx, journalID, keys, targetKey); err != nil {
		return err
	}
	if err := e.bulk.Delete(ctx, keys...); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "delete source segments after compaction")
	}
	return nil
}

func dedupeRows(rows []segmentRow) []segmentRow {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, r := range rows {
		k := r.Sha.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

func (e *Exporter) segmentsNeedingCompaction(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT key FROM columnar_segments WHERE need_compaction = 1 ORDER BY created_at ASC LIMIT ?`, e.cfg.CompactionBatch)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "list segments needing compaction")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, cellerr.Wrap(cellerr.KindIO, err, "scan segment key")
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (e *Exporter) clearNeedCompaction(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	for _, k := range keys {
		if _, err := e.db.ExecContext(ctx, `UPDATE columnar_segments SET need_compaction = 0 WHERE key = ?`, k); err != nil {
			return cellerr.Wrap(cellerr.KindIO, err, "clear need_compaction flag")
		}
	}
	return nil
}

func (e *Exporter) journalStart(ctx context.Context, sourceKeys []string, targetKey string) (int64, error) {
	encoded, err := json.Marshal(sourceKeys)
	if err != nil {
		return 0, cellerr.Wrap(cellerr.KindInternal, err, "encode source key list")
	}
	res, err := e.db.ExecContext(ctx, `INSERT INTO compaction_journal(source_keys, target_key, status, created_at) VALUES (?,?,'in_progress',?)`,
		string(encoded), targetKey, nowMs())
	if err != nil {
		return 0, cellerr.Wrap(cellerr.KindIO, err, "open compaction journal entry")
	}
	return res.LastInsertId()
}

// commitCompaction records the new segment, marks the sources compacted,
// and removes the journal entry — all in one transaction so a crash between
// steps always leaves either the pre- or post-compaction state, never a mix
// recoverCrash can't reason about.
func (e *Exporter) commitCompaction(ctx context.Context, journalID int64, sourceKeys []string, targetKey string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "begin commitCompaction txn")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `INSERT INTO columnar_segments(key, created_at, compacted, need_compaction) VALUES (?,?,1,0)`,
		targetKey, nowMs()); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "record compacted segment")
	}
	for _, k := range sourceKeys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM columnar_segments WHERE key = ?`, k); err != nil {
			return cellerr.Wrap(cellerr.KindIO, err, "remove source segment record")
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM compaction_journal WHERE id = ?`, journalID); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "close compaction journal entry")
	}
	if err := tx.Commit(); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "commit compaction")
	}
	return nil
}

// shouldSkipAfterMaxAttempts reports whether the persisted attempt counter
// has already reached CompactionMaxTry for the current need_compaction
// batch — a permanent skip until ScheduleCompaction resets it.
func (e *Exporter) shouldSkipAfterMaxAttempts(ctx context.Context) (bool, error) {
	var attempts int
	err := e.db.QueryRowContext(ctx, `SELECT attempt_count FROM compaction_retries WHERE id = 1`).Scan(&attempts)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, cellerr.Wrap(cellerr.KindIO, err, "read compaction attempt counter")
	}
	return attempts >= e.cfg.CompactionMaxTry, nil
}

func (e *Exporter) recordAttemptFailure(ctx context.Context, cause error) error {
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO compaction_retries(id, attempt_count, last_error, updated_at) VALUES (1, 1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET attempt_count = attempt_count + 1, last_error = excluded.last_error, updated_at = excluded.updated_at`,
		cause.Error(), nowMs())
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "record compaction attempt failure")
	}
	return cause
}

func (e *Exporter) resetAttempts(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, `DELETE FROM compaction_retries WHERE id = 1`)
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "reset compaction attempt counter")
	}
	return nil
}

// ScheduleCompaction clears the persisted attempt counter, letting the
// alarm loop retry a batch that had previously hit CompactionMaxTry — the
// operator-triggered escape hatch named in spec §4.3.
func (e *Exporter) ScheduleCompaction(ctx context.Context) error {
	return e.resetAttempts(ctx)
}

func readAllAndClose(obj *bulkstore.Object) ([]byte, error) {
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "read segment body")
	}
	return data, nil
}
