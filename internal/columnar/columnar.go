// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package columnar implements the write-buffer / columnar exporter (C3):
// every accepted object is durably WAL-logged, buffered in memory, and
// later flushed into an immutable Arrow-IPC segment in bulk storage; small
// segments are later merged by a deferred, retried compaction loop.
package columnar

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repocell/cell/internal/bulkstore"
	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

// Config sizes the write buffer and compaction schedule, mirroring
// cellconfig.ColumnarConfig.
type Config struct {
	Prefix           string
	BufferSoftCap    int
	CompactionBase   time.Duration
	CompactionFactor float64
	CompactionMaxTry int
	DefaultCodec     Codec
	// CompactionBatch is the number of recent segments merged per
	// compaction run.
	CompactionBatch int
}

func (c Config) withDefaults() Config {
	if c.BufferSoftCap == 0 {
		c.BufferSoftCap = 4096
	}
	if c.CompactionBase == 0 {
		c.CompactionBase = 10 * time.Second
	}
	if c.CompactionFactor == 0 {
		c.CompactionFactor = 3
	}
	if c.CompactionMaxTry == 0 {
		c.CompactionMaxTry = 3
	}
	if c.DefaultCodec == "" {
		c.DefaultCodec = CodecSnappy
	}
	if c.CompactionBatch == 0 {
		c.CompactionBatch = 8
	}
	return c
}

// Exporter is the per-cell write buffer and columnar flush/compaction
// engine.
type Exporter struct {
	cfg  Config
	db   *sql.DB
	bulk bulkstore.Store

	mu         sync.Mutex
	roomToFill *sync.Cond
	buffer     []bufferEntry

	bloom *persistedBloom
}

type bufferEntry struct {
	WalID   int64
	Sha     gitobj.Hash
	Type    gitobj.ObjectType
	Payload []byte
	Path    string
}

func Open(ctx context.Context, db *sql.DB, bulk bulkstore.Store, cfg Config) (*Exporter, error) {
	cfg = cfg.withDefaults()
	e := &Exporter{cfg: cfg, db: db, bulk: bulk}
	e.roomToFill = sync.NewCond(&e.mu)

	bl, err := newPersistedBloom()
	if err != nil {
		return nil, err
	}
	e.bloom = bl

	if err := e.migrate(ctx); err != nil {
		return nil, err
	}
	if err := e.bloom.load(ctx, db); err != nil {
		return nil, err
	}
	if err := e.recoverCrash(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Exporter) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS write_buffer_wal (
			id INTEGER PRIMARY KEY AUTOINCREMENT, sha TEXT NOT NULL, type TEXT NOT NULL,
			data BLOB NOT NULL, path TEXT, created_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS compaction_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT, source_keys TEXT NOT NULL, target_key TEXT NOT NULL,
			status TEXT NOT NULL, created_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS compaction_retries (
			id INTEGER PRIMARY KEY CHECK (id = 1), attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT, updated_at INTEGER NOT NULL DEFAULT 0)`,
		`CREATE TABLE IF NOT EXISTS bloom_filter (
			id INTEGER PRIMARY KEY CHECK (id = 1), filter_data BLOB NOT NULL,
			item_count INTEGER NOT NULL, updated_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS columnar_segments (
			key TEXT PRIMARY KEY, created_at INTEGER NOT NULL, compacted INTEGER NOT NULL DEFAULT 0,
			need_compaction INTEGER NOT NULL DEFAULT 0)`,
	}
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return cellerr.Wrap(cellerr.KindInternal, err, "migrate columnar schema: %s", stmt)
		}
	}
	return nil
}

// recoverCrash replays unflushed WAL rows into the buffer and cleans up
// any compaction journal entry left in_progress by a prior crash.
func (e *Exporter) recoverCrash(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx, `SELECT id, sha, type, data, path FROM write_buffer_wal ORDER BY id ASC`)
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "scan write_buffer_wal for recovery")
	}
	var entries []bufferEntry
	for rows.Next() {
		var id int64
		var shaStr, typStr string
		var data []byte
		var path sql.NullString
		if err := rows.Scan(&id, &shaStr, &typStr, &data, &path); err != nil {
			rows.Close()
			return cellerr.Wrap(cellerr.KindIO, err, "scan write_buffer_wal row")
		}
		entries = append(entries, bufferEntry{
			WalID: id, Sha: gitobj.NewHash(shaStr), Type: gitobj.ParseObjectType(typStr),
			Payload: data, Path: path.String,
		})
	}
	rows.Close()
	e.mu.Lock()
	e.buffer = append(e.buffer, entries...)
	e.mu.Unlock()

	jrows, err := e.db.QueryContext(ctx, `SELECT id, target_key FROM compaction_journal WHERE status = 'in_progress'`)
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "scan compaction_journal for recovery")
	}
	type pending struct {
		id  int64
		key string
	}
	var stale []pending
	for jrows.Next() {
		var p pending
		if err := jrows.Scan(&p.id, &p.key); err != nil {
			jrows.Close()
			return cellerr.Wrap(cellerr.KindIO, err, "scan compaction_journal row")
		}
		stale = append(stale, p)
	}
	jrows.Close()
	for _, p := range stale {
		// A half-written target may or may not exist in bulk storage; the
		// source segments remain authoritative either way, so the safe
		// recovery action is always to delete the (possibly partial)
		// target and drop the journal row.
		e.bulk.Delete(ctx, p.key) //nolint:errcheck
		if _, err := e.db.ExecContext(ctx, `DELETE FROM compaction_journal WHERE id = ?`, p.id); err != nil {
			return cellerr.Wrap(cellerr.KindIO, err, "clear stale compaction_journal row")
		}
	}
	return nil
}

// Accept durably records obj as pending export, then buffers it in memory.
// If the buffer is at its soft cap, Accept blocks (the ctx deadline still
// applies) until a Flush drains room — the back-pressure policy of §5.
func (e *Exporter) Accept(ctx context.Context, sha gitobj.Hash, typ gitobj.ObjectType, payload []byte, path string) error {
	res, err := e.db.ExecContext(ctx, `INSERT INTO write_buffer_wal(sha, type, data, path, created_at) VALUES (?,?,?,?,?)`,
		sha.String(), typ.String(), payload, nullableString(path), nowMs())
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "write_buffer_wal insert")
	}
	walID, err := res.LastInsertId()
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "read write_buffer_wal id")
	}

	e.mu.Lock()
	if len(e.buffer) >= e.cfg.BufferSoftCap {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				e.mu.Lock()
				e.roomToFill.Broadcast()
				e.mu.Unlock()
			case <-done:
			}
		}()
		for len(e.buffer) >= e.cfg.BufferSoftCap && ctx.Err() == nil {
			e.roomToFill.Wait()
		}
		close(done)
		if ctx.Err() != nil {
			e.mu.Unlock()
			return cellerr.NewCancelled("accept cancelled waiting for buffer room")
		}
	}
	e.buffer = append(e.buffer, bufferEntry{WalID: walID, Sha: sha, Type: typ, Payload: payload, Path: path})
	e.mu.Unlock()
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Flush drains the entire in-memory buffer into one new segment, marks the
// corresponding WAL rows flushed, and updates the persisted bloom filter.
// Runs inline in the request path via a best-effort dispatcher (CellRuntime
// calls it from waitUntil after accepting a batch).
func (e *Exporter) Flush(ctx context.Context) (string, int, error) {
	e.mu.Lock()
	pending := e.buffer
	e.buffer = nil
	e.roomToFill.Broadcast()
	e.mu.Unlock()

	if len(pending) == 0 {
		return "", 0, nil
	}

	rows := make([]segmentRow, len(pending))
	ts := time.Now().UnixMilli()
	for i, p := range pending {
		rows[i] = segmentRow{Sha: p.Sha, Type: p.Type, Size: int64(len(p.Payload)), Payload: p.Payload, Ts: ts}
	}

	encoded, err := encodeObjectSegment(rows, e.cfg.DefaultCodec)
	if err != nil {
		e.requeue(pending)
		return "", 0, err
	}

	key := segmentKey(e.cfg.Prefix, e.cfg.DefaultCodec)
	if err := e.bulk.Put(ctx, key, bytes.NewReader(encoded), int64(len(encoded)), map[string]string{"codec": string(e.cfg.DefaultCodec)}); err != nil {
		e.requeue(pending)
		return "", 0, err
	}

	if _, err := e.db.ExecContext(ctx, `INSERT INTO columnar_segments(key, created_at, compacted, need_compaction) VALUES (?,?,0,0)`,
		key, nowMs()); err != nil {
		return "", 0, cellerr.Wrap(cellerr.KindIO, err, "record new segment")
	}

	ids := make([]int64, len(pending))
	for i, p := range pending {
		ids[i] = p.WalID
		e.bloom.add(p.Sha)
	}
	if err := e.markFlushed(ctx, ids); err != nil {
		return "", 0, err
	}
	if err := e.bloom.persist(ctx, e.db); err != nil {
		return "", 0, err
	}
	if err := e.maybeFlagCompaction(ctx); err != nil {
		return "", 0, err
	}
	return key, len(pending), nil
}

// requeue puts entries back at the front of the buffer after a failed
// flush attempt, preserving their WAL rows (never deleted on failure).
func (e *Exporter) requeue(pending []bufferEntry) {
	e.mu.Lock()
	e.buffer = append(pending, e.buffer...)
	e.mu.Unlock()
}

func (e *Exporter) markFlushed(ctx context.Context, ids []int64) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "begin mark-flushed txn")
	}
	defer tx.Rollback() //nolint:errcheck
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM write_buffer_wal WHERE id = ?`, id); err != nil {
			return cellerr.Wrap(cellerr.KindIO, err, "delete flushed wal row")
		}
	}
	if err := tx.Commit(); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "commit mark-flushed txn")
	}
	return nil
}

// maybeFlagCompaction sets need_compaction on every un-compacted segment
// once their count reaches CompactionBatch — CompactionNeeded reads this.
func (e *Exporter) maybeFlagCompaction(ctx context.Context) error {
	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM columnar_segments WHERE compacted = 0`).Scan(&n); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "count segments")
	}
	if n < e.cfg.CompactionBatch {
		return nil
	}
	_, err := e.db.ExecContext(ctx, `UPDATE columnar_segments SET need_compaction = 1 WHERE compacted = 0`)
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "flag segments for compaction")
	}
	return nil
}

// CompactionNeeded reports whether the alarm loop should invoke
// RunCompactionIfNeeded.
func (e *Exporter) CompactionNeeded(ctx context.Context) (bool, error) {
	var n int
	err := e.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM columnar_segments WHERE need_compaction = 1`).Scan(&n)
	if err != nil {
		return false, cellerr.Wrap(cellerr.KindIO, err, "check compactionNeeded")
	}
	return n > 0, nil
}

// BufferLen reports the number of entries currently buffered — used by
// tests and /health.
func (e *Exporter) BufferLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer)
}

func segmentKey(prefix string, codec Codec) string {
	return fmt.Sprintf("%s/segments/%s-%s.%s", prefix, segmentTimestamp(), uuid.NewString(), codec.extension())
}

// segmentTimestamp produces a lexicographically sortable timestamp so
// segment keys appear in bulk storage in strictly non-decreasing order.
func segmentTimestamp() string {
	return fmt.Sprintf("%020d", time.Now().UnixNano())
}

func nowMs() int64 { return time.Now().UnixMilli() }
