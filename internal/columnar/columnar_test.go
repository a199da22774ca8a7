// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package columnar

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/repocell/cell/internal/bulkstore"
	"github.com/repocell/cell/internal/gitobj"
)

func newTestExporter(t *testing.T, cfg Config) (*Exporter, bulkstore.Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bulk := bulkstore.NewMem()
	cfg.Prefix = "t"
	e, err := Open(context.Background(), db, bulk, cfg)
	require.NoError(t, err)
	return e, bulk, db
}

func TestAcceptThenFlushWritesSegment(t *testing.T) {
	ctx := context.Background()
	e, bulk, _ := newTestExporter(t, Config{BufferSoftCap: 8})

	sha := gitobj.NewHash("ce013625030ba8dba906f756967f9e9ca394464a")
	require.NoError(t, e.Accept(ctx, sha, gitobj.BlobObject, []byte("hello\n"), ""))
	require.Equal(t, 1, e.BufferLen())

	key, n, err := e.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NotEmpty(t, key)
	require.Equal(t, 0, e.BufferLen())

	res, err := bulk.List(ctx, bulkstore.ListOptions{Prefix: "t/segments/"})
	require.NoError(t, err)
	require.Len(t, res.Keys, 1)
	require.True(t, e.bloom.has(sha))
}

func TestFlushOnEmptyBufferIsNoop(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestExporter(t, Config{})
	key, n, err := e.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, key)
}

func TestRecoveryReplaysUnflushedWAL(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	bulk := bulkstore.NewMem()

	_, err = Open(ctx, db, bulk, Config{Prefix: "t"})
	require.NoError(t, err)
	sha := gitobj.NewHash("ce013625030ba8dba906f756967f9e9ca394464a")
	_, err = db.ExecContext(ctx, `INSERT INTO write_buffer_wal(sha, type, data, path, created_at) VALUES (?,?,?,?,?)`,
		sha.String(), gitobj.BlobObject.String(), []byte("hello\n"), nil, int64(1))
	require.NoError(t, err)

	e2, err := Open(ctx, db, bulk, Config{Prefix: "t"})
	require.NoError(t, err)
	require.Equal(t, 1, e2.BufferLen())
}

func TestCompactionMergesSegments(t *testing.T) {
	ctx := context.Background()
	e, bulk, _ := newTestExporter(t, Config{BufferSoftCap: 1, CompactionBatch: 2})

	sha1 := gitobj.NewHash("1111111111111111111111111111111111111111")
	sha2 := gitobj.NewHash("2222222222222222222222222222222222222222")

	require.NoError(t, e.Accept(ctx, sha1, gitobj.BlobObject, []byte("a"), ""))
	_, _, err := e.Flush(ctx)
	require.NoError(t, err)

	require.NoError(t, e.Accept(ctx, sha2, gitobj.BlobObject, []byte("b"), ""))
	_, _, err = e.Flush(ctx)
	require.NoError(t, err)

	need, err := e.CompactionNeeded(ctx)
	require.NoError(t, err)
	require.True(t, need)

	require.NoError(t, e.RunCompactionIfNeeded(ctx))

	res, err := bulk.List(ctx, bulkstore.ListOptions{Prefix: "t/compacted/segments/"})
	require.NoError(t, err)
	require.Len(t, res.Keys, 1)

	rows, err := e.segmentsNeedingCompaction(ctx)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestScheduleCompactionResetsAttempts(t *testing.T) {
	ctx := context.Background()
	e, _, db := newTestExporter(t, Config{})
	_, err := db.ExecContext(ctx, `INSERT INTO compaction_retries(id, attempt_count, updated_at) VALUES (1, 5, 0)`)
	require.NoError(t, err)

	skip, err := e.shouldSkipAfterMaxAttempts(ctx)
	require.NoError(t, err)
	require.True(t, skip)

	require.NoError(t, e.ScheduleCompaction(ctx))
	skip, err = e.shouldSkipAfterMaxAttempts(ctx)
	require.NoError(t, err)
	require.False(t, skip)
}

func TestAttemptDueHonorsBackoffWindow(t *testing.T) {
	ctx := context.Background()
	e, _, db := newTestExporter(t, Config{CompactionBase: 10_000_000_000, CompactionFactor: 3})

	due, err := e.AttemptDue(ctx)
	require.NoError(t, err)
	require.True(t, due, "a batch with no retry record yet is always due")

	_, err = db.ExecContext(ctx, `INSERT INTO compaction_retries(id, attempt_count, updated_at) VALUES (1, 1, ?)`, nowMs())
	require.NoError(t, err)
	due, err = e.AttemptDue(ctx)
	require.NoError(t, err)
	require.False(t, due, "first failure just recorded, 10s base has not elapsed yet")

	_, err = db.ExecContext(ctx, `UPDATE compaction_retries SET updated_at = ? WHERE id = 1`, nowMs()-11_000)
	require.NoError(t, err)
	due, err = e.AttemptDue(ctx)
	require.NoError(t, err)
	require.True(t, due, "base interval elapsed since the one recorded failure")

	_, err = db.ExecContext(ctx, `UPDATE compaction_retries SET attempt_count = 2, updated_at = ? WHERE id = 1`, nowMs()-11_000)
	require.NoError(t, err)
	due, err = e.AttemptDue(ctx)
	require.NoError(t, err)
	require.False(t, due, "second failure backs off to base*factor=30s, only 11s elapsed")
}
