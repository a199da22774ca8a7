// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package objectstore implements the tiered content-addressed object store:
// hot embedded SQL rows, warm loose blobs in bulk storage, cold packfiles,
// fronted by an LRU cache and a write-ahead log.
package objectstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	_ "modernc.org/sqlite"

	"github.com/repocell/cell/internal/bulkstore"
	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

// Config sizes the tiering policy and cache, mirroring cellconfig.ObjectStoreConfig.
type Config struct {
	HotObjectMax       int64
	HotMax             int64
	PromotionThreshold int
	DemotionAgeDays    int
	CacheNumCounters   int64
	CacheMaxCost       int64
	CacheBufferItems   int64
	Prefix             string // bulk-store key prefix for this cell
}

func (c Config) withDefaults() Config {
	if c.HotObjectMax == 0 {
		c.HotObjectMax = 1 << 20
	}
	if c.HotMax == 0 {
		c.HotMax = 32 << 20
	}
	if c.PromotionThreshold == 0 {
		c.PromotionThreshold = 3
	}
	if c.DemotionAgeDays == 0 {
		c.DemotionAgeDays = 7
	}
	if c.CacheNumCounters == 0 {
		c.CacheNumCounters = 1e6
	}
	if c.CacheMaxCost == 0 {
		c.CacheMaxCost = 64 << 20
	}
	if c.CacheBufferItems == 0 {
		c.CacheBufferItems = 64
	}
	return c
}

// Metrics counts operations. The fields are plain int64s, not updated
// atomically; read-path counters are bumped without holding Store.mu.
type Metrics struct {
	Reads, Writes, Deletes int64
	BytesIn, BytesOut      int64
	CacheHits, CacheMisses int64
	BatchOps               int64
}

// Store is the content-addressed, single-writer, multi-reader object store
// for one cell.
type Store struct {
	cfg   Config
	db    *sql.DB
	bulk  bulkstore.Store
	cache *ristretto.Cache[string, []byte]

	mu      sync.Mutex // serializes writes per the single-writer-per-shard model
	metrics Metrics
	ownsDB  bool
	bloom   *existenceBloom
}

func Open(ctx context.Context, sqlitePath string, bulk bulkstore.Store, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", sqlitePath)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "open hot-tier database")
	}
	db.SetMaxOpenConns(1) // single-writer cell; one sqlite connection avoids SQLITE_BUSY
	s, err := OpenWithDB(ctx, db, bulk, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// OpenWithDB constructs a Store against an already-open database handle,
// shared with the other components of the cell's schema (see cellruntime).
// The caller retains ownership of db and must close it itself.
func OpenWithDB(ctx context.Context, db *sql.DB, bulk bulkstore.Store, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: cfg.CacheNumCounters,
		MaxCost:     cfg.CacheMaxCost,
		BufferItems: cfg.CacheBufferItems,
	})
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindInternal, err, "init object cache")
	}

	bloom, err := newExistenceBloom()
	if err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, db: db, bulk: bulk, cache: cache, bloom: bloom}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	if err := s.replayWAL(ctx); err != nil {
		return nil, err
	}

	loaded, err := s.bloom.load(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if !loaded {
		if err := s.bloom.rebuildFromIndex(ctx, s.db); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// DB exposes the shared sqlite handle so sibling components (RefStore,
// ColumnarExporter) can add their own tables to the same per-cell database.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	s.cache.Close()
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			sha TEXT PRIMARY KEY, type TEXT NOT NULL, size INTEGER NOT NULL,
			data BLOB NOT NULL, created_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS object_index (
			sha TEXT PRIMARY KEY, tier INTEGER NOT NULL, pack_id TEXT,
			offset INTEGER, size INTEGER NOT NULL, type TEXT NOT NULL,
			updated_at INTEGER NOT NULL, chunked INTEGER DEFAULT 0, chunk_count INTEGER DEFAULT 0)`,
		`CREATE TABLE IF NOT EXISTS hot_objects (
			sha TEXT PRIMARY KEY, type TEXT NOT NULL, data BLOB NOT NULL,
			size INTEGER NOT NULL, accessed_at INTEGER NOT NULL, created_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS wal (
			id INTEGER PRIMARY KEY AUTOINCREMENT, operation TEXT NOT NULL,
			payload TEXT NOT NULL, created_at INTEGER NOT NULL, flushed INTEGER DEFAULT 0)`,
		`CREATE TABLE IF NOT EXISTS sha_cache (
			sha TEXT PRIMARY KEY, type TEXT NOT NULL, size INTEGER NOT NULL, added_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS bloom_filter (
			id INTEGER PRIMARY KEY CHECK (id = 1), filter_data BLOB NOT NULL, updated_at INTEGER NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return cellerr.Wrap(cellerr.KindInternal, err, "migrate schema: %s", stmt)
		}
	}
	return nil
}

// replayWAL re-applies unflushed WAL rows at cold start: rows whose object
// is already present are no-ops; rows whose object is missing are treated
// as completed (the write either committed, in which case the object is
// present and this is a no-op, or it did not, in which case there is
// nothing left to redo — putObject's per-row transaction guarantees the
// object row and WAL row commit together).
func (s *Store) replayWAL(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM wal WHERE flushed = 0`)
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "scan wal for replay")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return cellerr.Wrap(cellerr.KindIO, err, "scan wal row")
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE wal SET flushed = 1 WHERE id = ?`, id); err != nil {
			return cellerr.Wrap(cellerr.KindIO, err, "mark wal row flushed")
		}
	}
	return nil
}

func now() int64 { return time.Now().UnixMilli() }

func cacheKey(sha gitobj.Hash) string { return sha.String() }

// PutObject writes a content-addressed object, idempotently, and returns
// its sha.
func (s *Store) PutObject(ctx context.Context, t gitobj.ObjectType, payload []byte) (gitobj.Hash, error) {
	sha := gitobj.HashObject(t, payload)
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.existsLocked(ctx, sha)
	if err != nil {
		return sha, err
	}
	if exists {
		s.touchAccess(ctx, sha)
		return sha, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sha, cellerr.Wrap(cellerr.KindIO, err, "begin putObject txn")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `INSERT INTO wal(operation, payload, created_at, flushed) VALUES (?, ?, ?, 1)`,
		"put_object", sha.String(), now()); err != nil {
		return sha, cellerr.Wrap(cellerr.KindIO, err, "wal insert")
	}

	tier := TierHot
	if int64(len(payload)) > s.cfg.HotObjectMax {
		tier = TierWarm
	}
	switch tier {
	case TierHot:
		if _, err := tx.ExecContext(ctx, `INSERT INTO hot_objects(sha, type, data, size, accessed_at, created_at) VALUES (?,?,?,?,?,?)`,
			sha.String(), t.String(), payload, len(payload), now(), now()); err != nil {
			return sha, cellerr.Wrap(cellerr.KindIO, err, "insert hot object")
		}
	case TierWarm:
		if err := s.bulk.Put(ctx, warmKey(s.cfg.Prefix, sha), newByteReader(payload), int64(len(payload)),
			map[string]string{"type": t.String()}); err != nil {
			return sha, err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO object_index(sha, tier, size, type, updated_at) VALUES (?,?,?,?,?)`,
		sha.String(), tier, len(payload), t.String(), now()); err != nil {
		return sha, cellerr.Wrap(cellerr.KindIO, err, "insert object_index")
	}
	if err := tx.Commit(); err != nil {
		return sha, cellerr.Wrap(cellerr.KindIO, err, "commit putObject txn")
	}

	s.cache.Set(cacheKey(sha), payload, int64(len(payload)))
	s.bloom.add(sha)
	if err := s.bloom.persist(ctx, s.db); err != nil {
		return sha, err
	}
	s.metrics.Writes++
	s.metrics.BytesIn += int64(len(payload))
	return sha, nil
}

// ObjectInput is one member of a PutObjects batch.
type ObjectInput struct {
	Type    gitobj.ObjectType
	Payload []byte
}

// PutObjects writes a batch inside a single transaction: all rows commit or
// none do. SHAs are computed before the transaction starts.
func (s *Store) PutObjects(ctx context.Context, objs []ObjectInput) ([]gitobj.Hash, error) {
	shas := make([]gitobj.Hash, len(objs))
	for i, o := range objs {
		shas[i] = gitobj.HashObject(o.Type, o.Payload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "begin putObjects txn")
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback() //nolint:errcheck
		}
	}()

	if _, err := tx.ExecContext(ctx, `INSERT INTO wal(operation, payload, created_at, flushed) VALUES (?, ?, ?, 1)`,
		"put_objects", fmt.Sprintf("batch of %d", len(objs)), now()); err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "batch wal insert")
	}

	for i, o := range objs {
		sha := shas[i]
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM object_index WHERE sha = ?`, sha.String()).Scan(&n); err != nil {
			return nil, cellerr.Wrap(cellerr.KindIO, err, "check existing object")
		}
		if n > 0 {
			continue
		}
		tier := TierHot
		if int64(len(o.Payload)) > s.cfg.HotObjectMax {
			tier = TierWarm
		}
		if tier == TierHot {
			if _, err := tx.ExecContext(ctx, `INSERT INTO hot_objects(sha, type, data, size, accessed_at, created_at) VALUES (?,?,?,?,?,?)`,
				sha.String(), o.Type.String(), o.Payload, len(o.Payload), now(), now()); err != nil {
				return nil, cellerr.Wrap(cellerr.KindIO, err, "batch insert hot object")
			}
		} else {
			if err := s.bulk.Put(ctx, warmKey(s.cfg.Prefix, sha), newByteReader(o.Payload), int64(len(o.Payload)),
				map[string]string{"type": o.Type.String()}); err != nil {
				return nil, err
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO object_index(sha, tier, size, type, updated_at) VALUES (?,?,?,?,?)`,
			sha.String(), tier, len(o.Payload), o.Type.String(), now()); err != nil {
			return nil, cellerr.Wrap(cellerr.KindIO, err, "batch insert object_index")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "commit putObjects txn")
	}
	committed = true

	for i, o := range objs {
		s.cache.Set(cacheKey(shas[i]), o.Payload, int64(len(o.Payload)))
		s.bloom.add(shas[i])
	}
	if len(objs) > 0 {
		if err := s.bloom.persist(ctx, s.db); err != nil {
			return nil, err
		}
	}
	s.metrics.Writes += int64(len(objs))
	s.metrics.BatchOps++
	return shas, nil
}

// GetObject returns the payload for sha, or nil if it does not exist.
func (s *Store) GetObject(ctx context.Context, sha gitobj.Hash) ([]byte, error) {
	s.metrics.Reads++
	if v, ok := s.cache.Get(cacheKey(sha)); ok {
		s.metrics.CacheHits++
		return v, nil
	}
	s.metrics.CacheMisses++

	var tier Tier
	var packID sql.NullString
	var offset sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT tier, pack_id, offset FROM object_index WHERE sha = ?`, sha.String()).
		Scan(&tier, &packID, &offset)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "lookup object_index")
	}

	payload, err := s.readTier(ctx, sha, tier, packID, offset)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		s.cache.Set(cacheKey(sha), payload, int64(len(payload)))
		s.maybePromote(ctx, sha, tier)
	}
	return payload, nil
}

func (s *Store) readTier(ctx context.Context, sha gitobj.Hash, tier Tier, packID sql.NullString, offset sql.NullInt64) ([]byte, error) {
	switch tier {
	case TierHot:
		var data []byte
		err := s.db.QueryRowContext(ctx, `SELECT data FROM hot_objects WHERE sha = ?`, sha.String()).Scan(&data)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, cellerr.Wrap(cellerr.KindIO, err, "read hot object")
		}
		s.db.ExecContext(ctx, `UPDATE hot_objects SET accessed_at = ? WHERE sha = ?`, now(), sha.String()) //nolint:errcheck
		return data, nil
	case TierWarm:
		obj, err := s.bulk.Get(ctx, warmKey(s.cfg.Prefix, sha))
		if err != nil {
			if bulkstore.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		defer obj.Body.Close()
		return readAll(obj.Body)
	case TierCold:
		if !packID.Valid || !offset.Valid {
			return nil, cellerr.NewInternal("cold object %s missing pack coordinates", sha)
		}
		return s.readPackObject(ctx, packID.String, offset.Int64)
	default:
		return nil, cellerr.NewInternal("unknown tier %d for %s", tier, sha)
	}
}

func (s *Store) readPackObject(ctx context.Context, packID string, offset int64) ([]byte, error) {
	obj, err := s.bulk.Get(ctx, coldKey(s.cfg.Prefix, packID))
	if err != nil {
		if bulkstore.IsNotFound(err) {
			return nil, cellerr.NewNotFound("pack %s not found", packID)
		}
		return nil, cellerr.Wrap(cellerr.KindIO, err, "fetch pack %s", packID)
	}
	defer obj.Body.Close()
	raw, err := readAll(obj.Body)
	if err != nil {
		return nil, err
	}
	entries, err := gitobj.PackDecode(raw)
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		if int64(i) == offset {
			return e.Payload, nil
		}
	}
	return nil, cellerr.NewNotFound("pack offset %d not found in %s", offset, packID)
}

// GetObjects returns payloads for each sha in the same order as input; a nil
// entry marks a miss.
func (s *Store) GetObjects(ctx context.Context, shas []gitobj.Hash) ([][]byte, error) {
	out := make([][]byte, len(shas))
	for i, sha := range shas {
		payload, err := s.GetObject(ctx, sha)
		if err != nil {
			return nil, err
		}
		out[i] = payload
	}
	return out, nil
}

// HasObject is the LRU → bloom → index fast path of spec §4.2: a cache hit
// answers immediately, a bloom miss answers immediately (sha is definitely
// absent), and only a bloom hit falls through to the authoritative index
// query, since the filter can false-positive but never false-negative.
func (s *Store) HasObject(ctx context.Context, sha gitobj.Hash) (bool, error) {
	if _, ok := s.cache.Get(cacheKey(sha)); ok {
		return true, nil
	}
	if !s.bloom.mightHave(sha) {
		return false, nil
	}
	return s.existsLocked(ctx, sha)
}

func (s *Store) existsLocked(ctx context.Context, sha gitobj.Hash) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM object_index WHERE sha = ?`, sha.String()).Scan(&n); err != nil {
		return false, cellerr.Wrap(cellerr.KindIO, err, "exists check")
	}
	return n > 0, nil
}

// DeleteObject removes an object from every tier and the cache. The caller
// is responsible for ensuring it is unreachable.
func (s *Store) DeleteObject(ctx context.Context, sha gitobj.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existed, err := s.existsLocked(ctx, sha)
	if err != nil || !existed {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, cellerr.Wrap(cellerr.KindIO, err, "begin delete txn")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `INSERT INTO wal(operation, payload, created_at, flushed) VALUES (?, ?, ?, 1)`,
		"delete_object", sha.String(), now()); err != nil {
		return false, cellerr.Wrap(cellerr.KindIO, err, "wal insert for delete")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM hot_objects WHERE sha = ?`, sha.String()); err != nil {
		return false, cellerr.Wrap(cellerr.KindIO, err, "delete hot object")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM object_index WHERE sha = ?`, sha.String()); err != nil {
		return false, cellerr.Wrap(cellerr.KindIO, err, "delete object_index row")
	}
	if err := tx.Commit(); err != nil {
		return false, cellerr.Wrap(cellerr.KindIO, err, "commit delete txn")
	}
	s.bulk.Delete(ctx, warmKey(s.cfg.Prefix, sha)) //nolint:errcheck
	s.cache.Del(cacheKey(sha))
	s.metrics.Deletes++
	return true, nil
}

// VerifyObject re-reads sha bypassing the cache and re-hashes it.
func (s *Store) VerifyObject(ctx context.Context, sha gitobj.Hash) (bool, error) {
	var tier Tier
	var packID sql.NullString
	var offset sql.NullInt64
	var typStr string
	err := s.db.QueryRowContext(ctx, `SELECT tier, pack_id, offset, type FROM object_index WHERE sha = ?`, sha.String()).
		Scan(&tier, &packID, &offset, &typStr)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, cellerr.Wrap(cellerr.KindIO, err, "lookup for verify")
	}
	payload, err := s.readTier(ctx, sha, tier, packID, offset)
	if err != nil || payload == nil {
		return false, err
	}
	return gitobj.HashObject(gitobj.ParseObjectType(typStr), payload) == sha, nil
}

func (s *Store) touchAccess(ctx context.Context, sha gitobj.Hash) {
	s.db.ExecContext(ctx, `UPDATE hot_objects SET accessed_at = ? WHERE sha = ?`, now(), sha.String()) //nolint:errcheck
}

func (s *Store) Metrics() Metrics {
	return s.metrics
}

// InvalidateCaches discards the LRU's contents; authoritative data lives in
// the hot rows so this is always safe. CellRuntime exposes it as
// Runtime.InvalidateCaches.
func (s *Store) InvalidateCaches() {
	s.cache.Clear()
}

func warmKey(prefix string, sha gitobj.Hash) string {
	s := sha.String()
	return fmt.Sprintf("%s/objects/%s/%s", prefix, s[0:2], s[2:])
}

func coldKey(prefix, packID string) string {
	return fmt.Sprintf("%s/packs/%s.pack", prefix, packID)
}
