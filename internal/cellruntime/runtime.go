// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package cellruntime implements the single-writer coordinator (C7): it
// boots the other six components against one shared sqlite handle, owns
// the cell's HTTP route table, and drives the deferred compaction alarm
// and a bounded best-effort task dispatcher standing in for the source's
// event-loop "waitUntil".
package cellruntime

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/repocell/cell/internal/approval"
	"github.com/repocell/cell/internal/branch"
	"github.com/repocell/cell/internal/bulkstore"
	"github.com/repocell/cell/internal/cellconfig"
	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/columnar"
	"github.com/repocell/cell/internal/objectstore"
	"github.com/repocell/cell/internal/refstore"
	"github.com/repocell/cell/internal/wireprotocol"
)

// ForkDispatcher is the shard-lifecycle controller's capability this cell
// calls into on /fork; it lives entirely outside the core (spec §1) and is
// therefore injected rather than constructed here.
type ForkDispatcher interface {
	Dispatch(ctx context.Context, parentNS, to, startBranch string) error
}

// Runtime is the single-writer coordinator owning every other component's
// handle for the lifetime of one cell process.
type Runtime struct {
	cfg *cellconfig.CellConfig
	log *logrus.Entry

	db   *sql.DB
	Bulk bulkstore.Store

	Objects  *objectstore.Store
	Refs     *refstore.Store
	Branches *branch.Manager
	Export   *columnar.Exporter
	Wire     *wireprotocol.Server

	Dispatcher ForkDispatcher

	startedAt time.Time

	mu          sync.Mutex
	namespace   string
	initialized bool

	tasks     chan func(context.Context)
	tasksWG   sync.WaitGroup
	closeOnce sync.Once
	stopAlarm chan struct{}

	jobsMu sync.Mutex
	jobs   map[string]*exportJob
}

// Open wires every component over one shared sqlite database, matching the
// cell's single schema (spec §6 "Persisted SQL schema"). bulk is the
// BulkStore capability (§6); approvalSecret may be empty when no
// branch-protection rule requires reviews.
func Open(ctx context.Context, cfg *cellconfig.CellConfig, bulk bulkstore.Store, approvalSecret []byte) (*Runtime, error) {
	db, err := sql.Open("sqlite", cfg.ObjectStore.SqlitePath)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "open cell database")
	}
	db.SetMaxOpenConns(1)

	r := &Runtime{
		cfg:       cfg,
		log:       logrus.WithField("component", "cellruntime"),
		db:        db,
		Bulk:      bulk,
		startedAt: time.Now(),
		tasks:     make(chan func(context.Context), 256),
		stopAlarm: make(chan struct{}),
	}

	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	objCfg := objectstore.Config{
		HotObjectMax:       cfg.ObjectStore.HotObjectMaxByte,
		HotMax:             cfg.ObjectStore.HotMaxByte,
		PromotionThreshold: cfg.ObjectStore.PromotionAfter,
		DemotionAgeDays:    cfg.ObjectStore.DemotionAfter,
		CacheNumCounters:   cfg.ObjectStore.CacheNumCounters,
		CacheMaxCost:       cfg.ObjectStore.CacheMaxCost,
		CacheBufferItems:   cfg.ObjectStore.CacheBufferItems,
		Prefix:             cfg.BulkStore.Prefix,
	}
	objects, err := objectstore.OpenWithDB(ctx, db, bulk, objCfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.Objects = objects

	refs, err := refstore.Open(db, objects)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.Refs = refs

	branches, err := branch.Open(db, refs, objects)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.Branches = branches

	colCfg := columnar.Config{
		Prefix:           cfg.BulkStore.Prefix,
		BufferSoftCap:    cfg.Columnar.BufferSoftCap,
		CompactionBase:   cfg.Columnar.CompactionBase.Duration,
		CompactionFactor: cfg.Columnar.CompactionFactor,
		CompactionMaxTry: cfg.Columnar.CompactionMaxTry,
		DefaultCodec:     columnar.Codec(cfg.Columnar.DefaultCodec),
	}
	export, err := columnar.Open(ctx, db, bulk, colCfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.Export = export

	var verifier *approval.Verifier
	if len(approvalSecret) > 0 {
		verifier = approval.NewVerifier(approvalSecret)
	}
	r.Wire = &wireprotocol.Server{
		Refs:      refs,
		Objects:   objects,
		Approvals: verifier,
		Log:       r.log,
	}

	if err := r.loadNamespace(ctx); err != nil {
		db.Close()
		return nil, err
	}

	go r.dispatchLoop()
	go r.alarmLoop()

	return r, nil
}

func (r *Runtime) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS cell_meta (
		key TEXT PRIMARY KEY, value TEXT NOT NULL)`)
	if err != nil {
		return cellerr.Wrap(cellerr.KindInternal, err, "migrate cell_meta schema")
	}
	return nil
}

func (r *Runtime) loadNamespace(ctx context.Context) error {
	var ns string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM cell_meta WHERE key = 'namespace'`).Scan(&ns)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "load cell namespace")
	}
	r.mu.Lock()
	r.namespace = ns
	r.initialized = true
	r.mu.Unlock()
	return nil
}

// Namespace returns the cell's initialized namespace, or "" if Initialize
// has never been called.
func (r *Runtime) Namespace() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namespace
}

func (r *Runtime) Uptime() time.Duration {
	return time.Since(r.startedAt)
}

// Close stops the background loops and releases the shared database
// handle. Safe to call more than once.
func (r *Runtime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopAlarm)
		close(r.tasks)
		r.tasksWG.Wait()
		r.Objects.Close()
		err = r.db.Close()
	})
	return err
}

// WaitUntil schedules fn as best-effort background work bounded by the
// cell's lifetime — a task dispatcher standing in for the source's
// event-loop ctx.waitUntil. Work queued after Close is silently dropped.
func (r *Runtime) WaitUntil(fn func(context.Context)) {
	defer func() { recover() }() //nolint:errcheck // send on a closed channel during shutdown races is expected and harmless
	select {
	case r.tasks <- fn:
	default:
		r.log.Warn("waitUntil queue full, running inline")
		fn(context.Background())
	}
}

func (r *Runtime) dispatchLoop() {
	for fn := range r.tasks {
		r.tasksWG.Add(1)
		func() {
			defer r.tasksWG.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Errorf("background task panicked: %v", rec)
				}
			}()
			fn(context.Background())
		}()
	}
}

// InvalidateCaches drops every in-memory accelerator (the object store's
// LRU); authoritative state is unaffected.
func (r *Runtime) InvalidateCaches() {
	r.Objects.InvalidateCaches()
}
