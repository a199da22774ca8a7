// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package refstore implements named refs, symbolic HEAD resolution, reflog,
// and branch-protection enforcement, backed by the cell's shared sqlite
// database.
package refstore

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

const maxSymbolicDepth = 10

type RefType int

const (
	RefSha RefType = iota
	RefSymbolic
)

type Ref struct {
	Name      string
	Target    string // hex sha when Type==RefSha, ref name when Type==RefSymbolic
	Type      RefType
	UpdatedAt time.Time
}

// Ancestry is the narrow capability RefStore needs from ObjectStore to
// enforce preventForcePush: "is newSha reachable by walking commit parents
// starting from oldSha's descendants" — concretely, "is oldSha an ancestor
// of newSha".
type Ancestry interface {
	IsAncestor(ctx context.Context, ancestor, descendant gitobj.Hash) (bool, error)
}

// Store is the per-cell ref store.
type Store struct {
	db  *sql.DB
	obj Ancestry

	refLocksMu sync.Mutex
	refLocks   map[string]*sync.Mutex
}

func Open(db *sql.DB, obj Ancestry) (*Store, error) {
	s := &Store{db: db, obj: obj, refLocks: map[string]*sync.Mutex{}}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS refs (name TEXT PRIMARY KEY, target TEXT NOT NULL, type INTEGER NOT NULL, updated_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS reflog (id INTEGER PRIMARY KEY AUTOINCREMENT, ref_name TEXT NOT NULL,
			old_sha TEXT NOT NULL, new_sha TEXT NOT NULL, who TEXT NOT NULL, reason TEXT NOT NULL, at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS branch_protection (id INTEGER PRIMARY KEY AUTOINCREMENT, pattern TEXT UNIQUE NOT NULL,
			required_reviews INTEGER DEFAULT 0, prevent_force_push INTEGER DEFAULT 0,
			prevent_deletion INTEGER DEFAULT 0, enabled INTEGER DEFAULT 1)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return cellerr.Wrap(cellerr.KindInternal, err, "migrate ref schema")
		}
	}
	return nil
}

func (s *Store) refLock(name string) *sync.Mutex {
	s.refLocksMu.Lock()
	defer s.refLocksMu.Unlock()
	l, ok := s.refLocks[name]
	if !ok {
		l = &sync.Mutex{}
		s.refLocks[name] = l
	}
	return l
}

// GetRef reads a ref's raw row without chasing symbolic targets.
func (s *Store) GetRef(ctx context.Context, name string) (*Ref, error) {
	var target string
	var typ RefType
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT target, type, updated_at FROM refs WHERE name = ?`, name).
		Scan(&target, &typ, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "read ref %s", name)
	}
	return &Ref{Name: name, Target: target, Type: typ, UpdatedAt: time.UnixMilli(updatedAt)}, nil
}

// ListRefs returns every ref whose name has the given prefix, in
// lexicographic order.
func (s *Store) ListRefs(ctx context.Context, prefix string) ([]Ref, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, target, type, updated_at FROM refs WHERE name LIKE ? ESCAPE '\' ORDER BY name ASC`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "list refs")
	}
	defer rows.Close()
	var out []Ref
	for rows.Next() {
		var r Ref
		var updatedAt int64
		if err := rows.Scan(&r.Name, &r.Target, &r.Type, &updatedAt); err != nil {
			return nil, cellerr.Wrap(cellerr.KindIO, err, "scan ref row")
		}
		r.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, r)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ResolveRef chases symbolic refs to a terminal sha, bounded in depth.
func (s *Store) ResolveRef(ctx context.Context, name string) (string, gitobj.Hash, error) {
	seen := map[string]bool{}
	cur := name
	for depth := 0; depth < maxSymbolicDepth; depth++ {
		if seen[cur] {
			return "", gitobj.ZeroHash, cellerr.NewInvalid("cycle resolving ref %s", name)
		}
		seen[cur] = true
		r, err := s.GetRef(ctx, cur)
		if err != nil {
			return "", gitobj.ZeroHash, err
		}
		if r == nil {
			return "", gitobj.ZeroHash, cellerr.NewNotFound("ref %s does not exist", cur)
		}
		if r.Type == RefSha {
			h, err := gitobj.NewHashEx(r.Target)
			if err != nil {
				return "", gitobj.ZeroHash, cellerr.NewInvalid("ref %s has malformed sha", cur)
			}
			return cur, h, nil
		}
		cur = r.Target
	}
	return "", gitobj.ZeroHash, cellerr.NewInvalid("cycle resolving ref %s (depth exceeded)", name)
}

// ReadPackedRefs is a stub: this design keeps no packed-refs file.
func (s *Store) ReadPackedRefs(ctx context.Context) ([]Ref, error) {
	return nil, nil
}

// UpdateHead stores HEAD either as a symbolic pointer at refName (the usual
// case) or, when symbolic is false, as a direct (detached) sha ref.
func (s *Store) UpdateHead(ctx context.Context, refName string, symbolic bool) error {
	target, typ := refName, RefSymbolic
	var sha gitobj.Hash
	if !symbolic {
		_, h, err := s.ResolveRef(ctx, refName)
		if err != nil {
			return err
		}
		sha, target, typ = h, h.String(), RefSha
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refs(name, target, type, updated_at) VALUES ('HEAD', ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET target=excluded.target, type=excluded.type, updated_at=excluded.updated_at`,
		target, typ, nowMs())
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "update HEAD")
	}
	if !symbolic {
		return s.appendReflog(ctx, "HEAD", gitobj.ZeroHash, sha, "system", "detach HEAD")
	}
	return nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
