// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cellruntime

import (
	"context"
	"regexp"
	"time"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(/[A-Za-z0-9._-]+)*$`)

func validNamespace(ns string) bool {
	return ns != "" && len(ns) < 256 && namespacePattern.MatchString(ns) && ns != "." && ns != ".."
}

// InitOptions parameterize Initialize.
type InitOptions struct {
	Namespace string
	// Parent, when set, marks this cell as a fork's target: Initialize
	// persists the namespace but skips seeding an empty tree/commit,
	// trusting the caller (shard-lifecycle controller) to populate the
	// cell's objects and refs via sync immediately afterward.
	Parent string
}

// Initialize is idempotent: persists the namespace, and — unless this is a
// fork target — seeds an initial empty tree, a root commit over it, and a
// refs/heads/main pointed at that commit with HEAD symbolic to it.
func (r *Runtime) Initialize(ctx context.Context, opts InitOptions) error {
	if !validNamespace(opts.Namespace) {
		return cellerr.NewInvalid("INVALID_NAMESPACE: %q", opts.Namespace)
	}

	r.mu.Lock()
	if r.initialized {
		already := r.namespace == opts.Namespace
		r.mu.Unlock()
		if already {
			return nil
		}
		return cellerr.NewConflict("cell already initialized as namespace %q", r.namespace)
	}
	r.mu.Unlock()

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO cell_meta(key, value) VALUES ('namespace', ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		opts.Namespace); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "persist cell namespace")
	}

	if opts.Parent == "" {
		if err := r.seedEmptyRepository(ctx); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.namespace = opts.Namespace
	r.initialized = true
	r.mu.Unlock()
	return nil
}

func (r *Runtime) seedEmptyRepository(ctx context.Context) error {
	treeSha, err := r.Objects.PutTree(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now()
	commit := &gitobj.Commit{
		Tree: treeSha,
		Author: gitobj.Signature{
			Name: "repocell", Email: "repocell@localhost", When: now,
		},
		Committer: gitobj.Signature{
			Name: "repocell", Email: "repocell@localhost", When: now,
		},
		Message: "initial commit\n",
	}
	commitSha, err := r.Objects.PutCommit(ctx, commit)
	if err != nil {
		return err
	}
	if _, err := r.Branches.CreateBranch(ctx, "main", commitSha.String(), false); err != nil {
		// CreateBranch's resolveStartPoint requires a sha, ref, or HEAD;
		// a bare hex sha of a stored object always resolves via
		// HasObject, so this can only fail on a genuine storage error.
		return err
	}
	return r.Refs.UpdateHead(ctx, "refs/heads/main", true)
}

// IsInitialized reports whether Initialize has completed.
func (r *Runtime) IsInitialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// ForkOptions parameterize Fork.
type ForkOptions struct {
	To     string
	Branch string
}

// Fork requests the shard-lifecycle controller (external, §1) to create a
// new cell with {parent: self.namespace}. CellRuntime itself never
// provisions another shard; it only validates preconditions and delegates.
func (r *Runtime) Fork(ctx context.Context, opts ForkOptions) error {
	if !r.IsInitialized() {
		return cellerr.NewInvalid("cell not initialized")
	}
	if !validNamespace(opts.To) {
		return cellerr.NewInvalid("INVALID_NAMESPACE: %q", opts.To)
	}
	if r.Dispatcher == nil {
		return cellerr.NewInternal("no fork dispatcher configured")
	}
	return r.Dispatcher.Dispatch(ctx, r.Namespace(), opts.To, opts.Branch)
}
