// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package branch is a thin typed façade over refstore with branch-domain
// vocabulary: tracking metadata, ahead/behind, merge checks, and the
// create/rename/delete policies that apply only to refs/heads.
package branch

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
	"github.com/repocell/cell/internal/refstore"
)

const headsPrefix = "refs/heads/"
const remotesPrefix = "refs/remotes/"

// maxWalk bounds the ahead/behind and merge-check commit walks.
const maxWalk = 1000

// CommitLookup is the narrow capability BranchManager needs from
// ObjectStore: existence checks and parent walking.
type CommitLookup interface {
	HasObject(ctx context.Context, sha gitobj.Hash) (bool, error)
	GetCommit(ctx context.Context, sha gitobj.Hash) (*gitobj.Commit, error)
}

// Tracking is the upstream-tracking metadata kept alongside a branch ref.
type Tracking struct {
	Remote       string
	RemoteBranch string
	Ahead        int
	Behind       int
	Gone         bool
}

// Branch is the derived view over a ref that callers see.
type Branch struct {
	Name      string
	FullRef   string
	Sha       gitobj.Hash
	IsCurrent bool
	IsRemote  bool
	Tracking  *Tracking
}

// Manager is a thin typed façade over RefStore with branch-domain
// vocabulary. It owns its own tracking-metadata table on the shared
// sqlite handle; RefStore itself knows nothing about tracking.
type Manager struct {
	refs *refstore.Store
	obj  CommitLookup
	db   *sql.DB

	mu sync.Mutex
}

// Open wires a branch Manager over an already-open RefStore and the shared
// cell database (used only for the tracking-metadata table).
func Open(db *sql.DB, refs *refstore.Store, obj CommitLookup) (*Manager, error) {
	m := &Manager{refs: refs, obj: obj, db: db}
	if err := m.migrate(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) migrate(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS branch_tracking (
		ref_name TEXT PRIMARY KEY, remote TEXT NOT NULL, remote_branch TEXT NOT NULL, gone INTEGER DEFAULT 0)`)
	if err != nil {
		return cellerr.Wrap(cellerr.KindInternal, err, "migrate branch_tracking schema")
	}
	return nil
}

// ValidateName enforces Git's ref-format rules for a short branch name.
func ValidateName(name string) error {
	if name == "" {
		return cellerr.NewInvalid("branch name must not be empty")
	}
	if name == "HEAD" {
		return cellerr.NewInvalid("branch name must not be HEAD")
	}
	if strings.HasPrefix(name, "-") {
		return cellerr.NewInvalid("branch name must not start with '-'")
	}
	if strings.Contains(name, "..") {
		return cellerr.NewInvalid("branch name must not contain '..'")
	}
	if strings.HasSuffix(name, ".lock") {
		return cellerr.NewInvalid("branch name must not end with '.lock'")
	}
	if strings.ContainsAny(name, " \t\n") {
		return cellerr.NewInvalid("branch name must not contain whitespace")
	}
	if strings.ContainsAny(name, "~^:?*[]\\") {
		return cellerr.NewInvalid("branch name must not contain any of '~^:?*[]\\'")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return cellerr.NewInvalid("branch name must not contain control characters")
		}
	}
	return nil
}

func fullRef(name string) string { return headsPrefix + name }

// currentRef resolves HEAD's symbolic target, returning "" if HEAD is
// detached or unset.
func (m *Manager) currentRef(ctx context.Context) (string, error) {
	head, err := m.refs.GetRef(ctx, "HEAD")
	if err != nil || head == nil {
		return "", err
	}
	if head.Type == refstore.RefSymbolic {
		return head.Target, nil
	}
	return "", nil
}

func (m *Manager) toBranch(ctx context.Context, r refstore.Ref, current string) (Branch, error) {
	name := strings.TrimPrefix(strings.TrimPrefix(r.Name, headsPrefix), remotesPrefix)
	b := Branch{
		Name:      name,
		FullRef:   r.Name,
		IsCurrent: r.Name == current,
		IsRemote:  strings.HasPrefix(r.Name, remotesPrefix),
	}
	if r.Type == refstore.RefSha {
		b.Sha = gitobj.NewHash(r.Target)
	}
	t, err := m.getTracking(ctx, r.Name)
	if err != nil {
		return b, err
	}
	b.Tracking = t
	return b, nil
}

// ListBranches returns every local branch (refs/heads/*), optionally
// including remote-tracking branches (refs/remotes/*).
func (m *Manager) ListBranches(ctx context.Context, includeRemote bool) ([]Branch, error) {
	current, err := m.currentRef(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := m.refs.ListRefs(ctx, headsPrefix)
	if err != nil {
		return nil, err
	}
	if includeRemote {
		remotes, err := m.refs.ListRefs(ctx, remotesPrefix)
		if err != nil {
			return nil, err
		}
		refs = append(refs, remotes...)
	}
	out := make([]Branch, 0, len(refs))
	for _, r := range refs {
		b, err := m.toBranch(ctx, r, current)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// resolveStartPoint accepts a sha, a ref name, or "HEAD" as a branch
// creation start point.
func (m *Manager) resolveStartPoint(ctx context.Context, startPoint string) (gitobj.Hash, error) {
	if h, err := gitobj.NewHashEx(startPoint); err == nil {
		ok, err := m.obj.HasObject(ctx, h)
		if err != nil {
			return gitobj.ZeroHash, err
		}
		if !ok {
			return gitobj.ZeroHash, cellerr.NewInvalid("INVALID_START_POINT: %s does not exist", startPoint)
		}
		return h, nil
	}
	name := startPoint
	if name == "HEAD" {
		_, sha, err := m.refs.ResolveRef(ctx, "HEAD")
		if err != nil {
			return gitobj.ZeroHash, cellerr.NewInvalid("INVALID_START_POINT: %v", err)
		}
		return sha, nil
	}
	candidates := []string{name, fullRef(name), remotesPrefix + name}
	for _, c := range candidates {
		if _, sha, err := m.refs.ResolveRef(ctx, c); err == nil {
			return sha, nil
		}
	}
	return gitobj.ZeroHash, cellerr.NewInvalid("INVALID_START_POINT: %s", startPoint)
}

// CreateBranch creates refs/heads/<name> at startPoint (a sha, ref, or
// "HEAD"), failing with INVALID if the name or start point is bad, or
// CONFLICT if the branch already exists and force is false.
func (m *Manager) CreateBranch(ctx context.Context, name, startPoint string, force bool) (Branch, error) {
	if err := ValidateName(name); err != nil {
		return Branch{}, err
	}
	sha, err := m.resolveStartPoint(ctx, startPoint)
	if err != nil {
		return Branch{}, err
	}
	ref := fullRef(name)
	if err := m.refs.UpdateRef(ctx, ref, sha, refstore.UpdateOptions{
		Create: true, Force: force, Who: "branch-manager", Reason: "branch: created from " + startPoint,
	}); err != nil {
		return Branch{}, err
	}
	current, err := m.currentRef(ctx)
	if err != nil {
		return Branch{}, err
	}
	return m.toBranch(ctx, refstore.Ref{Name: ref, Target: sha.String(), Type: refstore.RefSha}, current)
}

// RenameBranch renames a branch, moving HEAD along if it pointed at the
// renamed branch, and carrying over tracking metadata.
func (m *Manager) RenameBranch(ctx context.Context, from, to string, force bool) error {
	if err := ValidateName(to); err != nil {
		return err
	}
	fromRef := fullRef(from)
	toRef := fullRef(to)

	r, err := m.refs.GetRef(ctx, fromRef)
	if err != nil {
		return err
	}
	if r == nil {
		return cellerr.NewNotFound("branch %s does not exist", from)
	}
	if existing, err := m.refs.GetRef(ctx, toRef); err != nil {
		return err
	} else if existing != nil && !force {
		return cellerr.NewConflict("branch %s already exists", to)
	}

	current, err := m.currentRef(ctx)
	if err != nil {
		return err
	}
	wasCurrent := current == fromRef

	sha := gitobj.NewHash(r.Target)
	if err := m.refs.UpdateRef(ctx, toRef, sha, refstore.UpdateOptions{
		Create: true, Force: force, Who: "branch-manager", Reason: "branch: renamed from " + from,
	}); err != nil {
		return err
	}
	if err := m.refs.DeleteRef(ctx, fromRef, "branch-manager", "branch: renamed to "+to); err != nil {
		return err
	}
	if wasCurrent {
		if err := m.refs.UpdateHead(ctx, toRef, true); err != nil {
			return err
		}
	}
	if t, err := m.getTracking(ctx, fromRef); err == nil && t != nil {
		if err := m.setTracking(ctx, toRef, *t); err != nil {
			return err
		}
		m.clearTracking(ctx, fromRef) //nolint:errcheck
	}
	return nil
}

// DeletePolicy controls DeleteBranch's safety gates.
type DeletePolicy struct {
	Force bool
}

// DeleteBranch refuses to remove the current branch, and refuses to remove
// an unmerged branch unless Force is set.
func (m *Manager) DeleteBranch(ctx context.Context, name string, policy DeletePolicy) error {
	ref := fullRef(name)
	current, err := m.currentRef(ctx)
	if err != nil {
		return err
	}
	if current == ref {
		return cellerr.NewInvalid("CANNOT_DELETE_CURRENT: %s is the current branch", name)
	}
	if !policy.Force {
		head, err := m.refs.GetRef(ctx, "HEAD")
		if err == nil && head != nil {
			into := current
			if into == "" {
				into = "HEAD"
			}
			merged, err := m.IsMerged(ctx, name, strings.TrimPrefix(into, headsPrefix))
			if err != nil {
				return err
			}
			if !merged {
				return cellerr.NewInvalid("branch %s is not fully merged; use force to delete", name)
			}
		}
	}
	if err := m.refs.DeleteRef(ctx, ref, "branch-manager", "branch: deleted"); err != nil {
		return err
	}
	m.clearTracking(ctx, ref) //nolint:errcheck
	return nil
}

// IsMerged reports whether branch's tip is reachable from into's tip by
// walking commit parents, bounded to maxWalk commits.
func (m *Manager) IsMerged(ctx context.Context, branchName, intoName string) (bool, error) {
	_, tip, err := m.refs.ResolveRef(ctx, fullRef(branchName))
	if err != nil {
		return false, err
	}
	var intoTip gitobj.Hash
	if intoName == "" || intoName == "HEAD" {
		_, intoTip, err = m.refs.ResolveRef(ctx, "HEAD")
	} else {
		_, intoTip, err = m.refs.ResolveRef(ctx, fullRef(intoName))
	}
	if err != nil {
		return false, err
	}
	if tip == intoTip {
		return true, nil
	}
	visited := map[gitobj.Hash]bool{intoTip: true}
	queue := []gitobj.Hash{intoTip}
	for steps := 0; len(queue) > 0 && steps < maxWalk; steps++ {
		cur := queue[0]
		queue = queue[1:]
		c, err := m.obj.GetCommit(ctx, cur)
		if err != nil {
			return false, err
		}
		if c == nil {
			continue
		}
		for _, p := range c.Parents {
			if p == tip {
				return true, nil
			}
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}

// SetTracking records upstream-tracking metadata for a local branch.
func (m *Manager) SetTracking(ctx context.Context, branchName, remote, remoteBranch string) error {
	return m.setTracking(ctx, fullRef(branchName), Tracking{Remote: remote, RemoteBranch: remoteBranch})
}

func (m *Manager) setTracking(ctx context.Context, ref string, t Tracking) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO branch_tracking(ref_name, remote, remote_branch, gone) VALUES (?,?,?,?)
		 ON CONFLICT(ref_name) DO UPDATE SET remote=excluded.remote, remote_branch=excluded.remote_branch, gone=excluded.gone`,
		ref, t.Remote, t.RemoteBranch, boolInt(t.Gone))
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "set tracking for %s", ref)
	}
	return nil
}

func (m *Manager) clearTracking(ctx context.Context, ref string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM branch_tracking WHERE ref_name = ?`, ref)
	return err
}

func (m *Manager) getTracking(ctx context.Context, ref string) (*Tracking, error) {
	var t Tracking
	var gone int
	err := m.db.QueryRowContext(ctx, `SELECT remote, remote_branch, gone FROM branch_tracking WHERE ref_name = ?`, ref).
		Scan(&t.Remote, &t.RemoteBranch, &gone)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "read tracking for %s", ref)
	}
	t.Gone = gone != 0
	if err := m.refreshAheadBehind(ctx, ref, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// refreshAheadBehind lazily computes ahead/behind counts by walking commit
// parents from the branch tip and its upstream tip, bounded to maxWalk.
func (m *Manager) refreshAheadBehind(ctx context.Context, ref string, t *Tracking) error {
	_, localTip, err := m.refs.ResolveRef(ctx, ref)
	if err != nil {
		return nil // branch has no commits yet; leave counts at zero
	}
	upstreamRef := remotesPrefix + t.Remote + "/" + t.RemoteBranch
	_, upstreamTip, err := m.refs.ResolveRef(ctx, upstreamRef)
	if err != nil {
		t.Gone = true
		return nil
	}

	localAncestors, err := m.walkParents(ctx, localTip, maxWalk)
	if err != nil {
		return err
	}
	upstreamAncestors, err := m.walkParents(ctx, upstreamTip, maxWalk)
	if err != nil {
		return err
	}
	t.Ahead = countMissing(localAncestors, upstreamAncestors)
	t.Behind = countMissing(upstreamAncestors, localAncestors)
	return nil
}

func (m *Manager) walkParents(ctx context.Context, tip gitobj.Hash, limit int) (map[gitobj.Hash]bool, error) {
	visited := map[gitobj.Hash]bool{tip: true}
	queue := []gitobj.Hash{tip}
	for steps := 0; len(queue) > 0 && steps < limit; steps++ {
		cur := queue[0]
		queue = queue[1:]
		c, err := m.obj.GetCommit(ctx, cur)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		for _, p := range c.Parents {
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return visited, nil
}

func countMissing(set, from map[gitobj.Hash]bool) int {
	n := 0
	for h := range set {
		if !from[h] {
			n++
		}
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
