// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package branch

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/repocell/cell/internal/gitobj"
	"github.com/repocell/cell/internal/refstore"
)

type fakeAncestry struct{}

func (fakeAncestry) IsAncestor(context.Context, gitobj.Hash, gitobj.Hash) (bool, error) {
	return false, nil
}

type fakeCommits struct {
	objects map[gitobj.Hash]bool
	parents map[gitobj.Hash][]gitobj.Hash
}

func (f *fakeCommits) HasObject(_ context.Context, sha gitobj.Hash) (bool, error) {
	return f.objects[sha], nil
}

func (f *fakeCommits) GetCommit(_ context.Context, sha gitobj.Hash) (*gitobj.Commit, error) {
	if !f.objects[sha] {
		return nil, nil
	}
	return &gitobj.Commit{Parents: f.parents[sha]}, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeCommits, gitobj.Hash) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	refs, err := refstore.Open(db, fakeAncestry{})
	require.NoError(t, err)

	root := gitobj.NewHash("1111111111111111111111111111111111111111")
	commits := &fakeCommits{objects: map[gitobj.Hash]bool{root: true}, parents: map[gitobj.Hash][]gitobj.Hash{}}

	require.NoError(t, refs.UpdateRef(context.Background(), "refs/heads/main", root, refstore.UpdateOptions{Create: true, Who: "t", Reason: "init"}))
	require.NoError(t, refs.UpdateHead(context.Background(), "refs/heads/main", true))

	m, err := Open(db, refs, commits)
	require.NoError(t, err)
	return m, commits, root
}

func TestCreateBranchFromHead(t *testing.T) {
	ctx := context.Background()
	m, _, root := newTestManager(t)

	b, err := m.CreateBranch(ctx, "feature", "HEAD", false)
	require.NoError(t, err)
	require.Equal(t, "feature", b.Name)
	require.Equal(t, root, b.Sha)
}

func TestCreateBranchRejectsBadName(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	_, err := m.CreateBranch(ctx, "..bad", "HEAD", false)
	require.Error(t, err)
}

func TestCreateBranchInvalidStartPoint(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	_, err := m.CreateBranch(ctx, "feature", "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", false)
	require.Error(t, err)
}

func TestDeleteBranchRefusesCurrent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	err := m.DeleteBranch(ctx, "main", DeletePolicy{})
	require.Error(t, err)
}

func TestDeleteBranchRefusesUnmergedWithoutForce(t *testing.T) {
	ctx := context.Background()
	m, commits, root := newTestManager(t)

	other := gitobj.NewHash("2222222222222222222222222222222222222222")
	commits.objects[other] = true
	commits.parents[other] = []gitobj.Hash{root}

	_, err := m.CreateBranch(ctx, "feature", other.String(), false)
	require.NoError(t, err)

	err = m.DeleteBranch(ctx, "feature", DeletePolicy{})
	require.Error(t, err)

	require.NoError(t, m.DeleteBranch(ctx, "feature", DeletePolicy{Force: true}))
}

func TestRenameBranchMovesHead(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	require.NoError(t, m.RenameBranch(ctx, "main", "trunk", false))

	branches, err := m.ListBranches(ctx, false)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	require.Equal(t, "trunk", branches[0].Name)
	require.True(t, branches[0].IsCurrent)
}

func TestIsMergedDirectAncestor(t *testing.T) {
	ctx := context.Background()
	m, commits, root := newTestManager(t)

	child := gitobj.NewHash("3333333333333333333333333333333333333333")
	commits.objects[child] = true
	commits.parents[child] = []gitobj.Hash{root}

	require.NoError(t, m.refs.UpdateRef(ctx, "refs/heads/main", child, refstore.UpdateOptions{
		HasExpected: true, ExpectedOldSha: root, Who: "t", Reason: "advance",
	}))

	_, err := m.CreateBranch(ctx, "feature", root.String(), false)
	require.NoError(t, err)

	merged, err := m.IsMerged(ctx, "feature", "main")
	require.NoError(t, err)
	require.True(t, merged)
}

func TestSetTrackingPersists(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	require.NoError(t, m.SetTracking(ctx, "main", "origin", "main"))

	branches, err := m.ListBranches(ctx, false)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	require.NotNil(t, branches[0].Tracking)
	require.Equal(t, "origin", branches[0].Tracking.Remote)
}
