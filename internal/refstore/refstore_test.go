// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refstore

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

type fakeAncestry struct {
	ancestors map[gitobj.Hash]map[gitobj.Hash]bool
}

func (f *fakeAncestry) IsAncestor(_ context.Context, ancestor, descendant gitobj.Hash) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	m, ok := f.ancestors[ancestor]
	if !ok {
		return false, nil
	}
	return m[descendant], nil
}

func newTestStore(t *testing.T) (*Store, *fakeAncestry) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	anc := &fakeAncestry{ancestors: map[gitobj.Hash]map[gitobj.Hash]bool{}}
	s, err := Open(db, anc)
	require.NoError(t, err)
	return s, anc
}

var shaA = gitobj.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
var shaB = gitobj.NewHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
var shaC = gitobj.NewHash("cccccccccccccccccccccccccccccccccccccccc")

func TestUpdateRefCreateAndCAS(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	err := s.UpdateRef(ctx, "refs/heads/main", shaA, UpdateOptions{Create: true})
	require.NoError(t, err)

	_, sha, err := s.ResolveRef(ctx, "refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, shaA, sha)

	// Correct expected-old CAS succeeds.
	err = s.UpdateRef(ctx, "refs/heads/main", shaB, UpdateOptions{HasExpected: true, ExpectedOldSha: shaA})
	require.NoError(t, err)

	// Stale expected-old CAS fails with CONFLICT.
	err = s.UpdateRef(ctx, "refs/heads/main", shaC, UpdateOptions{HasExpected: true, ExpectedOldSha: shaA})
	require.True(t, cellerr.IsConflict(err))
}

func TestUpdateRefCreateExistingWithoutForceConflicts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.UpdateRef(ctx, "refs/heads/main", shaA, UpdateOptions{Create: true}))

	err := s.UpdateRef(ctx, "refs/heads/main", shaB, UpdateOptions{Create: true})
	require.True(t, cellerr.IsConflict(err))
}

func TestUpdateRefMissingWithoutCreateNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	err := s.UpdateRef(ctx, "refs/heads/ghost", shaA, UpdateOptions{})
	require.True(t, cellerr.IsNotFound(err))
}

func TestReflogAppendsOnEverySuccess(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.UpdateRef(ctx, "refs/heads/main", shaA, UpdateOptions{Create: true, Who: "alice"}))
	require.NoError(t, s.UpdateRef(ctx, "refs/heads/main", shaB, UpdateOptions{HasExpected: true, ExpectedOldSha: shaA, Who: "bob"}))

	entries, err := s.Reflog(ctx, "refs/heads/main", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, gitobj.ZeroHash.String(), entries[0].OldSha)
	require.Equal(t, shaA.String(), entries[0].NewSha)
	require.Equal(t, shaA.String(), entries[1].OldSha)
	require.Equal(t, shaB.String(), entries[1].NewSha)
	require.Equal(t, entries[0].NewSha, entries[1].OldSha)
}

func TestPreventDeletionProtection(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.UpdateRef(ctx, "refs/heads/main", shaA, UpdateOptions{Create: true}))
	require.NoError(t, s.UpsertProtectionRule(ctx, ProtectionRule{Pattern: "refs/heads/main", PreventDeletion: true, Enabled: true}))

	err := s.DeleteRef(ctx, "refs/heads/main", "eve", "cleanup")
	require.True(t, cellerr.IsProtected(err))
}

func TestPreventForcePushProtection(t *testing.T) {
	ctx := context.Background()
	s, anc := newTestStore(t)
	require.NoError(t, s.UpdateRef(ctx, "refs/heads/main", shaA, UpdateOptions{Create: true}))
	require.NoError(t, s.UpsertProtectionRule(ctx, ProtectionRule{Pattern: "refs/heads/main", PreventForcePush: true, Enabled: true}))

	// shaB is not a descendant of shaA: rejected as a force-push.
	err := s.UpdateRef(ctx, "refs/heads/main", shaB, UpdateOptions{HasExpected: true, ExpectedOldSha: shaA})
	require.True(t, cellerr.IsProtected(err))

	// Mark shaB as a fast-forward descendant of shaA: now allowed.
	anc.ancestors[shaA] = map[gitobj.Hash]bool{shaB: true}
	err = s.UpdateRef(ctx, "refs/heads/main", shaB, UpdateOptions{HasExpected: true, ExpectedOldSha: shaA})
	require.NoError(t, err)
}

func TestRequiredReviewsProtection(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.UpdateRef(ctx, "refs/heads/release", shaA, UpdateOptions{Create: true}))
	require.NoError(t, s.UpsertProtectionRule(ctx, ProtectionRule{Pattern: "refs/heads/release", RequiredReviews: 1, Enabled: true}))

	err := s.UpdateRef(ctx, "refs/heads/release", shaB, UpdateOptions{HasExpected: true, ExpectedOldSha: shaA})
	require.True(t, cellerr.IsProtected(err))

	err = s.UpdateRef(ctx, "refs/heads/release", shaB, UpdateOptions{HasExpected: true, ExpectedOldSha: shaA, ApprovalOK: true})
	require.NoError(t, err)
}

func TestResolveRefSymbolicHeadChase(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.UpdateRef(ctx, "refs/heads/main", shaA, UpdateOptions{Create: true}))
	require.NoError(t, s.UpdateHead(ctx, "refs/heads/main", true))

	name, sha, err := s.ResolveRef(ctx, "HEAD")
	require.NoError(t, err)
	require.Equal(t, "refs/heads/main", name)
	require.Equal(t, shaA, sha)
}

func TestResolveRefDetectsCycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.UpdateHead(ctx, "refs/heads/a", true))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refs(name, target, type, updated_at) VALUES ('refs/heads/a', 'HEAD', ?, 0)`, RefSymbolic)
	require.NoError(t, err)

	_, _, err = s.ResolveRef(ctx, "HEAD")
	require.True(t, cellerr.IsInvalid(err))
}

func TestListRefsPrefixAndOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.UpdateRef(ctx, "refs/heads/a", shaA, UpdateOptions{Create: true}))
	require.NoError(t, s.UpdateRef(ctx, "refs/heads/b", shaB, UpdateOptions{Create: true}))
	require.NoError(t, s.UpdateRef(ctx, "refs/tags/v1", shaC, UpdateOptions{Create: true}))

	refs, err := s.ListRefs(ctx, "refs/heads/")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, "refs/heads/a", refs[0].Name)
	require.Equal(t, "refs/heads/b", refs[1].Name)
}

func TestDeleteRefRemovesAndLogs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.UpdateRef(ctx, "refs/heads/tmp", shaA, UpdateOptions{Create: true}))
	require.NoError(t, s.DeleteRef(ctx, "refs/heads/tmp", "carol", "stale branch"))

	ref, err := s.GetRef(ctx, "refs/heads/tmp")
	require.NoError(t, err)
	require.Nil(t, ref)

	entries, err := s.Reflog(ctx, "refs/heads/tmp", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, gitobj.ZeroHash.String(), entries[1].NewSha)
}
