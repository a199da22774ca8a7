// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repocell/cell/internal/gitobj"
)

func commitWithParents(t *testing.T, s *Store, parents ...gitobj.Hash) gitobj.Hash {
	t.Helper()
	ctx := context.Background()
	treeSha, err := s.PutObject(ctx, gitobj.BlobObject, []byte("placeholder-tree"))
	require.NoError(t, err)
	sig := gitobj.Signature{Name: "a", Email: "a@example.com", When: time.Unix(1700000000, 0).UTC()}
	sha, err := s.PutCommit(ctx, &gitobj.Commit{
		Tree:      treeSha,
		Parents:   parents,
		Author:    sig,
		Committer: sig,
		Message:   "commit",
	})
	require.NoError(t, err)
	return sha
}

func TestIsAncestorLinearHistory(t *testing.T) {
	store := newTestStore(t)
	root := commitWithParents(t, store)
	mid := commitWithParents(t, store, root)
	tip := commitWithParents(t, store, mid)

	ok, err := store.IsAncestor(context.Background(), root, tip)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.IsAncestor(context.Background(), tip, root)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIsAncestorUnrelatedHistories(t *testing.T) {
	store := newTestStore(t)
	a := commitWithParents(t, store)
	// A second root commit must differ in content from a, or both hash to
	// the same sha.
	sig := gitobj.Signature{Name: "b", Email: "b@example.com", When: time.Unix(1700000000, 0).UTC()}
	b, err := store.PutCommit(context.Background(), &gitobj.Commit{
		Tree:      a,
		Author:    sig,
		Committer: sig,
		Message:   "unrelated root",
	})
	require.NoError(t, err)

	ok, err := store.IsAncestor(context.Background(), a, b)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIsAncestorZeroOldShaAllowsCreate(t *testing.T) {
	store := newTestStore(t)
	tip := commitWithParents(t, store)

	ok, err := store.IsAncestor(context.Background(), gitobj.ZeroHash, tip)
	require.NoError(t, err)
	require.True(t, ok)
}
