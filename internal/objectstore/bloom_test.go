// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repocell/cell/internal/bulkstore"
	"github.com/repocell/cell/internal/gitobj"
)

func TestHasObjectBloomRejectsAbsentSha(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	absent := gitobj.NewHash("9999999999999999999999999999999999999999")
	require.False(t, store.bloom.mightHave(absent))

	ok, err := store.HasObject(ctx, absent)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasObjectBloomTracksPutObject(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sha, err := store.PutObject(ctx, gitobj.BlobObject, []byte("hello\n"))
	require.NoError(t, err)
	require.True(t, store.bloom.mightHave(sha))

	store.InvalidateCaches()
	ok, err := store.HasObject(ctx, sha)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBloomNotSharedAcrossFreshMemoryDatabases(t *testing.T) {
	ctx := context.Background()
	bulk := bulkstore.NewMem()
	store, err := Open(ctx, ":memory:", bulk, Config{Prefix: "t"})
	require.NoError(t, err)

	sha, err := store.PutObject(ctx, gitobj.BlobObject, []byte("persisted\n"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// A fresh Store against a fresh (empty) database never observes the
	// prior process's bloom row -- this test documents that the pre-filter
	// only survives reopen against the *same* sqlite file, not :memory:.
	store2, err := Open(ctx, ":memory:", bulk, Config{Prefix: "t"})
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	require.False(t, store2.bloom.mightHave(sha))
}
