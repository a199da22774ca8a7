// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repocell/cell/internal/bulkstore"
	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	bulk := bulkstore.NewMem()
	store, err := Open(context.Background(), ":memory:", bulk, Config{HotObjectMax: 64, Prefix: "t"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGetObjectIdentity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sha, err := store.PutObject(ctx, gitobj.BlobObject, []byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", sha.String())

	payload, err := store.GetObject(ctx, sha)
	require.NoError(t, err)
	require.Equal(t, []byte("hello\n"), payload)

	ok, err := store.VerifyObject(ctx, sha)
	require.NoError(t, err)
	require.True(t, ok)

	again, err := store.PutObject(ctx, gitobj.BlobObject, []byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, sha, again)
}

func TestPutObjectsBatchAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	shas, err := store.PutObjects(ctx, []ObjectInput{
		{Type: gitobj.BlobObject, Payload: []byte("a")},
		{Type: gitobj.BlobObject, Payload: []byte("b")},
	})
	require.NoError(t, err)
	require.Len(t, shas, 2)

	for _, sha := range shas {
		ok, err := store.HasObject(ctx, sha)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestDemoteToWarmPreservesReadability(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sha, err := store.PutObject(ctx, gitobj.BlobObject, []byte("small"))
	require.NoError(t, err)

	require.NoError(t, store.DemoteToWarm(ctx, sha))

	payload, err := store.GetObject(ctx, sha)
	require.NoError(t, err)
	require.Equal(t, []byte("small"), payload)
}

func TestGetObjectMissingReturnsNilNotError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	payload, err := store.GetObject(ctx, gitobj.NewHash("0000000000000000000000000000000000000000"))
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestDeleteObject(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sha, err := store.PutObject(ctx, gitobj.BlobObject, []byte("gone"))
	require.NoError(t, err)

	existed, err := store.DeleteObject(ctx, sha)
	require.NoError(t, err)
	require.True(t, existed)

	ok, err := store.HasObject(ctx, sha)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadPackObjectErrorsOnMissingPack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.readPackObject(ctx, "missing-pack", 0)
	require.Error(t, err)
	require.True(t, cellerr.IsIO(err) || cellerr.IsNotFound(err))
}
