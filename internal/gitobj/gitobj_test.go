// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package gitobj

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHashObjectBlob(t *testing.T) {
	h := HashObject(BlobObject, []byte("hello\n"))
	require.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", h.String())
}

func TestTreeCanonicalization(t *testing.T) {
	shaA := HashObject(BlobObject, []byte("a"))
	shaB := HashObject(BlobObject, []byte("b"))

	forward, err := EncodeTreeEntries([]TreeEntry{
		{Name: "a", Mode: ModeFile, Hash: shaA},
		{Name: "b", Mode: ModeFile, Hash: shaB},
	})
	require.NoError(t, err)

	reverse, err := EncodeTreeEntries([]TreeEntry{
		{Name: "b", Mode: ModeFile, Hash: shaB},
		{Name: "a", Mode: ModeFile, Hash: shaA},
	})
	require.NoError(t, err)

	require.Equal(t, forward, reverse)

	entries, err := DecodeTree(forward)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Name)
	require.Equal(t, "b", entries[1].Name)
}

func TestTreeRejectsDuplicatesAndBadModes(t *testing.T) {
	sha := HashObject(BlobObject, []byte("x"))
	_, err := EncodeTreeEntries([]TreeEntry{
		{Name: "a", Mode: ModeFile, Hash: sha},
		{Name: "a", Mode: ModeFile, Hash: sha},
	})
	require.Error(t, err)

	_, err = EncodeTreeEntries([]TreeEntry{{Name: "a", Mode: 0o100000, Hash: sha}})
	require.Error(t, err)

	_, err = EncodeTreeEntries([]TreeEntry{{Name: "a/b", Mode: ModeFile, Hash: sha}})
	require.Error(t, err)
}

func TestDecodeTreeTruncated(t *testing.T) {
	_, err := DecodeTree([]byte("100644 a\x00short"))
	require.Error(t, err)
}

func TestCommitRoundTrip(t *testing.T) {
	tree := HashObject(TreeObject, []byte("tree"))
	parent := HashObject(CommitObject, []byte("parent"))
	sig := Signature{Name: "A", Email: "a@x.com", When: time.Unix(1700000000, 0).UTC()}
	c := &Commit{Tree: tree, Parents: []Hash{parent}, Author: sig, Committer: sig, Message: "hello\n"}

	encoded := EncodeCommit(c)
	decoded, err := DecodeCommit(encoded)
	require.NoError(t, err)
	require.Equal(t, c.Tree, decoded.Tree)
	require.Equal(t, c.Parents, decoded.Parents)
	require.Equal(t, c.Message, decoded.Message)
	require.Equal(t, c.Author.Name, decoded.Author.Name)
	require.Equal(t, c.Author.Email, decoded.Author.Email)
}

func TestPackEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("blob content")
	entries := []PackEntry{
		{Type: PackBlob, Hash: HashObject(BlobObject, payload), Payload: payload},
	}
	packed, err := PackEncode(entries)
	require.NoError(t, err)

	decoded, err := PackDecode(packed)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, payload, decoded[0].Payload)
}

func TestPackDecodeRejectsBadMagic(t *testing.T) {
	_, err := PackDecode([]byte("XXXX0000000000000000000000000000000000000000000000"))
	require.Error(t, err)
}
