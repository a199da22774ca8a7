// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package wireprotocol

import (
	"bytes"
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/repocell/cell/internal/bulkstore"
	"github.com/repocell/cell/internal/gitobj"
	"github.com/repocell/cell/internal/objectstore"
	"github.com/repocell/cell/internal/refstore"
	"github.com/repocell/cell/modules/plumbing/format/pktline"
)

func newTestServer(t *testing.T) (*Server, *refstore.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	objs, err := objectstore.OpenWithDB(context.Background(), db, bulkstore.NewMem(), objectstore.Config{Prefix: "t"})
	require.NoError(t, err)
	refs, err := refstore.Open(db, objs)
	require.NoError(t, err)

	return &Server{Refs: refs, Objects: objs, Log: logrus.NewEntry(logrus.New())}, refs
}

// encodeReceivePackRequest builds the pkt-line body ReceivePack expects: one
// ref-update command line, a flush ending the command list, and an empty
// pack section (just another flush, since these tests never add objects).
func encodeReceivePackRequest(t *testing.T, line string) *pktline.Scanner {
	t.Helper()
	var buf bytes.Buffer
	enc := pktline.NewEncoder(&buf)
	require.NoError(t, enc.EncodeString(line))
	require.NoError(t, enc.Flush())
	require.NoError(t, enc.Flush())
	return pktline.NewScanner(&buf)
}

func TestReceivePackCreatesRef(t *testing.T) {
	ctx := context.Background()
	srv, refs := newTestServer(t)

	newSha := gitobj.NewHash("1111111111111111111111111111111111111111")
	line := gitobj.ZeroHash.String() + " " + newSha.String() + " refs/heads/main\x00report-status\n"
	r := encodeReceivePackRequest(t, line)

	var out bytes.Buffer
	w := pktline.NewEncoder(&out)
	require.NoError(t, srv.ReceivePack(ctx, r, w, ""))
	require.Contains(t, out.String(), "ok refs/heads/main")

	ref, err := refs.GetRef(ctx, "refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, newSha.String(), ref.Target)
}

func TestReceivePackDeletesRefOnZeroNewSha(t *testing.T) {
	ctx := context.Background()
	srv, refs := newTestServer(t)

	oldSha := gitobj.NewHash("2222222222222222222222222222222222222222")
	require.NoError(t, refs.UpdateRef(ctx, "refs/heads/topic", oldSha, refstore.UpdateOptions{Create: true}))

	line := oldSha.String() + " " + gitobj.ZeroHash.String() + " refs/heads/topic\x00report-status\n"
	r := encodeReceivePackRequest(t, line)

	var out bytes.Buffer
	w := pktline.NewEncoder(&out)
	require.NoError(t, srv.ReceivePack(ctx, r, w, ""))
	require.Contains(t, out.String(), "ok refs/heads/topic")

	ref, err := refs.GetRef(ctx, "refs/heads/topic")
	require.NoError(t, err)
	require.Nil(t, ref)
}
