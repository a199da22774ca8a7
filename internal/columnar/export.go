// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package columnar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/apache/arrow/go/v15/arrow/memory"

	"github.com/repocell/cell/internal/bulkstore"
	"github.com/repocell/cell/internal/cellerr"
)

// RefExportRow is one row of a "refs" table export (spec §6 /export):
// (name, target_sha, repository).
type RefExportRow struct {
	Name       string
	TargetSha  string
	Repository string
}

// CommitExportRow is one row of a "commits" table export: the commit's
// fields plus parent_shas as a list-typed column.
type CommitExportRow struct {
	Sha         string
	TreeSha     string
	ParentShas  []string
	AuthorName  string
	AuthorEmail string
	AuthorWhen  int64
	Message     string
}

// EncodeRefSegment builds one Arrow IPC file over refSchema and
// compresses it with codec.
func EncodeRefSegment(rows []RefExportRow, codec Codec) ([]byte, error) {
	pool := memory.NewGoAllocator()
	b := array.NewRecordBuilder(pool, refSchema)
	defer b.Release()

	nameB := b.Field(0).(*array.StringBuilder)
	targetB := b.Field(1).(*array.StringBuilder)
	repoB := b.Field(2).(*array.StringBuilder)
	for _, r := range rows {
		nameB.Append(r.Name)
		targetB.Append(r.TargetSha)
		repoB.Append(r.Repository)
	}

	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w, err := ipc.NewFileWriter(&buf, ipc.WithSchema(refSchema), ipc.WithAllocator(pool))
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "open refs segment writer")
	}
	if err := w.Write(rec); err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "write refs segment record")
	}
	if err := w.Close(); err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "close refs segment writer")
	}
	return compressWith(codec, buf.Bytes())
}

// EncodeCommitSegment builds one Arrow IPC file over commitSchema and
// compresses it with codec.
func EncodeCommitSegment(rows []CommitExportRow, codec Codec) ([]byte, error) {
	pool := memory.NewGoAllocator()
	b := array.NewRecordBuilder(pool, commitSchema)
	defer b.Release()

	shaB := b.Field(0).(*array.StringBuilder)
	treeB := b.Field(1).(*array.StringBuilder)
	parentsB := b.Field(2).(*array.ListBuilder)
	parentsValB := parentsB.ValueBuilder().(*array.StringBuilder)
	authorNameB := b.Field(3).(*array.StringBuilder)
	authorEmailB := b.Field(4).(*array.StringBuilder)
	authorWhenB := b.Field(5).(*array.Int64Builder)
	messageB := b.Field(6).(*array.StringBuilder)

	for _, r := range rows {
		shaB.Append(r.Sha)
		treeB.Append(r.TreeSha)
		parentsB.Append(true)
		for _, p := range r.ParentShas {
			parentsValB.Append(p)
		}
		authorNameB.Append(r.AuthorName)
		authorEmailB.Append(r.AuthorEmail)
		authorWhenB.Append(r.AuthorWhen)
		messageB.Append(r.Message)
	}

	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w, err := ipc.NewFileWriter(&buf, ipc.WithSchema(commitSchema), ipc.WithAllocator(pool))
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "open commits segment writer")
	}
	if err := w.Write(rec); err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "write commits segment record")
	}
	if err := w.Close(); err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "close commits segment writer")
	}
	return compressWith(codec, buf.Bytes())
}

// manifest is the sidecar iceberg-style metadata document written alongside
// a table export's segment when format=="iceberg": just enough for an
// analytics reader to locate and validate the segment without parsing
// Arrow IPC first.
type manifest struct {
	Table     string `json:"table"`
	Codec     string `json:"codec"`
	RowCount  int    `json:"row_count"`
	DataKey   string `json:"data_key"`
	CreatedAt int64  `json:"created_at"`
}

// WriteTableExport persists one table's encoded segment bytes to bulk
// storage at dataKey, and, for format=="iceberg", a zstd-compressed JSON
// manifest at dataKey+".manifest.zst" describing it.
func WriteTableExport(ctx context.Context, bulk bulkstore.Store, dataKey, format, table string, codec Codec, rowCount int, ts int64, data []byte) error {
	if err := bulk.Put(ctx, dataKey, bytes.NewReader(data), int64(len(data)), map[string]string{
		"table": table,
		"codec": string(codec),
	}); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "write export segment %s", dataKey)
	}
	if format != "iceberg" {
		return nil
	}
	m := manifest{Table: table, Codec: string(codec), RowCount: rowCount, DataKey: dataKey, CreatedAt: ts}
	raw, err := json.Marshal(m)
	if err != nil {
		return cellerr.Wrap(cellerr.KindInternal, err, "marshal export manifest")
	}
	compressed, err := zstdEncode(raw)
	if err != nil {
		return err
	}
	manifestKey := fmt.Sprintf("%s.manifest.zst", dataKey)
	if err := bulk.Put(ctx, manifestKey, bytes.NewReader(compressed), int64(len(compressed)), map[string]string{
		"table": table,
	}); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "write export manifest %s", manifestKey)
	}
	return nil
}
