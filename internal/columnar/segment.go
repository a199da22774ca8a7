// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package columnar

import (
	"bytes"
	"io"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

// Codec names the compression applied to an encoded segment's bytes, as
// requested on the /export route (spec §6: "codec?: SNAPPY|LZ4|LZ4_RAW|UNCOMPRESSED").
type Codec string

const (
	CodecSnappy       Codec = "SNAPPY"
	CodecLZ4          Codec = "LZ4"
	CodecLZ4Raw       Codec = "LZ4_RAW"
	CodecUncompressed Codec = "UNCOMPRESSED"
)

func (c Codec) extension() string {
	switch c {
	case CodecSnappy:
		return "snappy"
	case CodecLZ4:
		return "lz4"
	case CodecLZ4Raw:
		return "lz4r"
	default:
		return "raw"
	}
}

// objectSchema is the column set for an objects segment: (sha, type, size,
// payload, ts) per spec §6.
var objectSchema = arrow.NewSchema([]arrow.Field{
	{Name: "sha", Type: arrow.BinaryTypes.String},
	{Name: "type", Type: arrow.BinaryTypes.String},
	{Name: "size", Type: arrow.PrimitiveTypes.Int64},
	{Name: "payload", Type: arrow.BinaryTypes.Binary},
	{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// refSchema is the column set for a refs export: (name, target_sha, repository).
var refSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "target_sha", Type: arrow.BinaryTypes.String},
	{Name: "repository", Type: arrow.BinaryTypes.String},
}, nil)

// commitSchema is the column set for a commits export: commit fields plus
// parent_shas as a list-typed column.
var commitSchema = arrow.NewSchema([]arrow.Field{
	{Name: "sha", Type: arrow.BinaryTypes.String},
	{Name: "tree_sha", Type: arrow.BinaryTypes.String},
	{Name: "parent_shas", Type: arrow.ListOf(arrow.BinaryTypes.String)},
	{Name: "author_name", Type: arrow.BinaryTypes.String},
	{Name: "author_email", Type: arrow.BinaryTypes.String},
	{Name: "author_when", Type: arrow.PrimitiveTypes.Int64},
	{Name: "message", Type: arrow.BinaryTypes.String},
}, nil)

// segmentRow is one flushed object, the unit the write buffer accumulates.
type segmentRow struct {
	Sha     gitobj.Hash
	Type    gitobj.ObjectType
	Size    int64
	Payload []byte
	Ts      int64
}

// encodeObjectSegment builds one Arrow IPC file from rows and compresses
// it with codec, returning the bytes to write to bulk storage.
func encodeObjectSegment(rows []segmentRow, codec Codec) ([]byte, error) {
	pool := memory.NewGoAllocator()
	b := array.NewRecordBuilder(pool, objectSchema)
	defer b.Release()

	shaB := b.Field(0).(*array.StringBuilder)
	typeB := b.Field(1).(*array.StringBuilder)
	sizeB := b.Field(2).(*array.Int64Builder)
	payloadB := b.Field(3).(*array.BinaryBuilder)
	tsB := b.Field(4).(*array.Int64Builder)

	for _, r := range rows {
		shaB.Append(r.Sha.String())
		typeB.Append(r.Type.String())
		sizeB.Append(r.Size)
		payloadB.Append(r.Payload)
		tsB.Append(r.Ts)
	}

	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w, err := ipc.NewFileWriter(&buf, ipc.WithSchema(objectSchema), ipc.WithAllocator(pool))
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "open segment writer")
	}
	if err := w.Write(rec); err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "write segment record")
	}
	if err := w.Close(); err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "close segment writer")
	}
	return compressWith(codec, buf.Bytes())
}

// decodeObjectSegment reverses encodeObjectSegment.
func decodeObjectSegment(data []byte, codec Codec) ([]segmentRow, error) {
	raw, err := decompressWith(codec, data)
	if err != nil {
		return nil, err
	}
	pool := memory.NewGoAllocator()
	r, err := ipc.NewFileReader(bytes.NewReader(raw), ipc.WithAllocator(pool))
	if err != nil {
		return nil, cellerr.NewMalformed(0, "bad segment stream: %v", err)
	}
	defer r.Close()

	var rows []segmentRow
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, cellerr.NewMalformed(0, "truncated segment record %d: %v", i, err)
		}
		shaCol := rec.Column(0).(*array.String)
		typeCol := rec.Column(1).(*array.String)
		sizeCol := rec.Column(2).(*array.Int64)
		payloadCol := rec.Column(3).(*array.Binary)
		tsCol := rec.Column(4).(*array.Int64)
		for row := 0; row < int(rec.NumRows()); row++ {
			rows = append(rows, segmentRow{
				Sha:     gitobj.NewHash(shaCol.Value(row)),
				Type:    gitobj.ParseObjectType(typeCol.Value(row)),
				Size:    sizeCol.Value(row),
				Payload: append([]byte(nil), payloadCol.Value(row)...),
				Ts:      tsCol.Value(row),
			})
		}
	}
	return rows, nil
}

func compressWith(codec Codec, raw []byte) ([]byte, error) {
	switch codec {
	case CodecSnappy:
		return snappy.Encode(nil, raw), nil
	case CodecLZ4, CodecLZ4Raw:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, cellerr.Wrap(cellerr.KindIO, err, "lz4 compress segment")
		}
		if err := zw.Close(); err != nil {
			return nil, cellerr.Wrap(cellerr.KindIO, err, "close lz4 writer")
		}
		return buf.Bytes(), nil
	case CodecUncompressed, "":
		return raw, nil
	default:
		return nil, cellerr.NewInvalid("unknown segment codec %q", codec)
	}
}

func decompressWith(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, cellerr.NewMalformed(0, "bad snappy segment: %v", err)
		}
		return out, nil
	case CodecLZ4, CodecLZ4Raw:
		zr := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, cellerr.NewMalformed(0, "bad lz4 segment: %v", err)
		}
		return out, nil
	case CodecUncompressed, "":
		return data, nil
	default:
		return nil, cellerr.NewInvalid("unknown segment codec %q", codec)
	}
}

// zstdEncode compresses the iceberg-format export's manifest file (see
// WriteTableExport); it is kept distinct from compressWith, so zstd is
// never a segment codec.
func zstdEncode(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindInternal, err, "init zstd encoder")
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}
