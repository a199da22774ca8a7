// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package gitobj

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1" //nolint:gosec
	"encoding/binary"
	"io"

	"github.com/repocell/cell/internal/cellerr"
)

var packMagic = [4]byte{'P', 'A', 'C', 'K'}

const PackVersion uint32 = 2

// PackObjectType extends ObjectType with the two delta representations that
// only ever appear inside a packfile stream.
type PackObjectType int

const (
	PackBlob      PackObjectType = PackObjectType(BlobObject)
	PackTree      PackObjectType = PackObjectType(TreeObject)
	PackCommit    PackObjectType = PackObjectType(CommitObject)
	PackTag       PackObjectType = PackObjectType(TagObject)
	PackOfsDelta  PackObjectType = 6
	PackRefDelta  PackObjectType = 7
)

// PackEntry is one object as it appears (or will appear) in a pack stream.
type PackEntry struct {
	Type    PackObjectType
	Hash    Hash   // identity for non-delta entries
	Base    Hash   // ref-delta base, when Type == PackRefDelta
	BaseOff int64  // ofs-delta relative base offset, when Type == PackOfsDelta
	Payload []byte // undeltified content for non-delta entries; delta bytes otherwise
}

// PackEncode serializes entries into a full packfile: "PACK" magic, version
// 2, big-endian object count, each object as a type+size varint header
// followed by its zlib-deflated payload, closed with a trailing 20-byte
// SHA-1 checksum of everything written before it.
func PackEncode(entries []PackEntry) ([]byte, error) {
	var buf bytes.Buffer
	var hdr [12]byte
	copy(hdr[0:4], packMagic[:])
	binary.BigEndian.PutUint32(hdr[4:8], PackVersion)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(entries)))
	buf.Write(hdr[:])

	for _, e := range entries {
		writeEntryHeader(&buf, e)
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(e.Payload); err != nil {
			return nil, cellerr.Wrap(cellerr.KindIO, err, "deflate pack entry")
		}
		if err := zw.Close(); err != nil {
			return nil, cellerr.Wrap(cellerr.KindIO, err, "close pack entry writer")
		}
	}

	sum := sha1.Sum(buf.Bytes()) //nolint:gosec
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

func writeEntryHeader(buf *bytes.Buffer, e PackEntry) {
	size := len(e.Payload)
	first := byte(e.Type&0x7) << 4
	first |= byte(size & 0x0f)
	size >>= 4
	if size > 0 {
		first |= 0x80
	}
	buf.WriteByte(first)
	for size > 0 {
		b := byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
	}
	switch e.Type {
	case PackOfsDelta:
		writeOffsetDelta(buf, e.BaseOff)
	case PackRefDelta:
		buf.Write(e.Base[:])
	}
}

func writeOffsetDelta(buf *bytes.Buffer, off int64) {
	var stack []byte
	stack = append(stack, byte(off&0x7f))
	off >>= 7
	for off > 0 {
		off--
		stack = append(stack, byte(off&0x7f)|0x80)
		off >>= 7
	}
	for i := len(stack) - 1; i >= 0; i-- {
		buf.WriteByte(stack[i])
	}
}

// PackDecode parses a full packfile produced by PackEncode (or any
// compatible writer): it verifies the magic, version, object count, and
// trailing checksum, and returns the decoded (but not delta-resolved)
// entries. Delta resolution against already-known bases is the caller's
// responsibility via ResolveDelta.
func PackDecode(data []byte) ([]PackEntry, error) {
	if len(data) < 12+HashSize {
		return nil, cellerr.NewMalformed(0, "pack too short")
	}
	if !bytes.Equal(data[0:4], packMagic[:]) {
		return nil, cellerr.NewMalformed(0, "bad pack magic")
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != PackVersion {
		return nil, cellerr.NewMalformed(4, "unsupported pack version %d", version)
	}
	count := binary.BigEndian.Uint32(data[8:12])

	trailerStart := len(data) - HashSize
	sum := sha1.Sum(data[:trailerStart]) //nolint:gosec
	if !bytes.Equal(sum[:], data[trailerStart:]) {
		return nil, cellerr.NewMalformed(int64(trailerStart), "pack checksum mismatch")
	}

	entries := make([]PackEntry, 0, count)
	off := 12
	for i := uint32(0); i < count; i++ {
		if off >= trailerStart {
			return nil, cellerr.NewMalformed(int64(off), "truncated pack: expected %d objects, found %d", count, i)
		}
		e, n, err := readEntry(data, off, trailerStart)
		if err != nil {
			return nil, err
		}
		off = n
		entries = append(entries, e)
	}
	return entries, nil
}

func readEntry(data []byte, off, limit int) (PackEntry, int, error) {
	start := off
	first := data[off]
	typ := PackObjectType((first >> 4) & 0x7)
	size := int64(first & 0x0f)
	shift := uint(4)
	off++
	for first&0x80 != 0 {
		if off >= limit {
			return PackEntry{}, 0, cellerr.NewMalformed(int64(start), "truncated pack object size header")
		}
		first = data[off]
		size |= int64(first&0x7f) << shift
		shift += 7
		off++
	}

	e := PackEntry{Type: typ}
	switch typ {
	case PackOfsDelta:
		base, n := readOffsetDelta(data, off)
		e.BaseOff = base
		off = n
	case PackRefDelta:
		if off+HashSize > limit {
			return PackEntry{}, 0, cellerr.NewMalformed(int64(off), "truncated ref-delta base")
		}
		copy(e.Base[:], data[off:off+HashSize])
		off += HashSize
	}

	zr, err := zlib.NewReader(bytes.NewReader(data[off:limit]))
	if err != nil {
		return PackEntry{}, 0, cellerr.NewMalformed(int64(off), "bad deflate stream in pack entry: %v", err)
	}
	payload, err := io.ReadAll(io.LimitReader(zr, size+1))
	zr.Close()
	if err != nil {
		return PackEntry{}, 0, cellerr.NewMalformed(int64(off), "truncated pack entry payload: %v", err)
	}
	e.Payload = payload

	// Recompute how many compressed bytes were actually consumed by
	// re-running the deflate reader is wasteful; instead rely on the
	// zlib.Reader's underlying byte count via a counting reader.
	consumed := deflatedLen(data[off:limit])
	return e, off + consumed, nil
}

// deflatedLen returns the number of bytes consumed by a single zlib stream
// at the start of b, by decoding it through a counting reader.
func deflatedLen(b []byte) int {
	cr := &countingReader{r: bytes.NewReader(b)}
	zr, err := zlib.NewReader(cr)
	if err != nil {
		return len(b)
	}
	_, _ = io.Copy(io.Discard, zr)
	zr.Close()
	return cr.n
}

type countingReader struct {
	r *bytes.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// ReadByte makes countingReader a flate.Reader, so zlib reads it directly
// instead of wrapping it in a bufio.Reader whose read-ahead would be counted.
func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func readOffsetDelta(data []byte, off int) (int64, int) {
	b := data[off]
	off++
	val := int64(b & 0x7f)
	for b&0x80 != 0 {
		b = data[off]
		off++
		val++
		val = (val << 7) | int64(b&0x7f)
	}
	return val, off
}

// ResolveDelta applies delta instructions (copy/insert opcodes in the
// standard Git delta encoding) against a known base to reconstruct the
// target object's payload.
func ResolveDelta(base, delta []byte) ([]byte, error) {
	r := bytes.NewReader(delta)
	baseSize, err := readDeltaSize(r)
	if err != nil {
		return nil, cellerr.NewMalformed(0, "malformed delta base size")
	}
	if int(baseSize) != len(base) {
		return nil, cellerr.NewMalformed(0, "delta base size mismatch")
	}
	targetSize, err := readDeltaSize(r)
	if err != nil {
		return nil, cellerr.NewMalformed(0, "malformed delta target size")
	}

	out := make([]byte, 0, targetSize)
	for {
		opb, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cellerr.NewMalformed(0, "truncated delta stream")
		}
		if opb&0x80 != 0 {
			var cpOff, cpSize int64
			for i := 0; i < 4; i++ {
				if opb&(1<<uint(i)) != 0 {
					b, _ := r.ReadByte()
					cpOff |= int64(b) << uint(8*i)
				}
			}
			for i := 0; i < 3; i++ {
				if opb&(1<<uint(4+i)) != 0 {
					b, _ := r.ReadByte()
					cpSize |= int64(b) << uint(8*i)
				}
			}
			if cpSize == 0 {
				cpSize = 0x10000
			}
			if cpOff+cpSize > int64(len(base)) {
				return nil, cellerr.NewMalformed(0, "delta copy out of base range")
			}
			out = append(out, base[cpOff:cpOff+cpSize]...)
		} else if opb != 0 {
			n := int(opb)
			chunk := make([]byte, n)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return nil, cellerr.NewMalformed(0, "truncated delta insert")
			}
			out = append(out, chunk...)
		} else {
			return nil, cellerr.NewMalformed(0, "reserved delta opcode 0")
		}
	}
	if int64(len(out)) != targetSize {
		return nil, cellerr.NewMalformed(0, "delta output size mismatch")
	}
	return out, nil
}

func readDeltaSize(r *bytes.Reader) (int64, error) {
	var size int64
	shift := uint(0)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		size |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	return size, nil
}
