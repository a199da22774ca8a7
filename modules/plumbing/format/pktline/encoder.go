// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package pktline implements the Git pkt-line framing used by the Smart
// HTTP wire protocol: a 4-byte hex length header followed by payload, a
// zero-length "0000" flush-pkt, and the side-band-64k multiplexing used to
// carry pack data, progress, and error bands over one stream.
package pktline

import (
	"fmt"
	"io"
)

// lenSize is the width, in bytes, of a pkt-line's hex length header.
const lenSize = 4

// maxPayload is the largest payload a single pkt-line may carry: a line is
// capped at 65520 bytes total, minus the 4-byte length header.
const maxPayload = 65516

const hexDigits = "0123456789abcdef"

// asciiHex16 renders n as a 4-digit lowercase hex string, the pkt-line
// length-header encoding.
func asciiHex16(n int) string {
	b := [lenSize]byte{}
	for i := lenSize - 1; i >= 0; i-- {
		b[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return string(b[:])
}

// Encoder writes a pkt-line stream to an underlying io.Writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing pkt-lines to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Writer exposes the underlying stream so callers that need to interleave
// raw framing (side-band multiplexing) with this Encoder share one
// connection instead of double-wrapping it.
func (e *Encoder) Writer() io.Writer {
	return e.w
}

// Encode writes one pkt-line carrying data. An empty data slice still
// produces a non-flush line ("0004"); use Flush for the flush-pkt.
func (e *Encoder) Encode(data []byte) error {
	if len(data) > maxPayload {
		return fmt.Errorf("pktline: payload of %d bytes exceeds max %d", len(data), maxPayload)
	}
	header := asciiHex16(len(data) + lenSize)
	if _, err := io.WriteString(e.w, header); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := e.w.Write(data)
	return err
}

// EncodeString is a convenience wrapper around Encode for text lines.
func (e *Encoder) EncodeString(s string) error {
	return e.Encode([]byte(s))
}

// Flush writes the pkt-line flush marker ("0000").
func (e *Encoder) Flush() error {
	_, err := io.WriteString(e.w, "0000")
	return err
}
