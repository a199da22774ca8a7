// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package pktline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// hexDecode parses a 4-byte ASCII hex length header.
func hexDecode(b [lenSize]byte) (int, error) {
	n := 0
	for _, c := range b {
		n <<= 4
		switch {
		case c >= '0' && c <= '9':
			n |= int(c - '0')
		case c >= 'a' && c <= 'f':
			n |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			n |= int(c-'A') + 10
		default:
			return 0, fmt.Errorf("pktline: invalid hex digit %q in length header %q", c, b)
		}
	}
	return n, nil
}

// Scanner reads a pkt-line stream, one line at a time via Scan/Bytes, in
// the style of bufio.Scanner.
type Scanner struct {
	r     *bufio.Reader
	buf   []byte
	flush bool
	err   error
}

// NewScanner returns a Scanner reading pkt-lines from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, maxPayload+lenSize)}
}

// Scan advances to the next pkt-line, returning false at end of stream or
// on a malformed frame (check Err to distinguish the two).
func (s *Scanner) Scan() bool {
	if s.err != nil {
		return false
	}
	var header [lenSize]byte
	if _, err := io.ReadFull(s.r, header[:]); err != nil {
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
		return false
	}
	n, err := hexDecode(header)
	if err != nil {
		s.err = err
		return false
	}
	if n == 0 {
		s.buf = nil
		s.flush = true
		return true
	}
	if n < lenSize {
		s.err = fmt.Errorf("pktline: invalid line length %d", n)
		return false
	}
	payload := make([]byte, n-lenSize)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		s.err = err
		return false
	}
	s.buf = payload
	s.flush = false
	return true
}

// Bytes returns the payload of the most recently scanned line. Its
// contents are only valid until the next call to Scan.
func (s *Scanner) Bytes() []byte {
	return s.buf
}

// IsFlush reports whether the most recently scanned line was a flush-pkt.
func (s *Scanner) IsFlush() bool {
	return s.flush
}

// Err reports the first non-EOF error encountered by Scan.
func (s *Scanner) Err() error {
	return s.err
}
