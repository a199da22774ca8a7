// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package pktline

import "io"

// side-band-64k channel identifiers, per spec §4.6.
const (
	PackData    byte = 1
	ProgressMsg byte = 2
	ErrorMsg    byte = 3
)

// sidebandMaxChunk is the largest slice of caller data one multiplexed
// pkt-line can carry: maxPayload minus the one-byte band prefix.
const sidebandMaxChunk = maxPayload - 1

// SidebandWriter frames writes as side-band-64k pkt-lines on a fixed band,
// splitting any write larger than one pkt-line's payload into multiple
// lines.
type SidebandWriter struct {
	enc  *Encoder
	band byte
}

// NewSidebandWriter returns a SidebandWriter multiplexing onto band over w.
func NewSidebandWriter(w io.Writer, band byte) *SidebandWriter {
	return &SidebandWriter{enc: NewEncoder(w), band: band}
}

// Write implements io.Writer, chunking p across as many band-prefixed
// pkt-lines as needed. It never returns a short count without an error.
func (s *SidebandWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > sidebandMaxChunk {
			chunk = chunk[:sidebandMaxChunk]
		}
		line := make([]byte, 0, len(chunk)+1)
		line = append(line, s.band)
		line = append(line, chunk...)
		if err := s.enc.Encode(line); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Demux reads band-prefixed pkt-lines from s until flush or EOF, routing
// pack-data bands to onPack and progress bands to onProgress. An
// error-band line aborts the demux with a *RemoteError.
func Demux(s *Scanner, onPack func([]byte) error, onProgress func([]byte)) error {
	for s.Scan() {
		if s.IsFlush() {
			continue
		}
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		band, data := line[0], line[1:]
		switch band {
		case PackData:
			if onPack != nil {
				if err := onPack(data); err != nil {
					return err
				}
			}
		case ProgressMsg:
			if onProgress != nil {
				onProgress(data)
			}
		case ErrorMsg:
			return &RemoteError{Message: string(data)}
		}
	}
	return s.Err()
}

// RemoteError is a side-band error-band message relayed from the remote
// side of the wire protocol.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}
