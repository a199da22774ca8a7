// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package gitobj

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/repocell/cell/internal/cellerr"
)

// EncodeLoose produces the canonical zlib-deflated loose object framing
// "<type> <len>\0<payload>" used on the wire and in the warm storage tier.
func EncodeLoose(t ObjectType, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	header(w, t, len(payload))
	if _, err := w.Write(payload); err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "deflate loose object")
	}
	if err := w.Close(); err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "close loose object writer")
	}
	return buf.Bytes(), nil
}

// DecodeLoose reverses EncodeLoose.
func DecodeLoose(data []byte) (ObjectType, []byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return InvalidObject, nil, cellerr.NewMalformed(0, "not a valid loose object: %v", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return InvalidObject, nil, cellerr.NewMalformed(0, "truncated loose object: %v", err)
	}
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return InvalidObject, nil, cellerr.NewMalformed(0, "loose object missing header terminator")
	}
	sp := bytes.IndexByte(raw[:nul], ' ')
	if sp < 0 {
		return InvalidObject, nil, cellerr.NewMalformed(0, "loose object header missing type separator")
	}
	t := ParseObjectType(string(raw[:sp]))
	if t == InvalidObject {
		return InvalidObject, nil, cellerr.NewMalformed(0, "unrecognized object type in loose header")
	}
	return t, raw[nul+1:], nil
}
