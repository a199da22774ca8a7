// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package gitobj implements the canonical Git object codec: SHA-1 identity,
// loose object framing, tree/commit/tag text formats, and packfile framing.
package gitobj

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // content identity, not a security boundary
	"encoding/hex"
	"sort"
)

const (
	HashSize    = 20
	HashHexSize = HashSize * 2
)

// Hash is a raw 20-byte SHA-1 object id. Hex is only used at API boundaries.
type Hash [HashSize]byte

var ZeroHash Hash

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != HashSize {
		return errBadHash
	}
	copy(h[:], b)
	return nil
}

var errBadHash = &hashError{"not a valid 40-char hex sha1"}

type hashError struct{ msg string }

func (e *hashError) Error() string { return e.msg }

// NewHash decodes a 40-char hex string into a Hash, ignoring errors (use
// NewHashEx when validation matters).
func NewHash(s string) Hash {
	var h Hash
	b, _ := hex.DecodeString(s)
	copy(h[:], b)
	return h
}

// NewHashEx validates s is exactly 40 valid hex characters before decoding.
func NewHashEx(s string) (Hash, error) {
	if !ValidateHex(s) {
		return ZeroHash, errBadHash
	}
	return NewHash(s), nil
}

func ValidateHex(s string) bool {
	if len(s) != HashHexSize {
		return false
	}
	for _, c := range []byte(s) {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// HashSlice sorts Hashes in ascending byte order.
type HashSlice []Hash

func (p HashSlice) Len() int           { return len(p) }
func (p HashSlice) Less(i, j int) bool { return bytes.Compare(p[i][:], p[j][:]) < 0 }
func (p HashSlice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

func SortHashes(hs []Hash) { sort.Sort(HashSlice(hs)) }

// ObjectType is one of the four canonical Git object kinds.
type ObjectType int

const (
	InvalidObject ObjectType = iota
	BlobObject
	TreeObject
	CommitObject
	TagObject
)

func (t ObjectType) String() string {
	switch t {
	case BlobObject:
		return "blob"
	case TreeObject:
		return "tree"
	case CommitObject:
		return "commit"
	case TagObject:
		return "tag"
	default:
		return "invalid"
	}
}

func ParseObjectType(s string) ObjectType {
	switch s {
	case "blob":
		return BlobObject
	case "tree":
		return TreeObject
	case "commit":
		return CommitObject
	case "tag":
		return TagObject
	default:
		return InvalidObject
	}
}

// HashObject computes the canonical Git object id: SHA-1 over
// "<type> <len>\0<payload>".
func HashObject(t ObjectType, payload []byte) Hash {
	h := sha1.New() //nolint:gosec
	header(h, t, len(payload))
	h.Write(payload)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

func header(w byteWriter, t ObjectType, size int) {
	w.Write([]byte(t.String()))
	w.Write([]byte{' '})
	w.Write([]byte(itoa(size)))
	w.Write([]byte{0})
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
