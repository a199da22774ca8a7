// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package gitobj

import (
	"bytes"
	"sort"
	"strconv"
	"strings"

	"github.com/repocell/cell/internal/cellerr"
)

// FileMode is one of the modes a tree entry may carry.
type FileMode uint32

const (
	ModeFile       FileMode = 0o100644
	ModeExecutable FileMode = 0o100755
	ModeDir        FileMode = 0o040000
	ModeSymlink    FileMode = 0o120000
	ModeSubmodule  FileMode = 0o160000
)

func validMode(m FileMode) bool {
	switch m {
	case ModeFile, ModeExecutable, ModeDir, ModeSymlink, ModeSubmodule:
		return true
	default:
		return false
	}
}

// TreeEntry is one row of a tree object: a name, its mode, and the sha of
// the object it names.
type TreeEntry struct {
	Name string
	Mode FileMode
	Hash Hash
}

func (e TreeEntry) isDir() bool {
	return e.Mode == ModeDir
}

// sortName returns the byte sequence used for ordering: directory names are
// compared as though they carried a trailing slash, matching canonical Git
// tree ordering (and making hashes stable across equivalent input orders).
func (e TreeEntry) sortName() string {
	if e.isDir() {
		return e.Name + "/"
	}
	return e.Name
}

// SortEntries orders entries the canonical way, in place.
func SortEntries(entries []TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].sortName() < entries[j].sortName()
	})
}

func validEntryName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}

// EncodeTreeEntries serializes entries into the canonical tree payload:
// entries sorted by sortName, each as "<mode> <name>\0<20-byte-sha>".
// Rejects duplicate names, invalid names, invalid modes, and zero shas.
func EncodeTreeEntries(entries []TreeEntry) ([]byte, error) {
	ordered := make([]TreeEntry, len(entries))
	copy(ordered, entries)
	SortEntries(ordered)

	seen := make(map[string]struct{}, len(ordered))
	var buf bytes.Buffer
	for _, e := range ordered {
		if !validEntryName(e.Name) {
			return nil, cellerr.NewInvalid("invalid tree entry name %q", e.Name)
		}
		if !validMode(e.Mode) {
			return nil, cellerr.NewInvalid("invalid tree entry mode %o for %q", e.Mode, e.Name)
		}
		if e.Hash.IsZero() {
			return nil, cellerr.NewInvalid("invalid (zero) sha for %q", e.Name)
		}
		key := e.Name
		if _, dup := seen[key]; dup {
			return nil, cellerr.NewInvalid("duplicate tree entry %q", e.Name)
		}
		seen[key] = struct{}{}

		buf.WriteString(strconv.FormatUint(uint64(e.Mode), 8))
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.Hash[:])
	}
	return buf.Bytes(), nil
}

// DecodeTree scans the canonical tree payload back into entries, already in
// ascending byte order as written. A truncated frame fails with MALFORMED.
func DecodeTree(data []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	off := 0
	for off < len(data) {
		sp := bytes.IndexByte(data[off:], ' ')
		if sp < 0 {
			return nil, cellerr.NewMalformed(int64(off), "truncated tree entry: missing mode separator")
		}
		modeStr := string(data[off : off+sp])
		mode, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return nil, cellerr.NewMalformed(int64(off), "bad tree entry mode %q", modeStr)
		}
		off += sp + 1

		nul := bytes.IndexByte(data[off:], 0)
		if nul < 0 {
			return nil, cellerr.NewMalformed(int64(off), "truncated tree entry: missing name terminator")
		}
		name := string(data[off : off+nul])
		off += nul + 1

		if off+HashSize > len(data) {
			return nil, cellerr.NewMalformed(int64(off), "truncated tree entry: short sha")
		}
		var h Hash
		copy(h[:], data[off:off+HashSize])
		off += HashSize

		entries = append(entries, TreeEntry{Name: name, Mode: FileMode(mode), Hash: h})
	}
	return entries, nil
}
