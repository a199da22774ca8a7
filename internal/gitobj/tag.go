// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package gitobj

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/repocell/cell/internal/cellerr"
)

// Tag is an annotated tag object: a pointer to another object plus an
// optional tagger and a message.
type Tag struct {
	Object  Hash
	Type    ObjectType
	Name    string
	Tagger  *Signature
	Message string
}

func EncodeTag(t *Tag) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Object)
	fmt.Fprintf(&buf, "type %s\n", t.Type)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	if t.Tagger != nil {
		fmt.Fprintf(&buf, "tagger %s\n", *t.Tagger)
	}
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes()
}

func DecodeTag(data []byte) (*Tag, error) {
	t := &Tag{}
	r := bufio.NewScanner(bytes.NewReader(data))
	r.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	inHeaders := true
	var message strings.Builder
	for r.Scan() {
		line := r.Text()
		if inHeaders && line == "" {
			inHeaders = false
			continue
		}
		if !inHeaders {
			message.WriteString(line)
			message.WriteByte('\n')
			continue
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			continue
		}
		key, val := line[:sp], line[sp+1:]
		switch key {
		case "object":
			h, err := NewHashEx(val)
			if err != nil {
				return nil, cellerr.NewMalformed(0, "bad object sha in tag")
			}
			t.Object = h
		case "type":
			t.Type = ParseObjectType(val)
		case "tag":
			t.Name = val
		case "tagger":
			sig, err := decodeSignature(val)
			if err != nil {
				return nil, err
			}
			t.Tagger = &sig
		}
	}
	if err := r.Err(); err != nil {
		return nil, cellerr.NewMalformed(0, "truncated tag: %v", err)
	}
	t.Message = strings.TrimSuffix(message.String(), "\n")
	if t.Object.IsZero() || t.Type == InvalidObject || t.Name == "" {
		return nil, cellerr.NewMalformed(0, "tag missing required header")
	}
	return t, nil
}
