// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package gitobj

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/repocell/cell/internal/cellerr"
)

// Signature is a commit/tag author or committer line: "Name <email> <unix> <±HHMM>".
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func (s Signature) String() string {
	_, offset := s.When.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%s <%s> %d %s%02d%02d", s.Name, s.Email, s.When.Unix(), sign, offset/3600, (offset%3600)/60)
}

func decodeSignature(line string) (Signature, error) {
	open := strings.LastIndexByte(line, '<')
	closeIdx := strings.LastIndexByte(line, '>')
	if open < 0 || closeIdx < 0 || closeIdx < open {
		return Signature{}, cellerr.NewMalformed(0, "malformed signature line %q", line)
	}
	name := strings.TrimSpace(line[:open])
	email := line[open+1 : closeIdx]
	rest := strings.TrimSpace(line[closeIdx+1:])
	fields := strings.Fields(rest)
	when := time.Unix(0, 0).UTC()
	if len(fields) >= 1 {
		if ts, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			when = time.Unix(ts, 0).UTC()
		}
	}
	if len(fields) >= 2 && len(fields[1]) == 5 {
		tz := fields[1]
		sign := int64(1)
		if tz[0] == '-' {
			sign = -1
		}
		hh, err1 := strconv.ParseInt(tz[1:3], 10, 64)
		mm, err2 := strconv.ParseInt(tz[3:5], 10, 64)
		if err1 == nil && err2 == nil {
			when = when.In(time.FixedZone("", int(sign*(hh*3600+mm*60))))
		}
	}
	return Signature{Name: name, Email: email, When: when}, nil
}

// Commit is the canonical tree/parent/author/committer/message structure.
type Commit struct {
	Tree      Hash
	Parents   []Hash
	Author    Signature
	Committer Signature
	Message   string
}

// EncodeCommit serializes a commit into the canonical text payload.
func EncodeCommit(c *Commit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", c.Author)
	fmt.Fprintf(&buf, "committer %s\n", c.Committer)
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// DecodeCommit parses the canonical commit payload.
func DecodeCommit(data []byte) (*Commit, error) {
	c := &Commit{}
	headers := data
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		headers = data[:i+1]
		c.Message = string(data[i+2:])
	}
	r := bufio.NewScanner(bytes.NewReader(headers))
	r.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for r.Scan() {
		line := r.Text()
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			continue
		}
		key, val := line[:sp], line[sp+1:]
		switch key {
		case "tree":
			h, err := NewHashEx(val)
			if err != nil {
				return nil, cellerr.NewMalformed(0, "bad tree sha in commit")
			}
			c.Tree = h
		case "parent":
			h, err := NewHashEx(val)
			if err != nil {
				return nil, cellerr.NewMalformed(0, "bad parent sha in commit")
			}
			c.Parents = append(c.Parents, h)
		case "author":
			sig, err := decodeSignature(val)
			if err != nil {
				return nil, err
			}
			c.Author = sig
		case "committer":
			sig, err := decodeSignature(val)
			if err != nil {
				return nil, err
			}
			c.Committer = sig
		}
	}
	if err := r.Err(); err != nil {
		return nil, cellerr.NewMalformed(0, "truncated commit: %v", err)
	}
	if c.Tree.IsZero() {
		return nil, cellerr.NewMalformed(0, "commit missing tree header")
	}
	return c, nil
}
