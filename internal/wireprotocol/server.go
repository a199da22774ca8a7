// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package wireprotocol implements the Smart HTTP Git wire protocol (C6):
// info/refs advertisement, git-upload-pack fetch negotiation, and
// git-receive-pack push application, multiplexed over pkt-line
// side-band-64k, plus the client side used by CellRuntime's sync.
package wireprotocol

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/repocell/cell/internal/approval"
	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
	"github.com/repocell/cell/internal/refstore"
	"github.com/repocell/cell/modules/plumbing/format/pktline"
	"github.com/repocell/cell/pkg/version"
)

// Capabilities is the capability set advertised on every ref advertisement,
// per spec §4.6; the agent token comes from pkg/version so a build's
// ldflags-injected version shows up in every advertisement.
var Capabilities = fmt.Sprintf("multi_ack_detailed no-done side-band-64k ofs-delta agent=%s", version.GetServerVersion())

// ObjectWriter extends ObjectReader with the batch write receive-pack needs.
type ObjectWriter interface {
	ObjectReader
	PutObjects(ctx context.Context, objs []ObjectInput) ([]gitobj.Hash, error)
}

// ObjectInput mirrors objectstore.ObjectInput so this package doesn't need
// to import objectstore directly for one struct shape.
type ObjectInput struct {
	Type    gitobj.ObjectType
	Payload []byte
}

// Server implements the server half of the wire protocol against one
// cell's RefStore and ObjectStore.
type Server struct {
	Refs      *refstore.Store
	Objects   ObjectWriter
	Approvals *approval.Verifier
	Log       *logrus.Entry
}

// InfoRefs writes the "# service=<svc>\n" + flush preamble followed by the
// ref advertisement: one pkt-line per ref, capabilities riding the first
// line's NUL-terminated suffix.
func (s *Server) InfoRefs(ctx context.Context, w *pktline.Encoder, service string) error {
	if err := w.EncodeString(fmt.Sprintf("# service=%s\n", service)); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	refs, err := s.Refs.ListRefs(ctx, "")
	if err != nil {
		return err
	}
	first := true
	for _, r := range refs {
		if r.Type != refstore.RefSha {
			continue
		}
		var line string
		if first {
			line = fmt.Sprintf("%s %s\x00%s\n", r.Target, r.Name, Capabilities)
			first = false
		} else {
			line = fmt.Sprintf("%s %s\n", r.Target, r.Name)
		}
		if err := w.EncodeString(line); err != nil {
			return err
		}
	}
	if first {
		// Empty repository: Git still expects one capabilities line,
		// advertised against the zero sha.
		if err := w.EncodeString(fmt.Sprintf("%s capabilities^{}\x00%s\n", gitobj.ZeroHash, Capabilities)); err != nil {
			return err
		}
	}
	return w.Flush()
}

// negotiation is the parsed want/have/capability request body of an
// upload-pack POST.
type negotiation struct {
	wants  []gitobj.Hash
	haves  []gitobj.Hash
	done   bool
	atomic bool
}

func parseNegotiation(r *pktline.Scanner) (*negotiation, error) {
	n := &negotiation{}
	seenWant := map[gitobj.Hash]bool{}
	for r.Scan() {
		if r.IsFlush() {
			continue
		}
		line := strings.TrimRight(string(r.Bytes()), "\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "want":
			if len(fields) < 2 {
				return nil, cellerr.NewMalformed(0, "malformed want line: %q", line)
			}
			h, err := gitobj.NewHashEx(fields[1])
			if err != nil {
				return nil, cellerr.NewMalformed(0, "bad want sha: %v", err)
			}
			if !seenWant[h] {
				seenWant[h] = true
				n.wants = append(n.wants, h)
			}
			if strings.Contains(line, "atomic") {
				n.atomic = true
			}
		case "have":
			if len(fields) < 2 {
				return nil, cellerr.NewMalformed(0, "malformed have line: %q", line)
			}
			h, err := gitobj.NewHashEx(fields[1])
			if err != nil {
				return nil, cellerr.NewMalformed(0, "bad have sha: %v", err)
			}
			n.haves = append(n.haves, h)
		case "done":
			n.done = true
			return n, r.Err()
		}
	}
	return n, r.Err()
}

// UploadPack serves a fetch/clone: negotiate wants/haves, then stream a
// pack of every object reachable from wants but not haves, framed as
// side-band-64k pack-data pkt-lines.
func (s *Server) UploadPack(ctx context.Context, r *pktline.Scanner, w *pktline.Encoder) error {
	neg, err := parseNegotiation(r)
	if err != nil {
		return err
	}

	for _, h := range neg.haves {
		ok, err := s.Objects.HasObject(ctx, h)
		if err != nil {
			return err
		}
		if ok {
			if err := w.EncodeString(fmt.Sprintf("ACK %s common\n", h)); err != nil {
				return err
			}
		}
	}
	if err := w.EncodeString("NAK\n"); err != nil {
		return err
	}

	shas, err := enumerateObjects(ctx, s.Objects, neg.wants, neg.haves)
	if err != nil {
		return err
	}
	entries := make([]gitobj.PackEntry, 0, len(shas))
	for _, sha := range shas {
		payload, err := s.Objects.GetObject(ctx, sha)
		if err != nil {
			return err
		}
		typ, err := objectTypeOf(ctx, s.Objects, sha)
		if err != nil {
			return err
		}
		entries = append(entries, gitobj.PackEntry{Type: gitobj.PackObjectType(typ), Hash: sha, Payload: payload})
	}
	packBytes, err := gitobj.PackEncode(entries)
	if err != nil {
		return err
	}

	sb := pktline.NewSidebandWriter(rawWriter{w}, pktline.PackData)
	if _, err := sb.Write(packBytes); err != nil {
		return err
	}
	return w.Flush()
}

// rawWriter adapts an *Encoder's underlying writer so SidebandWriter — which
// does its own pkt-line framing — writes to the same stream as the
// caller's Encoder without double-framing.
type rawWriter struct{ enc *pktline.Encoder }

func (r rawWriter) Write(p []byte) (int, error) { return r.enc.Writer().Write(p) }

func objectTypeOf(ctx context.Context, store ObjectReader, sha gitobj.Hash) (gitobj.ObjectType, error) {
	if c, err := store.GetCommit(ctx, sha); err == nil && c != nil {
		return gitobj.CommitObject, nil
	}
	if t, err := store.GetTree(ctx, sha); err == nil && t != nil {
		return gitobj.TreeObject, nil
	}
	return gitobj.BlobObject, nil
}

// updateCommand is one `<old> <new> <ref>` push line.
type updateCommand struct {
	Old, New gitobj.Hash
	Ref      string
}

// ReceivePack applies a push: parses ref-update commands, unpacks the
// trailing packfile into ObjectStore, then applies each command through
// RefStore.UpdateRef with CAS on old. approvalToken satisfies a
// requiredReviews gate when the targeted rule demands one.
func (s *Server) ReceivePack(ctx context.Context, r *pktline.Scanner, w *pktline.Encoder, approvalToken string) error {
	var cmds []updateCommand
	atomic := false
	for r.Scan() {
		if r.IsFlush() {
			break
		}
		line := strings.TrimRight(string(r.Bytes()), "\x00\n")
		parts := strings.SplitN(line, "\x00", 2)
		if len(parts) == 2 && strings.Contains(parts[1], "atomic") {
			atomic = true
		}
		fields := strings.Fields(parts[0])
		if len(fields) < 3 {
			return cellerr.NewMalformed(0, "malformed ref-update line: %q", line)
		}
		old, err := gitobj.NewHashEx(fields[0])
		if err != nil {
			return cellerr.NewMalformed(0, "bad old sha: %v", err)
		}
		newSha, err := gitobj.NewHashEx(fields[1])
		if err != nil {
			return cellerr.NewMalformed(0, "bad new sha: %v", err)
		}
		cmds = append(cmds, updateCommand{Old: old, New: newSha, Ref: fields[2]})
	}
	if err := r.Err(); err != nil {
		return err
	}

	packBytes, err := readPackPayload(r)
	if err != nil {
		return err
	}
	if len(packBytes) > 0 {
		entries, err := gitobj.PackDecode(packBytes)
		if err != nil {
			return err
		}
		objs := make([]ObjectInput, 0, len(entries))
		for _, e := range entries {
			if e.Type == gitobj.PackOfsDelta || e.Type == gitobj.PackRefDelta {
				continue // delta entries are not resolved and are not stored; see DESIGN.md
			}
			objs = append(objs, ObjectInput{Type: gitobj.ObjectType(e.Type), Payload: e.Payload})
		}
		if len(objs) > 0 {
			if _, err := s.Objects.PutObjects(ctx, objs); err != nil {
				return err
			}
		}
	}

	approvalOK := s.Approvals == nil
	results := make([]string, 0, len(cmds))
	failed := false
	for _, cmd := range cmds {
		ok := approvalOK
		if !ok {
			ok = s.Approvals.Verify(approvalToken, cmd.Ref, cmd.New.String())
		}
		opts := refstore.UpdateOptions{
			HasExpected:    cmd.Old != gitobj.ZeroHash,
			ExpectedOldSha: cmd.Old,
			Create:         cmd.Old == gitobj.ZeroHash,
			Who:            "wire-protocol",
			Reason:         "push",
			ApprovalOK:     ok,
		}
		var updateErr error
		if cmd.New == gitobj.ZeroHash {
			updateErr = s.Refs.DeleteRef(ctx, cmd.Ref, opts.Who, opts.Reason)
		} else {
			updateErr = s.Refs.UpdateRef(ctx, cmd.Ref, cmd.New, opts)
		}
		if updateErr != nil {
			failed = true
			results = append(results, fmt.Sprintf("ng %s %s", cmd.Ref, updateErr.Error()))
		} else {
			results = append(results, fmt.Sprintf("ok %s", cmd.Ref))
		}
	}

	if atomic && failed {
		if err := w.EncodeString("unpack ok\n"); err != nil {
			return err
		}
		for _, cmd := range cmds {
			if err := w.EncodeString(fmt.Sprintf("ng %s transaction aborted\n", cmd.Ref)); err != nil {
				return err
			}
		}
		return w.Flush()
	}

	if err := w.EncodeString("unpack ok\n"); err != nil {
		return err
	}
	for _, line := range results {
		if err := w.EncodeString(line + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readPackPayload(r *pktline.Scanner) ([]byte, error) {
	var buf bytes.Buffer
	br := bufio.NewReader(&buf)
	_ = br
	for r.Scan() {
		if r.IsFlush() {
			break
		}
		buf.Write(r.Bytes())
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
