// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cellruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/columnar"
	"github.com/repocell/cell/internal/gitobj"
	"github.com/repocell/cell/internal/refstore"
)

// exportJob tracks one /export run so /export/status/:jobId can report on
// it after the synchronous HTTP response has already returned.
type exportJob struct {
	mu     sync.Mutex
	Status string   `json:"status"` // running | complete | failed
	Error  string   `json:"error,omitempty"`
	Keys   []string `json:"keys,omitempty"`
}

func (j *exportJob) snapshot() exportJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return exportJob{Status: j.Status, Error: j.Error, Keys: append([]string(nil), j.Keys...)}
}

func (j *exportJob) finish(keys []string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.Status, j.Error = "failed", err.Error()
		return
	}
	j.Status, j.Keys = "complete", keys
}

type exportRequest struct {
	Tables []string `json:"tables,omitempty"`
	Codec  string   `json:"codec,omitempty"`
	Format string   `json:"format,omitempty"`
}

func (r *Runtime) exportRoute(w http.ResponseWriter, req *http.Request) {
	var body exportRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, cellerr.NewInvalid("malformed export request: %v", err))
			return
		}
	}
	if len(body.Tables) == 0 {
		body.Tables = []string{"commits", "refs"}
	}
	codec := columnar.Codec(body.Codec)
	if codec == "" {
		codec = columnar.CodecSnappy
	}
	format := body.Format
	if format == "" {
		format = "raw"
	}

	jobID := uuid.NewString()
	job := &exportJob{Status: "running"}

	r.jobsMu.Lock()
	if r.jobs == nil {
		r.jobs = map[string]*exportJob{}
	}
	r.jobs[jobID] = job
	r.jobsMu.Unlock()

	r.WaitUntil(func(ctx context.Context) {
		keys, err := r.runExport(ctx, body.Tables, codec, format)
		job.finish(keys, err)
	})

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "exportId": jobID})
}

func (r *Runtime) exportStatus(w http.ResponseWriter, req *http.Request) {
	jobID := mux.Vars(req)["jobId"]
	r.jobsMu.Lock()
	job, ok := r.jobs[jobID]
	r.jobsMu.Unlock()
	if !ok {
		writeError(w, cellerr.NewNotFound("export job %s not found", jobID))
		return
	}
	writeJSON(w, http.StatusOK, job.snapshot())
}

// runExport writes one columnar segment per requested table to bulk
// storage and returns the keys written.
func (r *Runtime) runExport(ctx context.Context, tables []string, codec columnar.Codec, format string) ([]string, error) {
	ts := time.Now()
	var keys []string
	for _, table := range tables {
		var data []byte
		var rowCount int
		var err error
		switch table {
		case "refs":
			rows, rerr := r.collectRefRows(ctx)
			if rerr != nil {
				return keys, rerr
			}
			rowCount = len(rows)
			data, err = columnar.EncodeRefSegment(rows, codec)
		case "commits":
			rows, rerr := r.collectCommitRows(ctx)
			if rerr != nil {
				return keys, rerr
			}
			rowCount = len(rows)
			data, err = columnar.EncodeCommitSegment(rows, codec)
		default:
			return keys, cellerr.NewInvalid("unknown export table %q", table)
		}
		if err != nil {
			return keys, err
		}
		key := fmt.Sprintf("%s/segments/%d-%s.%s", r.exportPrefix(), ts.UnixMilli(), uuid.NewString(), codecExtension(codec))
		if err := columnar.WriteTableExport(ctx, r.Bulk, key, format, table, codec, rowCount, ts.UnixMilli(), data); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func codecExtension(c columnar.Codec) string {
	switch c {
	case columnar.CodecSnappy:
		return "snappy"
	case columnar.CodecLZ4, columnar.CodecLZ4Raw:
		return "lz4"
	default:
		return "raw"
	}
}

func (r *Runtime) exportPrefix() string {
	return r.cfg.BulkStore.Prefix
}

func (r *Runtime) collectRefRows(ctx context.Context) ([]columnar.RefExportRow, error) {
	refs, err := r.Refs.ListRefs(ctx, "")
	if err != nil {
		return nil, err
	}
	ns := r.Namespace()
	rows := make([]columnar.RefExportRow, 0, len(refs))
	for _, ref := range refs {
		if ref.Type != refstore.RefSha {
			continue
		}
		rows = append(rows, columnar.RefExportRow{Name: ref.Name, TargetSha: ref.Target, Repository: ns})
	}
	return rows, nil
}

// maxExportWalk bounds the commit-ancestry walk the commits table export
// performs from every ref tip. It is ten times branch.Manager's ahead/behind
// walk bound (maxWalk = 1000).
const maxExportWalk = 10000

func (r *Runtime) collectCommitRows(ctx context.Context) ([]columnar.CommitExportRow, error) {
	refs, err := r.Refs.ListRefs(ctx, "")
	if err != nil {
		return nil, err
	}
	visited := map[gitobj.Hash]bool{}
	var rows []columnar.CommitExportRow
	var stack []gitobj.Hash
	for _, ref := range refs {
		if ref.Type != refstore.RefSha {
			continue
		}
		if h, herr := gitobj.NewHashEx(ref.Target); herr == nil {
			stack = append(stack, h)
		}
	}
	for len(stack) > 0 && len(visited) < maxExportWalk {
		sha := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[sha] {
			continue
		}
		visited[sha] = true
		c, err := r.Objects.GetCommit(ctx, sha)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue // not a commit (ref might point at a tag or blob in an exotic setup)
		}
		parents := make([]string, len(c.Parents))
		for i, p := range c.Parents {
			parents[i] = p.String()
			stack = append(stack, p)
		}
		rows = append(rows, columnar.CommitExportRow{
			Sha:         sha.String(),
			TreeSha:     c.Tree.String(),
			ParentShas:  parents,
			AuthorName:  c.Author.Name,
			AuthorEmail: c.Author.Email,
			AuthorWhen:  c.Author.When.Unix(),
			Message:     c.Message,
		})
	}
	return rows, nil
}
