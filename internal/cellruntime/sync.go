// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cellruntime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
	"github.com/repocell/cell/internal/objectstore"
	"github.com/repocell/cell/internal/refstore"
	"github.com/repocell/cell/internal/wireprotocol"
)

type syncRepository struct {
	CloneURL string `json:"clone_url"`
}

type syncRequest struct {
	Repository syncRepository `json:"repository"`
	Ref        string         `json:"ref,omitempty"`
}

type syncResponse struct {
	Success     bool     `json:"success"`
	ObjectCount int      `json:"objectCount"`
	Refs        []string `json:"refs"`
	Error       string   `json:"error,omitempty"`
}

func (r *Runtime) syncRoute(w http.ResponseWriter, req *http.Request) {
	var body syncRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, cellerr.NewInvalid("malformed sync request: %v", err))
		return
	}
	resp, err := r.Sync(req.Context(), body)
	if err != nil {
		writeJSON(w, statusFor(err), syncResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Sync drives an upstream clone/fetch: discovers the remote's ref
// advertisement, fetches a pack covering every ref the cell doesn't
// already have, unpacks objects into the ObjectStore (idempotent by sha),
// feeds each new object into the columnar write buffer, and finally
// advances local refs to mirror the upstream advertisement.
func (r *Runtime) Sync(ctx context.Context, req syncRequest) (*syncResponse, error) {
	if req.Repository.CloneURL == "" {
		return nil, cellerr.NewInvalid("sync: repository.clone_url is required")
	}

	client := wireprotocol.NewClient(nil)
	advertised, err := client.DiscoverRefs(ctx, req.Repository.CloneURL)
	if err != nil {
		return nil, err
	}
	if req.Ref != "" {
		advertised = filterRefs(advertised, req.Ref)
	}
	if len(advertised) == 0 {
		return &syncResponse{Success: true, ObjectCount: 0, Refs: []string{}}, nil
	}

	var wants, haves []gitobj.Hash
	for _, ar := range advertised {
		wants = append(wants, ar.Sha)
	}
	for _, sha := range wants {
		if ok, _ := r.Objects.HasObject(ctx, sha); ok {
			haves = append(haves, sha)
		}
	}

	fetched, err := client.FetchPack(ctx, req.Repository.CloneURL, wants, haves)
	if err != nil {
		return nil, err
	}

	objectCount := 0
	if len(fetched.PackBytes) > 0 {
		entries, err := gitobj.PackDecode(fetched.PackBytes)
		if err != nil {
			return nil, err
		}
		if err := r.ingestPackEntries(ctx, entries); err != nil {
			return nil, err
		}
		objectCount = len(entries)
	}

	refNames := make([]string, 0, len(advertised))
	for _, ar := range advertised {
		if err := r.applyAdvertisedRef(ctx, ar); err != nil {
			return nil, err
		}
		refNames = append(refNames, ar.Name)
	}

	return &syncResponse{Success: true, ObjectCount: objectCount, Refs: refNames}, nil
}

func (r *Runtime) ingestPackEntries(ctx context.Context, entries []gitobj.PackEntry) error {
	objs := make([]objectstore.ObjectInput, 0, len(entries))
	for _, e := range entries {
		if e.Type == gitobj.PackOfsDelta || e.Type == gitobj.PackRefDelta {
			continue // delta entries are not resolved and are not stored; wireprotocol.ReceivePack does the same
		}
		objs = append(objs, objectstore.ObjectInput{Type: gitobj.ObjectType(e.Type), Payload: e.Payload})
	}
	if len(objs) == 0 {
		return nil
	}
	shas, err := r.Objects.PutObjects(ctx, objs)
	if err != nil {
		return err
	}
	for i, sha := range shas {
		if err := r.Export.Accept(ctx, sha, objs[i].Type, objs[i].Payload, ""); err != nil {
			return err
		}
	}
	r.WaitUntil(func(ctx context.Context) {
		if _, _, err := r.Export.Flush(ctx); err != nil {
			r.log.Warnf("export flush: %v", err)
		}
	})
	return nil
}

func (r *Runtime) applyAdvertisedRef(ctx context.Context, ar wireprotocol.AdvertisedRef) error {
	name := ar.Name
	if name == "HEAD" {
		return nil // HEAD is derived locally, not mirrored byte-for-byte from upstream
	}
	opts := refstore.UpdateOptions{Create: true, Force: true, Who: "sync", Reason: "sync from upstream"}
	if err := r.Refs.UpdateRef(ctx, name, ar.Sha, opts); err != nil && !cellerr.IsProtected(err) {
		return err
	}
	return nil
}

func filterRefs(refs []wireprotocol.AdvertisedRef, want string) []wireprotocol.AdvertisedRef {
	var out []wireprotocol.AdvertisedRef
	for _, r := range refs {
		if r.Name == want || strings.HasSuffix(r.Name, "/"+want) {
			out = append(out, r)
		}
	}
	return out
}
