// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cellruntime

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/repocell/cell/internal/cellerr"
)

const jsonMIME = "application/json"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMIME)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the cellerr taxonomy (spec §7) onto an HTTP status.
func statusFor(err error) int {
	switch cellerr.KindOf(err) {
	case cellerr.KindNotFound:
		return http.StatusNotFound
	case cellerr.KindConflict:
		return http.StatusConflict
	case cellerr.KindProtected:
		return http.StatusForbidden
	case cellerr.KindInvalid:
		return http.StatusBadRequest
	case cellerr.KindTimeout:
		return http.StatusGatewayTimeout
	case cellerr.KindCancelled:
		return 499 // client closed request, nginx convention
	case cellerr.KindMalformed, cellerr.KindIO, cellerr.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}

// Capabilities advertised on /health and /info.
var Capabilities = []string{"object-store", "ref-store", "columnar-export", "wire-protocol"}

func (r *Runtime) health(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"ns":           r.Namespace(),
		"type":         "repocell",
		"uptime":       r.Uptime().Seconds(),
		"capabilities": Capabilities,
	})
}

func (r *Runtime) info(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"type":         "repocell",
		"ns":           r.Namespace(),
		"capabilities": Capabilities,
	})
}

type forkRequest struct {
	NS     string `json:"ns"`
	Parent string `json:"parent,omitempty"`
	Branch string `json:"branch,omitempty"`
}

func (r *Runtime) fork(w http.ResponseWriter, req *http.Request) {
	var body forkRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, cellerr.NewInvalid("malformed fork request: %v", err))
		return
	}
	if !r.IsInitialized() {
		if err := r.Initialize(req.Context(), InitOptions{Namespace: body.NS, Parent: body.Parent}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "ns": body.NS})
		return
	}
	if err := r.Fork(req.Context(), ForkOptions{To: body.NS, Branch: body.Branch}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "to": body.NS})
}

func (r *Runtime) compactRoute(w http.ResponseWriter, req *http.Request) {
	report, err := r.Compact(req.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// objectsBatch implements the LFS batch-API stub (spec §4.7, §9 open
// question (b)): any real object transfer implementation is out of scope,
// so every request is answered 501 Not Implemented.
func (r *Runtime) objectsBatch(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusNotImplemented, map[string]any{
		"message": "LFS batch transfer is not implemented by this cell",
	})
}

// Router assembles the cell's full HTTP route table (spec §6).
func (r *Runtime) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", r.health).Methods(http.MethodGet)
	router.HandleFunc("/info", r.info).Methods(http.MethodGet)
	router.HandleFunc("/fork", r.fork).Methods(http.MethodPost)
	router.HandleFunc("/sync", r.syncRoute).Methods(http.MethodPost)
	router.HandleFunc("/export", r.exportRoute).Methods(http.MethodPost)
	router.HandleFunc("/export/status/{jobId}", r.exportStatus).Methods(http.MethodGet)
	router.HandleFunc("/objects/batch", r.objectsBatch).Methods(http.MethodPost)
	r.GitRoutes(router)
	return router
}
