// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cellruntime

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/repocell/cell/modules/plumbing/format/pktline"
)

// infoRefs serves GET /:ns/info/refs?service=git-upload-pack|git-receive-pack.
func (r *Runtime) infoRefs(w http.ResponseWriter, req *http.Request) {
	service := req.URL.Query().Get("service")
	if service == "" {
		service = "git-upload-pack"
	}
	w.Header().Set("Content-Type", "application/x-"+service+"-advertisement")
	w.WriteHeader(http.StatusOK)
	enc := pktline.NewEncoder(w)
	if err := r.Wire.InfoRefs(req.Context(), enc, service); err != nil {
		r.log.Errorf("info/refs: %v", err)
	}
}

// uploadPack serves POST /:ns/git-upload-pack (fetch/clone).
func (r *Runtime) uploadPack(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.WriteHeader(http.StatusOK)
	scanner := pktline.NewScanner(req.Body)
	enc := pktline.NewEncoder(w)
	if err := r.Wire.UploadPack(req.Context(), scanner, enc); err != nil {
		sb := pktline.NewSidebandWriter(w, pktline.ErrorMsg)
		_, _ = sb.Write([]byte(err.Error()))
		r.log.Warnf("upload-pack: %v", err)
	}
}

// receivePack serves POST /:ns/git-receive-pack (push).
func (r *Runtime) receivePack(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.WriteHeader(http.StatusOK)
	scanner := pktline.NewScanner(req.Body)
	enc := pktline.NewEncoder(w)
	approvalToken := req.Header.Get("X-Approval-Token")
	if err := r.Wire.ReceivePack(req.Context(), scanner, enc, approvalToken); err != nil {
		sb := pktline.NewSidebandWriter(w, pktline.ErrorMsg)
		_, _ = sb.Write([]byte(err.Error()))
		r.log.Warnf("receive-pack: %v", err)
	}
}

// GitRoutes registers the wire-protocol endpoints on a pre-built router, one
// cell per namespace segment per spec §6.
func (r *Runtime) GitRoutes(router *mux.Router) {
	router.HandleFunc("/{ns:.*}/info/refs", r.infoRefs).Methods(http.MethodGet)
	router.HandleFunc("/{ns:.*}/git-upload-pack", r.uploadPack).Methods(http.MethodPost)
	router.HandleFunc("/{ns:.*}/git-receive-pack", r.receivePack).Methods(http.MethodPost)
}
