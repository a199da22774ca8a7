// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package bulkstore defines the BulkStore capability the storage engine
// consumes for its warm/cold/segment tiers, and an S3-backed implementation.
package bulkstore

import (
	"context"
	"io"
)

// Object is a fetched bulk-storage object: its bytes plus the metadata the
// warm tier needs to recover the object's type without a side lookup.
type Object struct {
	Body io.ReadCloser
	Size int64
	Meta map[string]string
}

// ListResult is one page of a prefix listing.
type ListResult struct {
	Keys      []string
	Truncated bool
	Cursor    string
}

// ListOptions bounds a listing to one prefix, page size, and resume cursor.
type ListOptions struct {
	Prefix string
	Limit  int
	Cursor string
}

// Store is the external capability the engine treats as an opaque,
// untrusted object store: get/put/delete/list/head, all keyed by a
// caller-chosen deterministic string so retried writes are idempotent.
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, meta map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	List(ctx context.Context, opts ListOptions) (*ListResult, error)
	Head(ctx context.Context, key string) (*Object, error)
}

// IsNotFound reports whether err represents a missing-key response from a
// Store implementation.
func IsNotFound(err error) bool {
	type notFounder interface{ NotFound() bool }
	if nf, ok := err.(notFounder); ok {
		return nf.NotFound()
	}
	return false
}
