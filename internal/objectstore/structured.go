// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"context"

	"github.com/repocell/cell/internal/gitobj"
)

func (s *Store) PutTree(ctx context.Context, entries []gitobj.TreeEntry) (gitobj.Hash, error) {
	payload, err := gitobj.EncodeTreeEntries(entries)
	if err != nil {
		return gitobj.ZeroHash, err
	}
	return s.PutObject(ctx, gitobj.TreeObject, payload)
}

func (s *Store) PutCommit(ctx context.Context, c *gitobj.Commit) (gitobj.Hash, error) {
	return s.PutObject(ctx, gitobj.CommitObject, gitobj.EncodeCommit(c))
}

func (s *Store) PutTag(ctx context.Context, t *gitobj.Tag) (gitobj.Hash, error) {
	return s.PutObject(ctx, gitobj.TagObject, gitobj.EncodeTag(t))
}

// GetBlob fetches raw content; returns nil if missing.
func (s *Store) GetBlob(ctx context.Context, sha gitobj.Hash) ([]byte, error) {
	return s.GetObject(ctx, sha)
}

// GetTree fetches and decodes a tree; returns nil on missing or type
// mismatch, never an error for those cases.
func (s *Store) GetTree(ctx context.Context, sha gitobj.Hash) ([]gitobj.TreeEntry, error) {
	payload, err := s.GetObject(ctx, sha)
	if err != nil || payload == nil {
		return nil, err
	}
	entries, err := gitobj.DecodeTree(payload)
	if err != nil {
		return nil, nil
	}
	return entries, nil
}

func (s *Store) GetCommit(ctx context.Context, sha gitobj.Hash) (*gitobj.Commit, error) {
	payload, err := s.GetObject(ctx, sha)
	if err != nil || payload == nil {
		return nil, err
	}
	c, err := gitobj.DecodeCommit(payload)
	if err != nil {
		return nil, nil
	}
	return c, nil
}

func (s *Store) GetTag(ctx context.Context, sha gitobj.Hash) (*gitobj.Tag, error) {
	payload, err := s.GetObject(ctx, sha)
	if err != nil || payload == nil {
		return nil, err
	}
	t, err := gitobj.DecodeTag(payload)
	if err != nil {
		return nil, nil
	}
	return t, nil
}
