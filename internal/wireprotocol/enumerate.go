// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package wireprotocol

import (
	"context"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

// ObjectReader is the narrow ObjectStore capability object enumeration
// needs: random access by sha plus the structured decoders.
type ObjectReader interface {
	HasObject(ctx context.Context, sha gitobj.Hash) (bool, error)
	GetObject(ctx context.Context, sha gitobj.Hash) ([]byte, error)
	GetCommit(ctx context.Context, sha gitobj.Hash) (*gitobj.Commit, error)
	GetTree(ctx context.Context, sha gitobj.Hash) ([]gitobj.TreeEntry, error)
}

// enumerateObjects walks every commit, tree, and blob reachable from wants
// but not from haves, returning them topologically loose (parents/trees
// visited before dependents is not required — PackEncode doesn't need
// ordering, only completeness).
func enumerateObjects(ctx context.Context, store ObjectReader, wants, haves []gitobj.Hash) ([]gitobj.Hash, error) {
	exclude := map[gitobj.Hash]bool{}
	for _, h := range haves {
		if err := walkCommitAncestry(ctx, store, h, exclude); err != nil {
			return nil, err
		}
	}

	visited := map[gitobj.Hash]bool{}
	var order []gitobj.Hash
	var walkCommit func(sha gitobj.Hash) error
	var walkTree func(sha gitobj.Hash) error

	walkTree = func(sha gitobj.Hash) error {
		if sha == gitobj.ZeroHash || visited[sha] || exclude[sha] {
			return nil
		}
		visited[sha] = true
		order = append(order, sha)
		entries, err := store.GetTree(ctx, sha)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Mode == gitobj.ModeDir {
				if err := walkTree(e.Hash); err != nil {
					return err
				}
				continue
			}
			if e.Mode == gitobj.ModeSubmodule {
				continue
			}
			if visited[e.Hash] || exclude[e.Hash] {
				continue
			}
			visited[e.Hash] = true
			order = append(order, e.Hash)
		}
		return nil
	}

	walkCommit = func(sha gitobj.Hash) error {
		if sha == gitobj.ZeroHash || visited[sha] || exclude[sha] {
			return nil
		}
		visited[sha] = true
		order = append(order, sha)
		c, err := store.GetCommit(ctx, sha)
		if err != nil {
			return err
		}
		if c == nil {
			return cellerr.NewNotFound("commit %s not found during enumeration", sha)
		}
		if err := walkTree(c.Tree); err != nil {
			return err
		}
		for _, p := range c.Parents {
			if err := walkCommit(p); err != nil {
				return err
			}
		}
		return nil
	}

	for _, w := range wants {
		if err := walkCommit(w); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// walkCommitAncestry marks sha and every ancestor reachable through commit
// parents as excluded from the enumeration — the "common" set a have
// advertises.
func walkCommitAncestry(ctx context.Context, store ObjectReader, sha gitobj.Hash, exclude map[gitobj.Hash]bool) error {
	if sha == gitobj.ZeroHash || exclude[sha] {
		return nil
	}
	ok, err := store.HasObject(ctx, sha)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	exclude[sha] = true
	c, err := store.GetCommit(ctx, sha)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	for _, p := range c.Parents {
		if err := walkCommitAncestry(ctx, store, p, exclude); err != nil {
			return err
		}
	}
	return nil
}
