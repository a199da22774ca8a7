// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"context"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

// maxAncestryWalk bounds the commit-parent walk IsAncestor performs, so a
// pathological history can't turn a ref update into an unbounded scan.
const maxAncestryWalk = 100000

// IsAncestor reports whether ancestor is reachable from descendant by
// walking commit parent links. It satisfies refstore.Ancestry, which
// branch-protection's preventForcePush rule uses to tell a fast-forward
// from a force-push.
func (s *Store) IsAncestor(ctx context.Context, ancestor, descendant gitobj.Hash) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	if ancestor.IsZero() {
		return true, nil
	}
	if descendant.IsZero() {
		return false, nil
	}

	visited := map[gitobj.Hash]bool{descendant: true}
	queue := []gitobj.Hash{descendant}

	for steps := 0; len(queue) > 0; steps++ {
		if steps >= maxAncestryWalk {
			return false, cellerr.NewInternal("ancestry walk exceeded %d commits", maxAncestryWalk)
		}
		cur := queue[0]
		queue = queue[1:]

		c, err := s.GetCommit(ctx, cur)
		if err != nil {
			return false, err
		}
		if c == nil {
			continue
		}
		for _, p := range c.Parents {
			if p == ancestor {
				return true, nil
			}
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}
