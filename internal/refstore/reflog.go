// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refstore

import (
	"context"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

// ReflogEntry is one append-only row chained by oldSha==previous newSha.
type ReflogEntry struct {
	RefName string
	OldSha  string
	NewSha  string
	Who     string
	Reason  string
	At      int64
}

func (s *Store) appendReflog(ctx context.Context, refName string, oldSha, newSha gitobj.Hash, who, reason string) error {
	if who == "" {
		who = "unknown"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reflog(ref_name, old_sha, new_sha, who, reason, at) VALUES (?,?,?,?,?,?)`,
		refName, oldSha.String(), newSha.String(), who, reason, nowMs())
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "append reflog for %s", refName)
	}
	return nil
}

// Reflog returns the reflog entries for refName in chronological order,
// most recent limit entries only when limit > 0.
func (s *Store) Reflog(ctx context.Context, refName string, limit int) ([]ReflogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref_name, old_sha, new_sha, who, reason, at FROM reflog WHERE ref_name = ? ORDER BY id ASC`, refName)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "read reflog for %s", refName)
	}
	defer rows.Close()

	var out []ReflogEntry
	for rows.Next() {
		var e ReflogEntry
		if err := rows.Scan(&e.RefName, &e.OldSha, &e.NewSha, &e.Who, &e.Reason, &e.At); err != nil {
			return nil, cellerr.Wrap(cellerr.KindIO, err, "scan reflog row")
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
