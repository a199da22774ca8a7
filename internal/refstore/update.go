// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refstore

import (
	"context"
	"path"
	"strings"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
)

// UpdateOptions parameterize a CAS ref update.
type UpdateOptions struct {
	ExpectedOldSha gitobj.Hash
	HasExpected    bool
	Create         bool
	Force          bool
	Who            string
	Reason         string
	// ApprovalOK, when true, satisfies a requiredReviews>0 protection rule.
	// The caller (wire layer) is responsible for verifying the approval
	// token before setting this.
	ApprovalOK bool
}

// UpdateRef performs a CAS ref update, enforcing branch-protection rules and
// appending a reflog entry on success.
func (s *Store) UpdateRef(ctx context.Context, name string, newSha gitobj.Hash, opts UpdateOptions) error {
	lock := s.refLock(name)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetRef(ctx, name)
	if err != nil {
		return err
	}

	var oldSha gitobj.Hash
	if current != nil {
		if current.Type != RefSha {
			return cellerr.NewInvalid("%s is a symbolic ref, cannot CAS-update directly", name)
		}
		oldSha = gitobj.NewHash(current.Target)
	}

	if current == nil && !opts.Create {
		return cellerr.NewNotFound("ref %s does not exist", name)
	}
	if current != nil && opts.Create && !opts.Force {
		return cellerr.NewConflict("ref %s already exists", name)
	}
	if opts.HasExpected && current != nil && oldSha != opts.ExpectedOldSha {
		return cellerr.NewConflict("ref %s: expected %s, found %s", name, opts.ExpectedOldSha, oldSha)
	}
	if opts.HasExpected && current == nil && !opts.ExpectedOldSha.IsZero() {
		return cellerr.NewConflict("ref %s: expected %s, found none", name, opts.ExpectedOldSha)
	}

	if err := s.enforceProtection(ctx, name, oldSha, newSha, false, opts); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO refs(name, target, type, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET target=excluded.target, type=excluded.type, updated_at=excluded.updated_at`,
		name, newSha.String(), RefSha, nowMs()); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "write ref %s", name)
	}

	return s.appendReflog(ctx, name, oldSha, newSha, opts.Who, opts.Reason)
}

// DeleteRef removes name, subject to preventDeletion protection.
func (s *Store) DeleteRef(ctx context.Context, name string, who, reason string) error {
	lock := s.refLock(name)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetRef(ctx, name)
	if err != nil {
		return err
	}
	if current == nil {
		return cellerr.NewNotFound("ref %s does not exist", name)
	}
	var oldSha gitobj.Hash
	if current.Type == RefSha {
		oldSha = gitobj.NewHash(current.Target)
	}
	if err := s.enforceProtection(ctx, name, oldSha, gitobj.ZeroHash, true, UpdateOptions{Who: who, Reason: reason}); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refs WHERE name = ?`, name); err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "delete ref %s", name)
	}
	return s.appendReflog(ctx, name, oldSha, gitobj.ZeroHash, who, reason)
}

// ProtectionRule mirrors the branch_protection table.
type ProtectionRule struct {
	Pattern          string
	RequiredReviews  int
	PreventForcePush bool
	PreventDeletion  bool
	Enabled          bool
}

func (s *Store) matchingRule(ctx context.Context, name string) (*ProtectionRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pattern, required_reviews, prevent_force_push, prevent_deletion, enabled FROM branch_protection WHERE enabled = 1`)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "scan branch_protection")
	}
	defer rows.Close()
	var best *ProtectionRule
	for rows.Next() {
		var r ProtectionRule
		var forcePush, deletion, enabled int
		if err := rows.Scan(&r.Pattern, &r.RequiredReviews, &forcePush, &deletion, &enabled); err != nil {
			return nil, cellerr.Wrap(cellerr.KindIO, err, "scan branch_protection row")
		}
		r.PreventForcePush = forcePush != 0
		r.PreventDeletion = deletion != 0
		r.Enabled = enabled != 0
		if globMatch(r.Pattern, name) {
			// The longest pattern string wins as the highest-priority match.
			if best == nil || len(r.Pattern) > len(best.Pattern) {
				cp := r
				best = &cp
			}
		}
	}
	return best, nil
}

func (s *Store) enforceProtection(ctx context.Context, name string, oldSha, newSha gitobj.Hash, isDelete bool, opts UpdateOptions) error {
	rule, err := s.matchingRule(ctx, name)
	if err != nil || rule == nil {
		return err
	}
	if isDelete {
		if rule.PreventDeletion {
			return cellerr.NewProtected("ref %s is protected against deletion", name)
		}
		return nil
	}
	if rule.PreventForcePush && !oldSha.IsZero() {
		isAncestor, err := s.obj.IsAncestor(ctx, oldSha, newSha)
		if err != nil {
			return err
		}
		if !isAncestor {
			return cellerr.NewProtected("ref %s is protected against force-push", name)
		}
	}
	if rule.RequiredReviews > 0 && !opts.ApprovalOK {
		return cellerr.NewProtected("ref %s requires %d approval(s)", name, rule.RequiredReviews)
	}
	return nil
}

// globMatch implements the glob subset branch-protection patterns use:
// "*" matches any run of path segments, "?" matches one character.
func globMatch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	if err == nil && ok {
		return true
	}
	// path.Match's "*" does not cross "/"; branch-protection globs should,
	// so fall back to a simple prefix/suffix check around a single "*".
	if strings.Contains(pattern, "*") {
		parts := strings.SplitN(pattern, "*", 2)
		return strings.HasPrefix(name, parts[0]) && strings.HasSuffix(name, parts[1])
	}
	return pattern == name
}

// UpsertProtectionRule creates or updates a branch-protection rule.
func (s *Store) UpsertProtectionRule(ctx context.Context, r ProtectionRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branch_protection(pattern, required_reviews, prevent_force_push, prevent_deletion, enabled)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT(pattern) DO UPDATE SET required_reviews=excluded.required_reviews,
		   prevent_force_push=excluded.prevent_force_push, prevent_deletion=excluded.prevent_deletion, enabled=excluded.enabled`,
		r.Pattern, r.RequiredReviews, boolInt(r.PreventForcePush), boolInt(r.PreventDeletion), boolInt(r.Enabled))
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "upsert protection rule")
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
