// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package approval verifies the ApprovalToken a push's wire-protocol
// capability line carries to satisfy a branch protection rule's
// requiredReviews gate (RefStore's UpdateOptions.ApprovalOK).
package approval

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/repocell/cell/internal/cellerr"
)

// Claims is an ApprovalToken's payload: {ref, sha, reviewer, exp}.
type Claims struct {
	Ref      string `json:"ref"`
	Sha      string `json:"sha"`
	Reviewer string `json:"reviewer"`
	jwt.RegisteredClaims
}

// Verifier checks ApprovalTokens signed with a single HS256 secret — the
// cell's configured JWT signing key (CellConfig.Auth.ApprovalSigningKey).
type Verifier struct {
	secret []byte
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses token and reports whether it approves ref at the given
// sha. An expired, malformed, or mis-signed token is never an error the
// caller must branch on separately — it simply does not satisfy the gate,
// matching RefStore's ApprovalOK boolean contract.
func (v *Verifier) Verify(token, ref, sha string) bool {
	if token == "" {
		return false
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return v.secret, nil
	})
	if err != nil {
		return false
	}
	return claims.Ref == ref && claims.Sha == sha
}

// Issuer mints ApprovalTokens; used by tests and by any trusted review
// front-end the cell's operator wires in front of the wire protocol.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: secret, ttl: ttl}
}

func (i *Issuer) Issue(ref, sha, reviewer string) (string, error) {
	now := time.Now()
	claims := Claims{
		Ref:      ref,
		Sha:      sha,
		Reviewer: reviewer,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := t.SignedString(i.secret)
	if err != nil {
		return "", cellerr.Wrap(cellerr.KindInternal, err, "sign approval token")
	}
	return s, nil
}

var errNoReviewer = errors.New("approval: reviewer identity required")

func (i *Issuer) IssueValidated(ref, sha, reviewer string) (string, error) {
	if reviewer == "" {
		return "", errNoReviewer
	}
	return i.Issue(ref, sha, reviewer)
}
