// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	secret := []byte("test-signing-key")
	issuer := NewIssuer(secret, time.Minute)
	verifier := NewVerifier(secret)

	tok, err := issuer.Issue("refs/heads/release", "deadbeef", "alice")
	require.NoError(t, err)
	require.True(t, verifier.Verify(tok, "refs/heads/release", "deadbeef"))
}

func TestVerifyRejectsMismatchedRef(t *testing.T) {
	secret := []byte("test-signing-key")
	issuer := NewIssuer(secret, time.Minute)
	verifier := NewVerifier(secret)

	tok, err := issuer.Issue("refs/heads/release", "deadbeef", "alice")
	require.NoError(t, err)
	require.False(t, verifier.Verify(tok, "refs/heads/main", "deadbeef"))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewIssuer([]byte("secret-a"), time.Minute)
	verifier := NewVerifier([]byte("secret-b"))

	tok, err := issuer.Issue("refs/heads/release", "deadbeef", "alice")
	require.NoError(t, err)
	require.False(t, verifier.Verify(tok, "refs/heads/release", "deadbeef"))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-signing-key")
	verifier := NewVerifier(secret)

	expired := time.Now().Add(-time.Minute)
	claims := Claims{
		Ref: "refs/heads/release", Sha: "deadbeef", Reviewer: "alice",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expired)},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	require.False(t, verifier.Verify(tok, "refs/heads/release", "deadbeef"))
}

func TestIssueValidatedRequiresReviewer(t *testing.T) {
	issuer := NewIssuer([]byte("k"), time.Minute)
	_, err := issuer.IssueValidated("refs/heads/main", "deadbeef", "")
	require.Error(t, err)
}
