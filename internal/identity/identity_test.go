package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	req := require.New(t)
	svc := NewTokenService("test-secret-please-rotate", time.Hour)

	token, err := svc.Issue(Identity{UserID: "u1", DisplayName: "alice"})
	req.NoError(err)
	req.NotEmpty(token)

	id, err := svc.Verify(token)
	req.NoError(err)
	req.Equal("u1", id.UserID)
	req.Equal("alice", id.DisplayName)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	req := require.New(t)
	issuer := NewTokenService("secret-a", time.Hour)
	verifier := NewTokenService("secret-b", time.Hour)

	token, err := issuer.Issue(Identity{UserID: "u1", DisplayName: "alice"})
	req.NoError(err)

	_, err = verifier.Verify(token)
	req.ErrorIs(err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	req := require.New(t)
	svc := NewTokenService("test-secret", -time.Minute)

	token, err := svc.Issue(Identity{UserID: "u1", DisplayName: "alice"})
	req.NoError(err)

	_, err = svc.Verify(token)
	req.ErrorIs(err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	req := require.New(t)
	svc := NewTokenService("test-secret", time.Hour)

	_, err := svc.Verify("not-a-token")
	req.ErrorIs(err, ErrInvalidToken)

	_, err = svc.Verify("")
	req.ErrorIs(err, ErrInvalidToken)
}
