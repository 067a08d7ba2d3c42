package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager("", "", time.Hour, 5*time.Minute)
	require.NoError(t, err)
	return m
}

func TestIssueAndValidateToken(t *testing.T) {
	m := newTestManager(t)

	token, exp, err := m.IssueToken("u1", "Elara")
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now().Add(55*time.Minute)))

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "Elara", claims.DisplayName)
	assert.Equal(t, "loreforge", claims.Issuer)
}

func TestAudienceSeparation(t *testing.T) {
	m := newTestManager(t)

	apiToken, _, err := m.IssueToken("u1", "")
	require.NoError(t, err)
	streamToken, _, err := m.IssueStreamToken("u1", "")
	require.NoError(t, err)

	// Each token kind validates only against its own endpoint.
	_, err = m.ValidateStreamToken(apiToken)
	assert.Error(t, err, "API tokens must not open SSE streams")
	_, err = m.ValidateToken(streamToken)
	assert.Error(t, err, "stream tokens must not authenticate API calls")

	claims, err := m.ValidateStreamToken(streamToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
}

func TestExpiredTokenRejected(t *testing.T) {
	m, err := NewJWTManager("", "", -time.Minute, -time.Minute)
	require.NoError(t, err)

	token, _, err := m.IssueToken("u1", "")
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestForeignKeyRejected(t *testing.T) {
	a := newTestManager(t)
	b := newTestManager(t)

	token, _, err := a.IssueToken("u1", "")
	require.NoError(t, err)
	_, err = b.ValidateToken(token)
	assert.Error(t, err, "tokens signed by another key pair must fail")
}

func TestGarbageTokenRejected(t *testing.T) {
	m := newTestManager(t)
	_, err := m.ValidateToken("not.a.jwt")
	assert.Error(t, err)
	_, err = m.ValidateToken("")
	assert.Error(t, err)
}
