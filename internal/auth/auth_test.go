package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/model"
)

func testAgent() model.Agent {
	return model.Agent{
		ID:   uuid.New(),
		Slug: "support-bot",
		Role: model.RoleAgent,
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	agent := testAgent()
	token, exp, err := mgr.IssueToken(agent)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, agent.ID.String(), claims.Subject)
	assert.Equal(t, "support-bot", claims.AgentSlug)
	assert.Equal(t, model.RoleAgent, claims.Role)
	assert.Equal(t, "shiki", claims.Issuer)
}

func TestValidateTokenRejectsForeignKey(t *testing.T) {
	mgr1, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	mgr2, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr1.IssueToken(testAgent())
	require.NoError(t, err)

	_, err = mgr2.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	mgr, err := NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(testAgent())
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, err = mgr.ValidateToken("not-a-jwt")
	assert.Error(t, err)
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("sk-test-123")
	require.NoError(t, err)

	ok, err := VerifyAPIKey("sk-test-123", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("sk-wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashAPIKeyIsSalted(t *testing.T) {
	h1, err := HashAPIKey("same-key")
	require.NoError(t, err)
	h2, err := HashAPIKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerifyAPIKeyMalformedHash(t *testing.T) {
	_, err := VerifyAPIKey("key", "no-dollar-sign")
	assert.Error(t, err)
}
