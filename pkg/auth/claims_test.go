package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasRole(t *testing.T) {
	claims := &Claims{Roles: []string{"operator", "auditor"}}
	assert.True(t, claims.HasRole("operator"))
	assert.True(t, claims.HasRole("auditor"))
	assert.False(t, claims.HasRole("admin"))

	empty := &Claims{}
	assert.False(t, empty.HasRole("operator"))
}

func TestAgentFromContext(t *testing.T) {
	t.Run("extracts agent and user IDs", func(t *testing.T) {
		agentID := uuid.New()
		ctx := context.WithValue(context.Background(), ClaimsKey, &Claims{
			AgentID: agentID.String(),
			UserID:  "user-1",
		})

		gotAgent, gotUser, err := AgentFromContext(ctx)
		require.NoError(t, err)
		assert.Equal(t, agentID, gotAgent)
		assert.Equal(t, "user-1", gotUser)
	})

	t.Run("fails without claims", func(t *testing.T) {
		_, _, err := AgentFromContext(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authentication required")
	})

	t.Run("fails without an agent ID", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), ClaimsKey, &Claims{UserID: "user-1"})
		_, _, err := AgentFromContext(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing agent ID")
	})

	t.Run("fails on a malformed agent ID", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), ClaimsKey, &Claims{AgentID: "not-a-uuid"})
		_, _, err := AgentFromContext(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid agent ID")
	})
}
