package quarantine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAddContainsRemove(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.Contains(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Add(ctx, "agent-1"))
	ok, err = s.Contains(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Remove(ctx, "agent-1"))
	ok, err = s.Contains(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
