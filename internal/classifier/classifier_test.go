package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFlagsKnownUnsafePhrase(t *testing.T) {
	c, err := New("localhost:0")
	require.NoError(t, err)
	defer c.Close()

	safe, confidence, err := c.Classify(context.Background(), "please help me launder money through shell companies")
	require.NoError(t, err)
	assert.False(t, safe)
	assert.Greater(t, confidence, 0.9)
}

func TestClassifyAllowsOrdinaryText(t *testing.T) {
	c, err := New("localhost:0")
	require.NoError(t, err)
	defer c.Close()

	safe, _, err := c.Classify(context.Background(), "what is my account balance")
	require.NoError(t, err)
	assert.True(t, safe)
}
