package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndTail(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir, "")
	require.NoError(t, err)
	defer j.Close()

	j.Append(ConcernIncidents, "pan_in_chat", map[string]interface{}{"agent_id": "agent-1", "score": 100})
	j.Append(ConcernIncidents, "not_allowlisted", map[string]interface{}{"agent_id": "agent-2", "score": 80})

	entries, err := j.Tail(ConcernIncidents, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "pan_in_chat", entries[0]["event_type"])
	assert.Equal(t, "not_allowlisted", entries[1]["event_type"])
}

func TestTailRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir, "")
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 5; i++ {
		j.Append(ConcernGateway, "allow", map[string]interface{}{"i": i})
	}

	entries, err := j.Tail(ConcernGateway, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, float64(3), entries[0]["i"])
	assert.Equal(t, float64(4), entries[1]["i"])
}

func TestTailOnMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir, "")
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.Tail(ConcernControl, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTailFilteredFiltersByAgentAndEventType(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir, "")
	require.NoError(t, err)
	defer j.Close()

	j.Append(ConcernSessions, "invoke_allowed", map[string]interface{}{"agent_id": "agent-1"})
	j.Append(ConcernSessions, "firewall_blocked", map[string]interface{}{"agent_id": "agent-1"})
	j.Append(ConcernSessions, "invoke_allowed", map[string]interface{}{"agent_id": "agent-2"})

	entries, total, err := j.TailFiltered(ConcernSessions, SessionFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, entries, 2)

	entries, total, err = j.TailFiltered(ConcernSessions, SessionFilter{EventType: "invoke_allowed"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, entries, 2)
}

func TestTailFilteredOrdersNewestFirstAndPaginates(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir, "")
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 3; i++ {
		j.Append(ConcernSessions, "invoke_allowed", map[string]interface{}{"i": i})
	}

	entries, total, err := j.TailFiltered(ConcernSessions, SessionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, entries, 2)
	assert.Equal(t, float64(2), entries[0]["i"])
	assert.Equal(t, float64(1), entries[1]["i"])
}
