package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeguard/sentry/internal/agentadapter"
	"github.com/latticeguard/sentry/internal/capability"
)

type stubGateway struct{}

func (stubGateway) Proxy(ctx context.Context, agentID, url, method, purpose, body string) (agentadapter.ProxyResult, error) {
	return agentadapter.ProxyResult{Status: "ALLOW"}, nil
}

func (stubGateway) LLM(ctx context.Context, agentID, purpose, userText string) (string, error) {
	return "mock answer", nil
}

func testMinter() *capability.Minter {
	return capability.NewMinter(capability.Config{HMACSecret: "test-secret", TTL: 5 * time.Minute})
}

func testHandler(t *testing.T) *Handler {
	t.Helper()
	adapter := agentadapter.New(stubGateway{}, nil)
	return New(testMinter(), adapter)
}

func doRun(t *testing.T, h *Handler, bearer string, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/_internal/run", strings.NewReader(string(raw)))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.HandleRun()(rec, req)
	return rec
}

func TestHandleRunMissingToken(t *testing.T) {
	h := testHandler(t)
	rec := doRun(t, h, "", map[string]interface{}{"agent_id": "agent-1", "user_text": "hi"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "capability_invalid", resp["error"])
	assert.Equal(t, "missing_token", resp["reason"])
}

func TestHandleRunSubjectMismatch(t *testing.T) {
	h := testHandler(t)
	tok, err := h.Minter.Mint(capability.Grant{AgentID: "agent-1", Tools: []string{"chat"}})
	require.NoError(t, err)

	rec := doRun(t, h, tok, map[string]interface{}{"agent_id": "agent-2", "user_text": "hi"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "subject_mismatch", resp["reason"])
}

func TestHandleRunExpiredToken(t *testing.T) {
	m := capability.NewMinter(capability.Config{HMACSecret: "test-secret", TTL: -time.Minute})
	adapter := agentadapter.New(stubGateway{}, nil)
	h := New(m, adapter)

	tok, err := m.Mint(capability.Grant{AgentID: "agent-1"})
	require.NoError(t, err)

	rec := doRun(t, h, tok, map[string]interface{}{"agent_id": "agent-1", "user_text": "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "expired", resp["reason"])
}

func TestHandleRunToolNotPermitted(t *testing.T) {
	h := testHandler(t)
	tok, err := h.Minter.Mint(capability.Grant{AgentID: "agent-1", Tools: []string{}})
	require.NoError(t, err)

	rec := doRun(t, h, tok, map[string]interface{}{"agent_id": "agent-1", "user_text": "what's my account balance"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "tool_not_permitted", resp["error"])
	assert.Equal(t, "accounts.read", resp["tool"])
}

func TestHandleRunSuccessfulChat(t *testing.T) {
	h := testHandler(t)
	tok, err := h.Minter.Mint(capability.Grant{AgentID: "agent-1"})
	require.NoError(t, err)

	rec := doRun(t, h, tok, map[string]interface{}{"agent_id": "agent-1", "user_text": "what's the weather"})

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "mock answer", resp["answer"])
}
