package agentadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeguard/sentry/internal/capability"
)

type stubGateway struct {
	proxyResult ProxyResult
	proxyErr    error
	llmAnswer   string
	llmErr      error
	lastMethod  string
	lastURL     string
}

func (s *stubGateway) Proxy(ctx context.Context, agentID, url, method, purpose, body string) (ProxyResult, error) {
	s.lastURL = url
	s.lastMethod = method
	return s.proxyResult, s.proxyErr
}

func (s *stubGateway) LLM(ctx context.Context, agentID, purpose, userText string) (string, error) {
	return s.llmAnswer, s.llmErr
}

func claimsWithTools(tools ...string) *capability.Claims {
	return &capability.Claims{Tools: tools}
}

func TestRunFetchDeniedWithoutTool(t *testing.T) {
	gw := &stubGateway{}
	a := New(gw, nil)

	_, err := a.Run(context.Background(), claimsWithTools(), "agent-1", "test", "FETCH https://example.com/data")
	assert.Error(t, err)
}

func TestRunFetchAllowedUsesPostWhenBodyPresent(t *testing.T) {
	gw := &stubGateway{proxyResult: ProxyResult{Status: "ALLOW"}}
	a := New(gw, nil)

	resp, err := a.Run(context.Background(), claimsWithTools("http.fetch"), "agent-1", "test", "FETCH https://example.com/data with the secret")
	require.NoError(t, err)
	assert.Equal(t, "POST", gw.lastMethod)
	assert.Contains(t, resp.Answer, "completed successfully")
}

func TestRunFetchBlockedReportsReason(t *testing.T) {
	gw := &stubGateway{proxyResult: ProxyResult{Status: "BLOCK", Reason: "not_allowlisted"}}
	a := New(gw, nil)

	resp, err := a.Run(context.Background(), claimsWithTools("http.fetch"), "agent-1", "test", "FETCH https://evil.example/x")
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "not_allowlisted")
}

func TestRunAccountInquiryDeniedWithoutTool(t *testing.T) {
	gw := &stubGateway{}
	a := New(gw, nil)

	_, err := a.Run(context.Background(), claimsWithTools(), "agent-1", "test", "what's my account balance")
	assert.Error(t, err)
}

func TestRunAccountInquiryReturnsAccountData(t *testing.T) {
	gw := &stubGateway{proxyResult: ProxyResult{Status: "ALLOW"}}
	a := New(gw, nil)

	resp, err := a.Run(context.Background(), claimsWithTools("accounts.read"), "agent-1", "test", "what's my account balance")
	require.NoError(t, err)
	require.NotNil(t, resp.AccountData)
	assert.Equal(t, "****1234", resp.AccountData.Number)
}

func TestRunPaymentRejectsUnapprovedPayee(t *testing.T) {
	gw := &stubGateway{}
	a := New(gw, nil)

	resp, err := a.Run(context.Background(), claimsWithTools("payments.create"), "agent-1", "test", "Wire $500 to Totally Unknown Corp")
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "pre-approved")
}

func TestRunPaymentRejectsOverLimit(t *testing.T) {
	gw := &stubGateway{}
	claims := claimsWithTools("payments.create")
	claims.PaymentPolicy = &capability.PaymentPolicy{MaxAmount: 100, PreapprovedOnly: true}
	a := New(gw, nil)

	resp, err := a.Run(context.Background(), claims, "agent-1", "test", "Wire $500 to ACME LLC")
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "exceeds")
}

func TestRunPaymentSucceedsForPreapprovedPayee(t *testing.T) {
	gw := &stubGateway{proxyResult: ProxyResult{Status: "ALLOW"}}
	a := New(gw, nil)

	resp, err := a.Run(context.Background(), claimsWithTools("payments.create"), "agent-1", "test", "Wire $500 to ACME LLC")
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "processed successfully")
	assert.Equal(t, "https://payments.internal/transfers", gw.lastURL)
	assert.Equal(t, "POST", gw.lastMethod)
}

func TestRunPaylinkRequiresTool(t *testing.T) {
	gw := &stubGateway{}
	a := New(gw, nil)

	_, err := a.Run(context.Background(), claimsWithTools(), "agent-1", "test", "create a secure pay link for $100")
	assert.Error(t, err)
}

func TestRunChatFallsThroughToLLM(t *testing.T) {
	gw := &stubGateway{llmAnswer: "the weather is sunny"}
	a := New(gw, nil)

	resp, err := a.Run(context.Background(), claimsWithTools(), "agent-1", "test", "what's the weather")
	require.NoError(t, err)
	assert.Equal(t, "the weather is sunny", resp.Answer)
}
