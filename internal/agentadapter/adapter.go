package agentadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/latticeguard/sentry/internal/capability"
)

// ProxyResult mirrors the gateway's /proxy response shape.
type ProxyResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Score  int    `json:"score,omitempty"`
}

// Response is returned to the caller of Run.
type Response struct {
	Answer         string       `json:"answer"`
	FetchDecision  *ProxyResult `json:"fetch_decision,omitempty"`
	PaymentResult  *ProxyResult `json:"payment_result,omitempty"`
	AccountData    *Account     `json:"account_data,omitempty"`
	ProcessingTime time.Duration
}

// GatewayClient calls the gateway's egress endpoints. A real HTTP
// client is the default implementation; tests supply a stub.
type GatewayClient interface {
	Proxy(ctx context.Context, agentID, url, method, purpose, body string) (ProxyResult, error)
	LLM(ctx context.Context, agentID, purpose, userText string) (string, error)
}

// HTTPGatewayClient is the default GatewayClient, posting JSON to the
// gateway's /proxy and /llm endpoints.
type HTTPGatewayClient struct {
	BaseURL string
	client  *http.Client
}

// NewHTTPGatewayClient builds a client against baseURL (e.g.
// "http://gateway:9000").
func NewHTTPGatewayClient(baseURL string) *HTTPGatewayClient {
	return &HTTPGatewayClient{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPGatewayClient) Proxy(ctx context.Context, agentID, url, method, purpose, body string) (ProxyResult, error) {
	reqBody, err := json.Marshal(map[string]string{
		"agent_id": agentID,
		"url":      url,
		"method":   method,
		"body":     body,
		"purpose":  purpose,
	})
	if err != nil {
		return ProxyResult{}, fmt.Errorf("marshal proxy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/proxy", bytes.NewReader(reqBody))
	if err != nil {
		return ProxyResult{}, fmt.Errorf("build proxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return ProxyResult{Status: "ERROR", Reason: fmt.Sprintf("gateway proxy call failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	var result ProxyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ProxyResult{Status: "ERROR", Reason: fmt.Sprintf("gateway proxy response undecodable: %v", err)}, nil
	}
	return result, nil
}

func (c *HTTPGatewayClient) LLM(ctx context.Context, agentID, purpose, userText string) (string, error) {
	reqBody, err := json.Marshal(map[string]string{
		"agent_id":  agentID,
		"purpose":   purpose,
		"user_text": userText,
	})
	if err != nil {
		return "", fmt.Errorf("marshal llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/llm/claude", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Sprintf("LLM call failed: %v", err), nil
	}
	defer resp.Body.Close()

	var result struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "No response from LLM", nil
	}
	if result.Answer == "" {
		return "No response from LLM", nil
	}
	return result.Answer, nil
}

// Adapter parses an agent request's user text, gates it against the
// capability token, and dispatches the resulting operation to the
// gateway.
type Adapter struct {
	gateway GatewayClient
	payees  map[string]Payee
}

// New builds an Adapter. A nil payees map uses the built-in demo
// pre-approved payee list.
func New(gateway GatewayClient, payees map[string]Payee) *Adapter {
	if payees == nil {
		payees = defaultPayees
	}
	return &Adapter{gateway: gateway, payees: payees}
}

// Run executes one agent turn: classify the utterance, enforce the
// capability token's tool grants, and call the gateway.
func (a *Adapter) Run(ctx context.Context, claims *capability.Claims, agentID, purpose, userText string) (Response, error) {
	start := time.Now()
	parsed := Classify(userText)

	var resp Response
	var err error
	switch parsed.Intent {
	case IntentFetch:
		resp, err = a.runFetch(ctx, claims, agentID, purpose, parsed)
	case IntentAccountInquiry:
		resp, err = a.runAccountInquiry(ctx, claims, agentID, parsed)
	case IntentPayment:
		resp, err = a.runPayment(ctx, claims, agentID, parsed)
	case IntentPaylink:
		resp, err = a.runPaylink(ctx, claims, agentID, parsed)
	default:
		resp, err = a.runChat(ctx, agentID, purpose, userText)
	}
	if err != nil {
		return Response{}, err
	}

	resp.ProcessingTime = time.Since(start)
	return resp, nil
}

func errToolNotGranted(tool string) error {
	return fmt.Errorf("tool %q not granted by capability token", tool)
}

func (a *Adapter) runFetch(ctx context.Context, claims *capability.Claims, agentID, purpose string, parsed ParsedRequest) (Response, error) {
	if !claims.HasTool("http.fetch") {
		return Response{}, errToolNotGranted("http.fetch")
	}

	// The original forwarded every fetch as a hardcoded GET even when
	// the utterance carried a body (an export/upload instruction
	// reads as POST semantics), which let the gateway's GET-with-body
	// heuristic miss it entirely. Forward POST whenever a body is
	// present.
	method := http.MethodGet
	if parsed.FetchBody != "" {
		method = http.MethodPost
	}

	result, err := a.gateway.Proxy(ctx, agentID, parsed.FetchURL, method, purpose, parsed.FetchBody)
	if err != nil {
		return Response{}, err
	}

	answer := "External request completed successfully."
	if result.Status != "ALLOW" {
		reason := result.Reason
		if reason == "" {
			reason = "security policy violation"
		}
		answer = fmt.Sprintf("External request blocked: %s", reason)
	}
	return Response{Answer: answer, FetchDecision: &result}, nil
}

func (a *Adapter) runAccountInquiry(ctx context.Context, claims *capability.Claims, agentID string, parsed ParsedRequest) (Response, error) {
	if !claims.HasTool("accounts.read") {
		return Response{}, errToolNotGranted("accounts.read")
	}

	result, err := a.gateway.Proxy(ctx, agentID, "https://core-banking.internal/accounts/summary", http.MethodGet, "account_inquiry", "")
	if err != nil {
		return Response{}, err
	}
	if result.Status != "ALLOW" {
		return Response{Answer: "Unable to access account information at this time."}, nil
	}

	account := MockAccount()
	if parsed.WantsDetail {
		txns := MockTransactions()
		answer := fmt.Sprintf("Here's your account summary:\n\nAccount: %s\nAvailable Balance: %s\n\n%s",
			account.Number, FormatBalance(account.AvailableBalance, account.Currency), FormatTransactions(txns))
		return Response{Answer: answer, AccountData: &account}, nil
	}

	answer := fmt.Sprintf("Your current available balance is %s. Account ending in %s has a total balance of $%.2f.",
		FormatBalance(account.AvailableBalance, account.Currency), account.Number[len(account.Number)-4:], account.Balance)
	return Response{Answer: answer, AccountData: &account}, nil
}

func (a *Adapter) runPayment(ctx context.Context, claims *capability.Claims, agentID string, parsed ParsedRequest) (Response, error) {
	if !claims.HasTool("payments.create") {
		return Response{}, errToolNotGranted("payments.create")
	}
	if !parsed.HasAmount || parsed.PayeeName == "" {
		return Response{Answer: "I need both an amount and payee name to process a payment. For example: 'Wire $500 to ACME LLC'"}, nil
	}

	validation := ValidatePayment(parsed.Amount, parsed.PayeeName, claims, a.payees)
	if !validation.Valid {
		return Response{Answer: paymentRejectionMessage(parsed.Amount, parsed.PayeeName, validation.Reasons)}, nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"amount":     parsed.Amount,
		"payee_id":   validation.Payee.ID,
		"payee_name": validation.Payee.Name,
		"currency":   "USD",
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal payment body: %w", err)
	}

	result, err := a.gateway.Proxy(ctx, agentID, "https://payments.internal/transfers", http.MethodPost, "payment_create", string(body))
	if err != nil {
		return Response{}, err
	}

	if result.Status != "ALLOW" {
		reason := result.Reason
		if reason == "" {
			reason = "unknown error"
		}
		return Response{Answer: fmt.Sprintf("Payment could not be processed. Reason: %s", reason), PaymentResult: &result}, nil
	}

	answer := fmt.Sprintf("Payment of $%.2f to %s has been processed successfully.", parsed.Amount, validation.Payee.Name)
	return Response{Answer: answer, PaymentResult: &result}, nil
}

func paymentRejectionMessage(amount float64, payeeName string, reasons []string) string {
	for _, r := range reasons {
		switch {
		case r == "payments_not_permitted":
			return "Payment creation is not permitted for this agent."
		case hasPrefix(r, "amount_exceeds_limit"):
			return fmt.Sprintf("Payment amount $%.2f exceeds the configured limit. Please use online banking for larger transfers.", amount)
		case r == "payee_not_preapproved":
			return fmt.Sprintf("%q is not in your pre-approved payee list. Please add them through online banking first.", payeeName)
		}
	}
	return "Payment cannot be processed."
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (a *Adapter) runPaylink(ctx context.Context, claims *capability.Claims, agentID string, parsed ParsedRequest) (Response, error) {
	if !claims.HasTool("secure_paylink.create") {
		return Response{}, errToolNotGranted("secure_paylink.create")
	}
	if !parsed.HasAmount {
		return Response{Answer: "Please specify an amount for the secure payment link. For example: 'Create a secure pay link for $100'"}, nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"amount":      parsed.Amount,
		"description": "Customer payment request",
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal paylink body: %w", err)
	}

	result, err := a.gateway.Proxy(ctx, agentID, "https://payments.internal/paylinks", http.MethodPost, "paylink_create", string(body))
	if err != nil {
		return Response{}, err
	}
	if result.Status != "ALLOW" {
		return Response{Answer: "Unable to create secure payment link at this time."}, nil
	}

	link := GeneratePaylink(parsed.Amount, "Customer payment request")
	answer := fmt.Sprintf("I've created a secure payment link for $%.2f. Link: %s (expires in %s)", parsed.Amount, link.URL, link.ExpiresIn)
	return Response{Answer: answer}, nil
}

func (a *Adapter) runChat(ctx context.Context, agentID, purpose, userText string) (Response, error) {
	answer, err := a.gateway.LLM(ctx, agentID, purpose, userText)
	if err != nil {
		return Response{}, err
	}
	return Response{Answer: answer}, nil
}
