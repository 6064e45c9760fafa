// Package agentadapter implements the agent-side request handler: it
// parses a user utterance into an intent, checks the intent's required
// tool against the capability token, and dispatches to the gateway's
// /proxy or /llm endpoint.
package agentadapter

import (
	"regexp"
	"strconv"
	"strings"
)

// Intent identifies what an agent request is trying to do.
type Intent string

const (
	IntentFetch          Intent = "fetch"
	IntentAccountInquiry Intent = "account_inquiry"
	IntentPayment        Intent = "payment"
	IntentPaylink        Intent = "paylink"
	IntentChat           Intent = "chat"
)

var (
	fetchURLPattern  = regexp.MustCompile(`(?i)FETCH\s+(https?://\S+)`)
	anyURLPattern    = regexp.MustCompile(`https?://\S+`)
	fetchBodyPattern = regexp.MustCompile(`(?i)with\s+(.+)`)
	amountPattern    = regexp.MustCompile(`\$([0-9,]+(?:\.[0-9]{2})?)`)
	payeePattern     = regexp.MustCompile(`(?i)to\s+([A-Z][A-Z\s&.,]+?)(?:\s|$|[^A-Za-z])`)

	fetchKeywords   = []string{"export", "fetch", "send to", "upload to"}
	accountKeywords = []string{"balance", "account", "transactions", "statement"}
	paymentKeywords = []string{"wire", "transfer", "send money", "pay"}
)

// ParsedRequest is the result of classifying a user utterance.
type ParsedRequest struct {
	Intent      Intent
	FetchURL    string
	FetchBody   string
	Amount      float64
	HasAmount   bool
	PayeeName   string
	WantsDetail bool // account request included "transactions" or "statement"
}

// Classify determines the intent behind userText. Fetch/export
// requests take priority over account queries, matching the order a
// human operator would want to audit first: data exfiltration before
// account browsing.
func Classify(userText string) ParsedRequest {
	lower := strings.ToLower(userText)

	if url, body, ok := matchFetch(userText, lower); ok {
		return ParsedRequest{Intent: IntentFetch, FetchURL: url, FetchBody: body}
	}

	if containsAny(lower, accountKeywords) {
		return ParsedRequest{
			Intent:      IntentAccountInquiry,
			WantsDetail: strings.Contains(lower, "transactions") || strings.Contains(lower, "statement"),
		}
	}

	if containsAny(lower, paymentKeywords) {
		amount, hasAmount := extractAmount(userText)
		payee := extractPayee(userText)
		return ParsedRequest{Intent: IntentPayment, Amount: amount, HasAmount: hasAmount, PayeeName: payee}
	}

	if strings.Contains(lower, "secure pay") || strings.Contains(lower, "payment link") {
		amount, hasAmount := extractAmount(userText)
		return ParsedRequest{Intent: IntentPaylink, Amount: amount, HasAmount: hasAmount}
	}

	return ParsedRequest{Intent: IntentChat}
}

func matchFetch(userText, lower string) (url, body string, ok bool) {
	if m := fetchURLPattern.FindStringSubmatch(userText); m != nil {
		url = m[1]
	} else if containsAny(lower, fetchKeywords) {
		if m := anyURLPattern.FindString(userText); m != "" {
			url = m
		}
	}
	if url == "" {
		return "", "", false
	}
	if m := fetchBodyPattern.FindStringSubmatch(userText); m != nil {
		body = m[1]
	}
	return url, body, true
}

func extractAmount(userText string) (float64, bool) {
	m := amountPattern.FindStringSubmatch(userText)
	if m == nil {
		return 0, false
	}
	amount, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return amount, true
}

func extractPayee(userText string) string {
	m := payeePattern.FindStringSubmatch(userText)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
