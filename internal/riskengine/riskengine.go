// Package riskengine scores an outbound request the egress gateway is
// about to make: deterministic network-policy and secret/PII rules
// composed with the behavioral baseline engine's anomaly score, then
// reduced to an action.
package riskengine

import (
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/latticeguard/sentry/internal/baseline"
	"github.com/latticeguard/sentry/internal/banking"
	"github.com/latticeguard/sentry/internal/firewall"
)

// Action is the gateway's final verdict for a proxy call.
type Action string

const (
	ActionAllow      Action = "ALLOW"
	ActionAllowWatch Action = "ALLOW+WATCH"
	ActionBlock      Action = "BLOCK"
	ActionQuarantine Action = "QUARANTINE"
)

var suspiciousTLDs = []string{".tk", ".ml", ".ga", ".cf", ".gq"}
var suspiciousVerbs = []string{"backup", "export", "dump", "exfiltrate", "leak"}

// NetworkPolicy is the domain allow/denylist configuration a
// deployment loads from config.
type NetworkPolicy struct {
	Mode      string // "deny_by_default" or "allow_by_default"
	Allowlist []string
	Denylist  []string
	EmailAPIs []string
}

// Request is everything the risk engine needs about one outbound
// call.
type Request struct {
	AgentID string
	URL     string
	Method  string
	Body    string
	Purpose string
	At      time.Time
}

// Decision is the engine's scored verdict.
type Decision struct {
	Score   int
	Reasons []string
	Action  Action
	Forced  bool
}

// Engine composes deterministic rule scoring with a baseline.Store.
type Engine struct {
	policy  NetworkPolicy
	banking bool
	base    *baseline.Store
}

// New builds an Engine. banking selects the heavier banking-profile
// weights and base64/oversized-blob penalties.
func New(policy NetworkPolicy, bankingMode bool, base *baseline.Store) *Engine {
	return &Engine{policy: policy, banking: bankingMode, base: base}
}

// Score runs the full decision pipeline for req, excluding the
// quarantine short-circuit and upstream execution, which the gateway
// handler performs around this call.
func (e *Engine) Score(req Request) Decision {
	domain := extractDomain(req.URL)

	// Forced-100 rules dominate: once one fires, stop accumulating.
	if hasSecretPattern(req.Body) {
		return Decision{Score: 100, Reasons: []string{"secret_pattern"}, Action: ActionQuarantine, Forced: true}
	}
	if reasons := sensitivePIIReasons(req.Body); len(reasons) > 0 {
		return Decision{Score: 100, Reasons: reasons, Action: ActionQuarantine, Forced: true}
	}

	var score int
	var reasons []string

	decision, reason := e.checkDomainPolicy(domain)
	if decision == "BLOCK" {
		switch {
		case strings.HasPrefix(reason, "denylisted_domain"):
			score += 70
		case strings.HasPrefix(reason, "not_allowlisted"):
			score += 80
		case strings.HasPrefix(reason, "email_api_blocked"):
			score += 75
		}
		reasons = append(reasons, reason)
	}

	if hasSuspiciousTLD(domain) {
		score += 15
		reasons = append(reasons, "suspicious_tld")
	}

	if firewall.ContainsBase64Blob(req.Body) {
		if e.banking {
			score += 25
		} else {
			score += 15
		}
		reasons = append(reasons, "encoded_blob_detected")
	}

	if len(req.Body) > 100000 {
		score += 20
		reasons = append(reasons, "oversized_body")
	}
	if req.Method == "GET" && len(req.Body) > 100 {
		score += 10
		reasons = append(reasons, "get_with_large_body")
	}
	if isPrivateOrLoopback(domain) {
		score += 25
		reasons = append(reasons, "private_destination")
	}
	if hasSuspiciousVerb(req.Purpose) {
		score += 10
		reasons = append(reasons, "suspicious_purpose")
	}

	if e.base != nil {
		result := e.base.Observe(req.AgentID, domain, req.Method, len(req.Body), req.At)
		score += result.Score
		reasons = append(reasons, result.Reasons...)
	}

	if score > 100 {
		score = 100
	}

	return Decision{Score: score, Reasons: reasons, Action: selectAction(score)}
}

func selectAction(score int) Action {
	switch {
	case score >= 80:
		return ActionQuarantine
	case score >= 60:
		return ActionBlock
	case score >= 40:
		return ActionAllowWatch
	default:
		return ActionAllow
	}
}

func (e *Engine) checkDomainPolicy(domain string) (string, string) {
	for _, d := range e.policy.Denylist {
		if domain == d {
			return "BLOCK", "denylisted_domain:" + domain
		}
	}
	for _, d := range e.policy.EmailAPIs {
		if domain == d {
			return "BLOCK", "email_api_blocked:" + domain
		}
	}
	if e.policy.Mode == "allow_by_default" {
		return "ALLOW", "default_allow"
	}
	for _, d := range e.policy.Allowlist {
		if domain == d {
			return "ALLOW", "allowlisted_domain:" + domain
		}
	}
	return "BLOCK", "not_allowlisted:" + domain
}

func extractDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func hasSuspiciousTLD(domain string) bool {
	for _, tld := range suspiciousTLDs {
		if strings.HasSuffix(domain, tld) {
			return true
		}
	}
	return false
}

func hasSuspiciousVerb(purpose string) bool {
	lower := strings.ToLower(purpose)
	for _, v := range suspiciousVerbs {
		if strings.Contains(lower, v) {
			return true
		}
	}
	return false
}

func isPrivateOrLoopback(domain string) bool {
	ip := net.ParseIP(domain)
	if ip == nil {
		return domain == "localhost"
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

func hasSecretPattern(body string) bool {
	_, kinds := firewall.RedactSecrets(body)
	return len(kinds) > 0
}

func sensitivePIIReasons(body string) []string {
	var reasons []string
	if len(banking.DetectPANs(body)) > 0 {
		reasons = append(reasons, "pii_match_pan")
	}
	if len(banking.DetectSSNs(body)) > 0 {
		reasons = append(reasons, "pii_match_ssn")
	}
	if len(banking.DetectIBANs(body)) > 0 {
		reasons = append(reasons, "pii_match_iban")
	}
	if banking.DetectPrivateKeys(body) > 0 {
		reasons = append(reasons, "pii_match_privkey")
	}
	return reasons
}
