// Package banking implements the banking-profile detectors: Luhn
// validation, PAN/CVV/SSN/IBAN/API-key/private-key detection, and the
// masking rules used to redact matches before they reach a journal or
// an LLM.
package banking

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	panFormatted  = regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{1,4}\b`)
	panContinuous = regexp.MustCompile(`\b\d{13,19}\b`)

	cvvPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bcvv\s*:?\s*(\d{3,4})\b`),
		regexp.MustCompile(`(?i)\bcvc\s*:?\s*(\d{3,4})\b`),
		regexp.MustCompile(`(?i)\bsecurity\s+code\s*:?\s*(\d{3,4})\b`),
	}

	ssnFormatted  = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	ssnContinuous = regexp.MustCompile(`\b\d{9}\b`)

	ibanPattern = regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{4,30}\b`)

	apiKeyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|token|secret)["\s]*[:=]["\s]*([a-zA-Z0-9_-]{20,})`),
		regexp.MustCompile(`\bsk-[a-zA-Z0-9]{20,}\b`),
		regexp.MustCompile(`\bpk_[a-zA-Z0-9]{20,}\b`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\bghp_[a-zA-Z0-9]{36}\b`),
	}

	privateKeyPattern = regexp.MustCompile(`(?s)-----BEGIN (?:RSA )?(?:PRIVATE KEY|CERTIFICATE)-----.*?-----END (?:RSA )?(?:PRIVATE KEY|CERTIFICATE)-----`)
)

// LuhnCheck validates a card number using the Luhn checksum after
// stripping all non-digit characters. Numbers outside the 13-19 digit
// range are rejected outright.
func LuhnCheck(cardNumber string) bool {
	digits := stripNonDigits(cardNumber)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	total := 0
	for i := 0; i < len(digits); i++ {
		// i counts positions from the right, matching the reference
		// implementation's reversed-string walk.
		n := int(digits[len(digits)-1-i] - '0')
		if i%2 == 1 {
			n *= 2
			if n > 9 {
				n = n/10 + n%10
			}
		}
		total += n
	}
	return total%10 == 0
}

func stripNonDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DetectPANs finds Luhn-valid primary account numbers in text,
// tolerating dash- or space-separated groupings.
func DetectPANs(text string) []string {
	var found []string
	for _, pattern := range []*regexp.Regexp{panFormatted, panContinuous} {
		for _, match := range pattern.FindAllString(text, -1) {
			candidate := stripNonDigits(match)
			if LuhnCheck(candidate) {
				found = append(found, candidate)
			}
		}
	}
	return found
}

// DetectCVVs finds CVV/CVC/security-code values tagged in text.
func DetectCVVs(text string) []string {
	var found []string
	for _, pattern := range cvvPatterns {
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			found = append(found, m[1])
		}
	}
	return found
}

// DetectSSNs finds Social Security Numbers, formatted or nine
// consecutive digits not beginning with 000 or 666.
func DetectSSNs(text string) []string {
	var found []string
	for _, m := range ssnFormatted.FindAllString(text, -1) {
		found = append(found, m)
	}
	for _, m := range ssnContinuous.FindAllString(text, -1) {
		if !strings.HasPrefix(m, "000") && !strings.HasPrefix(m, "666") {
			found = append(found, m)
		}
	}
	return found
}

// DetectIBANs finds plausible International Bank Account Numbers.
func DetectIBANs(text string) []string {
	var found []string
	for _, m := range ibanPattern.FindAllString(text, -1) {
		if len(m) >= 15 && len(m) <= 34 {
			found = append(found, m)
		}
	}
	return found
}

// DetectAPIKeys finds generic and vendor-prefixed API key/token
// patterns.
func DetectAPIKeys(text string) []string {
	var found []string
	for _, pattern := range apiKeyPatterns {
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			if len(m) > 1 {
				found = append(found, m[1])
			} else {
				found = append(found, m[0])
			}
		}
	}
	return found
}

// DetectPrivateKeys finds PEM-armored private key or certificate
// blocks. The matched bytes are never returned, only a count.
func DetectPrivateKeys(text string) int {
	return len(privateKeyPattern.FindAllString(text, -1))
}

// ScanResult is the aggregate outcome of scanning text for every
// banking-sensitive data class.
type ScanResult struct {
	Types   []string
	Details map[string][]string
}

// Scan runs every banking detector over text and returns a masked
// summary suitable for journaling (raw values are never retained).
func Scan(text string) ScanResult {
	result := ScanResult{Details: make(map[string][]string)}

	if pans := DetectPANs(text); len(pans) > 0 {
		result.Types = append(result.Types, "pii_match_pan")
		for _, p := range pans {
			result.Details["pans"] = append(result.Details["pans"], "****"+lastN(p, 4))
		}
	}
	if ssns := DetectSSNs(text); len(ssns) > 0 {
		result.Types = append(result.Types, "pii_match_ssn")
		for range ssns {
			result.Details["ssns"] = append(result.Details["ssns"], "***-**-****")
		}
	}
	if ibans := DetectIBANs(text); len(ibans) > 0 {
		result.Types = append(result.Types, "pii_match_iban")
		for _, i := range ibans {
			result.Details["ibans"] = append(result.Details["ibans"], firstN(i, 4)+"****"+lastN(i, 4))
		}
	}
	if keys := DetectAPIKeys(text); len(keys) > 0 {
		result.Types = append(result.Types, "pii_match_apikey")
		for range keys {
			result.Details["api_keys"] = append(result.Details["api_keys"], "***REDACTED***")
		}
	}
	if n := DetectPrivateKeys(text); n > 0 {
		result.Types = append(result.Types, "pii_match_privkey")
		for i := 0; i < n; i++ {
			result.Details["private_keys"] = append(result.Details["private_keys"], "***REDACTED***")
		}
	}
	return result
}

// RedactChat masks PAN/CVV/SSN matches for in-conversation display,
// distinct from the fuller journal-facing Scan above.
func RedactChat(text string) (string, []string) {
	redacted := text
	var redactions []string

	if pans := DetectPANs(text); len(pans) > 0 {
		redactions = append(redactions, "pan")
		for _, p := range pans {
			mask := maskMiddle(p)
			redacted = strings.ReplaceAll(redacted, p, "[REDACTED-PAN:"+mask+"]")
		}
	}
	for _, pattern := range cvvPatterns {
		if pattern.MatchString(redacted) {
			redactions = append(redactions, "cvv")
			redacted = pattern.ReplaceAllString(redacted, "[REDACTED-CVV]")
		}
	}
	if ssns := DetectSSNs(text); len(ssns) > 0 {
		redactions = append(redactions, "ssn")
		for _, s := range ssns {
			redacted = strings.ReplaceAll(redacted, s, "[REDACTED-SSN]")
		}
	}
	if ibans := DetectIBANs(text); len(ibans) > 0 {
		redactions = append(redactions, "iban")
		for _, i := range ibans {
			redacted = strings.ReplaceAll(redacted, i, "[REDACTED-IBAN:"+lastN(i, 4)+"]")
		}
	}
	return redacted, dedupe(redactions)
}

func maskMiddle(digits string) string {
	if len(digits) < 8 {
		return strings.Repeat("*", len(digits))
	}
	return digits[:4] + strings.Repeat("*", len(digits)-8) + digits[len(digits)-4:]
}

func firstN(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

func lastN(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[len(s)-n:]
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}

// AmountString parses a human-entered amount like "$1,000.50" into a
// float, returning false if nothing parseable is present.
func AmountString(raw string) (float64, bool) {
	cleaned := strings.ReplaceAll(raw, ",", "")
	cleaned = strings.TrimPrefix(cleaned, "$")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
