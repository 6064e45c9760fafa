package firewall

import (
	"regexp"
	"strings"
)

var (
	awsKeyPattern = regexp.MustCompile(`AKIA[0-9A-Z]{16}`)
	genericSecret = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*["']?([A-Za-z0-9_\-]{12,})["']?`)
	pemPattern    = regexp.MustCompile(`-----BEGIN (?:RSA )?PRIVATE KEY-----`)
	jwtPattern    = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)
	base64Blob    = regexp.MustCompile(`[A-Za-z0-9+/]{200,}={0,2}`)
)

// jailbreakPhrases is the instruction-override lexicon — substring,
// case-insensitive matches against user-supplied text.
var jailbreakPhrases = []string{
	"ignore previous instructions",
	"ignore previous",
	"ignore all previous instructions",
	"disregard previous",
	"forget previous",
	"reveal system prompt",
	"show system prompt",
	"print system prompt",
	"system prompt",
	"show config",
	"dump memory",
	"print your instructions",
	"what are your instructions",
	"disable safety",
	"bypass",
	"jailbreak",
	"sudo mode",
	"developer mode",
	"god mode",
	"admin mode",
	"root access",
	"do anything now",
	"act as if you are not",
	"pretend that you are not",
}

// RedactSecrets masks AWS keys, generic key/token/secret/password
// assignments, PEM private key headers, and JWT-shaped triplets.
// Returns the redacted text and the list of redaction kinds applied.
func RedactSecrets(text string) (string, []string) {
	redacted := text
	var kinds []string

	if awsKeyPattern.MatchString(redacted) {
		kinds = append(kinds, "aws_key")
		redacted = awsKeyPattern.ReplaceAllString(redacted, "[REDACTED_AWS_KEY]")
	}
	if genericSecret.MatchString(redacted) {
		kinds = append(kinds, "api_key")
		redacted = genericSecret.ReplaceAllString(redacted, "$1=[REDACTED_API_KEY]")
	}
	if pemPattern.MatchString(redacted) {
		kinds = append(kinds, "private_key")
		redacted = pemPattern.ReplaceAllString(redacted, "[REDACTED_PRIVATE_KEY]")
	}
	if jwtPattern.MatchString(redacted) {
		kinds = append(kinds, "jwt")
		redacted = jwtPattern.ReplaceAllString(redacted, "[REDACTED_JWT]")
	}
	return redacted, kinds
}

// ContainsSecrets reports whether any secret pattern matches without
// performing a redaction pass.
func ContainsSecrets(text string) bool {
	return awsKeyPattern.MatchString(text) ||
		genericSecret.MatchString(text) ||
		pemPattern.MatchString(text) ||
		jwtPattern.MatchString(text)
}

// ContainsBase64Blob reports whether text contains a long contiguous
// base64-alphabet run, a common shape for encoded exfiltration
// payloads.
func ContainsBase64Blob(text string) bool {
	return base64Blob.MatchString(text)
}

// ContainsJailbreakPhrase does a case-insensitive substring search
// against the instruction-override lexicon and returns the first
// phrase matched, if any.
func ContainsJailbreakPhrase(text string) (bool, string) {
	lower := strings.ToLower(text)
	for _, phrase := range jailbreakPhrases {
		if strings.Contains(lower, phrase) {
			return true, phrase
		}
	}
	return false, ""
}
