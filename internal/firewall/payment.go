package firewall

import (
	"regexp"
	"strings"

	"github.com/latticeguard/sentry/internal/banking"
)

var paymentVerbs = []string{
	"pay", "send money", "transfer", "wire", "refund", "reimburse",
	"charge", "deposit", "withdraw", "payout",
}

var amountPattern = regexp.MustCompile(`\$\s?[0-9][0-9,]*(?:\.[0-9]{2})?`)

// PaymentIntent is the result of scanning a caller's text for a
// request to move money.
type PaymentIntent struct {
	Detected  bool
	Verb      string
	Amount    float64
	HasAmount bool
	Payee     string
}

// PaymentIntentDetector classifies text as carrying a payment request,
// independent of the banking PII detectors above.
type PaymentIntentDetector interface {
	Detect(text string) PaymentIntent
}

// DefaultPaymentDetector is a lexicon-and-amount based detector: it
// looks for a payment verb and, if present, the first dollar amount
// in the text.
type DefaultPaymentDetector struct{}

// Detect implements PaymentIntentDetector.
func (DefaultPaymentDetector) Detect(text string) PaymentIntent {
	lower := strings.ToLower(text)
	var verb string
	for _, v := range paymentVerbs {
		if strings.Contains(lower, v) {
			verb = v
			break
		}
	}
	if verb == "" {
		return PaymentIntent{}
	}

	intent := PaymentIntent{Detected: true, Verb: verb}
	if m := amountPattern.FindString(text); m != "" {
		if amount, ok := banking.AmountString(m); ok {
			intent.Amount = amount
			intent.HasAmount = true
		}
	}
	return intent
}
