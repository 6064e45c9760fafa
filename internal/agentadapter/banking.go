package agentadapter

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/latticeguard/sentry/internal/capability"
)

// Payee is a pre-approved payment recipient.
type Payee struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Verified bool   `json:"verified"`
}

var defaultPayees = map[string]Payee{
	"ACME-LLC": {ID: "p_1001", Name: "ACME LLC", Verified: true},
	"UTILS-CO": {ID: "p_1002", Name: "Utilities Co", Verified: true},
}

// FindPayee looks up a payee by fuzzy, case-insensitive name match
// against the pre-approved payee list.
func FindPayee(payees map[string]Payee, name string) (Payee, bool) {
	clean := strings.ToUpper(strings.TrimSpace(name))

	if p, ok := payees[clean]; ok {
		return p, true
	}

	for key, p := range payees {
		if strings.Contains(clean, key) || strings.Contains(strings.ToUpper(p.Name), clean) {
			return p, true
		}
	}
	return Payee{}, false
}

// PaymentValidation is the outcome of checking a payment request
// against the capability token's payment policy.
type PaymentValidation struct {
	Valid   bool
	Reasons []string
	Payee   Payee
}

// ValidatePayment checks amount, tool grant, and pre-approved-payee
// status against the claims in the agent's capability token.
func ValidatePayment(amount float64, payeeName string, claims *capability.Claims, payees map[string]Payee) PaymentValidation {
	if !claims.HasTool("payments.create") {
		return PaymentValidation{Reasons: []string{"payments_not_permitted"}}
	}

	policy := claims.PaymentPolicy
	maxAmount := 5000.0
	preapprovedOnly := true
	if policy != nil {
		if policy.MaxAmount > 0 {
			maxAmount = policy.MaxAmount
		}
		preapprovedOnly = policy.PreapprovedOnly
	}

	if amount > maxAmount {
		return PaymentValidation{Reasons: []string{fmt.Sprintf("amount_exceeds_limit_%.0f", maxAmount)}}
	}

	if !preapprovedOnly {
		return PaymentValidation{Valid: true}
	}

	payee, ok := FindPayee(payees, payeeName)
	if !ok {
		return PaymentValidation{Reasons: []string{"payee_not_preapproved"}}
	}
	return PaymentValidation{Valid: true, Payee: payee}
}

// Account is mock checking-account data returned for demo account
// inquiries — there is no real core-banking integration behind this
// adapter.
type Account struct {
	Number           string  `json:"account_number"`
	Balance          float64 `json:"balance"`
	AvailableBalance float64 `json:"available_balance"`
	Currency         string  `json:"currency"`
	AccountType      string  `json:"account_type"`
}

// MockAccount returns a fixed demo account.
func MockAccount() Account {
	return Account{
		Number:           "****1234",
		Balance:          15750.50,
		AvailableBalance: 15250.50,
		Currency:         "USD",
		AccountType:      "checking",
	}
}

// Transaction is a mock ledger entry for demo transaction listings.
type Transaction struct {
	ID          string  `json:"id"`
	Date        string  `json:"date"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Type        string  `json:"type"` // debit | credit
}

// MockTransactions returns a fixed demo transaction history.
func MockTransactions() []Transaction {
	return []Transaction{
		{ID: "txn_001", Date: "2024-01-15", Description: "Online Purchase - Amazon", Amount: 89.99, Type: "debit"},
		{ID: "txn_002", Date: "2024-01-14", Description: "Salary Deposit", Amount: 3500.00, Type: "credit"},
		{ID: "txn_003", Date: "2024-01-13", Description: "Grocery Store", Amount: 127.45, Type: "debit"},
		{ID: "txn_004", Date: "2024-01-12", Description: "Utilities Payment", Amount: 245.67, Type: "debit"},
		{ID: "txn_005", Date: "2024-01-11", Description: "ATM Withdrawal", Amount: 100.00, Type: "debit"},
	}
}

// FormatBalance renders a balance the way chat responses do.
func FormatBalance(balance float64, currency string) string {
	return fmt.Sprintf("$%.2f %s", balance, currency)
}

// FormatTransactions renders up to the last 5 transactions as a
// numbered list.
func FormatTransactions(txns []Transaction) string {
	if len(txns) == 0 {
		return "No recent transactions found."
	}
	limit := len(txns)
	if limit > 5 {
		limit = 5
	}
	var b strings.Builder
	b.WriteString("Recent Transactions:\n")
	for i, t := range txns[:limit] {
		sign := "+"
		if t.Type == "debit" {
			sign = "-"
		}
		fmt.Fprintf(&b, "%d. %s | %s | %s$%.2f\n", i+1, t.Date, t.Description, sign, t.Amount)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Paylink is a mock secure payment link.
type Paylink struct {
	ID          string  `json:"paylink_id"`
	URL         string  `json:"url"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	ExpiresIn   string  `json:"expires_in"`
}

// GeneratePaylink creates a mock secure payment link. There is no real
// payment-link service behind this — it exists to exercise the
// gateway's paylink_create purpose path end to end.
func GeneratePaylink(amount float64, description string) Paylink {
	id := uuid.NewString()
	return Paylink{
		ID:          id,
		URL:         fmt.Sprintf("https://secure.bank.example/pay/%s", id),
		Amount:      amount,
		Description: description,
		ExpiresIn:   "1h",
	}
}
