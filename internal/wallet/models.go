package wallet

import "time"

// Transaction is an immutable append-only ledger entry.
//
// Money invariants:
// - No balance updates without a ledger entry.
// - The ledger is the source of truth; wallet_balances is a projection.
// - Balance is derived: sum of non-expired credits plus (negative) debits.
type Transaction struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// Type categorizes the ledger entry. Keep stable.
	Type TransactionType `json:"type" db:"type"`

	// AmountMinor is the signed amount in minor units (e.g., cents).
	// Credits are positive, debits are negative.
	AmountMinor int64  `json:"amount_minor" db:"amount_minor"`
	Currency    string `json:"currency" db:"currency"`

	// Reason tags the business cause: call_refund, call_charge, topup,
	// expert_no_show, admin_adjustment.
	Reason string `json:"reason" db:"reason"`

	// ReferenceID/ReferenceType point back at the originating record
	// (e.g., a call session). Settlement idempotency checks match on these
	// as a fallback when the idempotency key is unavailable.
	ReferenceID   string `json:"reference_id,omitempty" db:"reference_id"`
	ReferenceType string `json:"reference_type,omitempty" db:"reference_type"`

	// IdempotencyKey is required for safe retries of money-posting operations.
	// The table carries UNIQUE (user_id, idempotency_key).
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	// ExpiresAt bounds credit validity (promotional/refund credits expire);
	// nil for debits and non-expiring credits.
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	// Metadata is optional JSON for audit/debug (store as JSONB in Postgres).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type TransactionType string

const (
	TransactionTypeCredit TransactionType = "credit"
	TransactionTypeDebit  TransactionType = "debit"
)

// Balance is the denormalized fast-read projection. The ledger remains
// authoritative; a stale projection is repaired by the next recompute.
type Balance struct {
	UserID       string    `json:"user_id" db:"user_id"`
	Currency     string    `json:"currency" db:"currency"`
	BalanceMinor int64     `json:"balance_minor" db:"balance_minor"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Supported wallet currencies. Closed set; reject anything else at the boundary.
func ValidCurrency(c string) bool {
	switch c {
	case "USD", "EUR", "GBP", "INR":
		return true
	default:
		return false
	}
}

const (
	ReferenceTypeCallSession = "call_session"

	ReasonCallRefund      = "call_refund"
	ReasonExpertNoShow    = "expert_no_show"
	ReasonCallCharge      = "call_charge"
	ReasonTopUp           = "topup"
	ReasonAdminAdjustment = "admin_adjustment"
)

// RefundCreditValidity is how long settlement credits stay spendable.
const RefundCreditValidity = 365 * 24 * time.Hour
