package models

import "time"

// TransactionKind classifies credit ledger entries.
type TransactionKind string

const (
	TransactionGrant   TransactionKind = "grant"
	TransactionReserve TransactionKind = "reserve"
	TransactionCommit  TransactionKind = "commit"
	TransactionRefund  TransactionKind = "refund"
)

// CreditAccount is the per-user balance row. Created lazily with a starting
// grant on first balance query.
type CreditAccount struct {
	UserID    string    `json:"user_id"`
	Balance   Cents     `json:"balance_cents"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditTransaction is one immutable ledger entry. Reserve entries carry
// settlement state: Settled flips once on commit, Refunded accumulates the
// cents returned to the balance before or instead of the commit.
type CreditTransaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Kind         TransactionKind `json:"kind"`
	Amount       Cents           `json:"amount_cents"`
	BalanceAfter Cents           `json:"balance_after_cents"`
	Description  string          `json:"description,omitempty"`
	Settled      bool            `json:"settled"`
	Refunded     Cents           `json:"refunded_cents"`
	CreatedAt    time.Time       `json:"created_at"`
}
