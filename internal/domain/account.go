package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerAccount is a user's watershed. Balance always equals the sum of the
// account's transaction amounts and TotalInflow minus TotalOutflow.
type LedgerAccount struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Balance      decimal.Decimal `json:"balance"`
	TotalInflow  decimal.Decimal `json:"total_inflow"`
	TotalOutflow decimal.Decimal `json:"total_outflow"`
	Sequence     int64           `json:"sequence"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func NewLedgerAccount(userID string, now time.Time) *LedgerAccount {
	return &LedgerAccount{
		ID:           userID,
		UserID:       userID,
		Balance:      decimal.Zero,
		TotalInflow:  decimal.Zero,
		TotalOutflow: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

type BalanceSnapshot struct {
	AccountID    string          `json:"account_id"`
	Balance      decimal.Decimal `json:"balance"`
	TotalInflow  decimal.Decimal `json:"total_inflow"`
	TotalOutflow decimal.Decimal `json:"total_outflow"`
	AsOf         time.Time       `json:"as_of"`
}

// ReconciliationReport is the result of replaying an account's history
// against its stored totals.
type ReconciliationReport struct {
	AccountID         string          `json:"account_id"`
	TotalTransactions int             `json:"total_transactions"`
	Balance           decimal.Decimal `json:"balance"`
	TransactionSum    decimal.Decimal `json:"transaction_sum"`
	NetFlow           decimal.Decimal `json:"net_flow"`
	IsBalanced        bool            `json:"is_balanced"`
	Discrepancies     []string        `json:"discrepancies,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}
