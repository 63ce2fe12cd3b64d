package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxnDeposit              TransactionType = "deposit"
	TxnRepaymentSent        TransactionType = "repayment_sent"
	TxnRepaymentReceived    TransactionType = "repayment_received"
	TxnAccelerationSent     TransactionType = "acceleration_sent"
	TxnAccelerationReceived TransactionType = "acceleration_received"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxnDeposit, TxnRepaymentSent, TxnRepaymentReceived, TxnAccelerationSent, TxnAccelerationReceived:
		return true
	}
	return false
}

// LedgerTransaction is an immutable watershed movement. Amount is signed:
// credits are positive, debits negative.
type LedgerTransaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Sequence     int64           `json:"sequence"`
	Type         TransactionType `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Reference    string          `json:"reference,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func NewLedgerTransaction(accountID string, t TransactionType, amount decimal.Decimal) *LedgerTransaction {
	return &LedgerTransaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      t,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
}

func (tx *LedgerTransaction) WithDescription(desc string) *LedgerTransaction {
	tx.Description = desc
	return tx
}

func (tx *LedgerTransaction) WithReference(ref string) *LedgerTransaction {
	tx.Reference = ref
	return tx
}
