package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CreditProfile struct {
	UserID      string          `json:"user_id"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	CreditTier  string          `json:"credit_tier"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CreditLimitEvent is the audit trail of a credit limit change.
type CreditLimitEvent struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	LoanID        string          `json:"loan_id"`
	CreditTier    string          `json:"credit_tier"`
	PreviousLimit decimal.Decimal `json:"previous_limit"`
	NewLimit      decimal.Decimal `json:"new_limit"`
	Reason        string          `json:"reason"`
	CreatedAt     time.Time       `json:"created_at"`
}

type MessageKind string

const (
	MessageRepayment         MessageKind = "repayment"
	MessageRepaymentReceived MessageKind = "repayment_received"
	MessageAcceleration      MessageKind = "acceleration"
	MessageDefaulted         MessageKind = "defaulted"
	MessageRecoveryStarted   MessageKind = "recovery_started"
	MessageRecoveryProgress  MessageKind = "recovery_progress"
	MessageRecoveryComplete  MessageKind = "recovery_complete"
	MessageRecoveryReset     MessageKind = "recovery_reset"
	MessageCommunityRepaid   MessageKind = "community_repaid"
	MessageLoanCompleted     MessageKind = "loan_completed"
)

// LoanMessage is display text addressed to one user.
type LoanMessage struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	LoanID    string      `json:"loan_id"`
	Kind      MessageKind `json:"kind"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"created_at"`
}
