package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Loan struct {
	ID                        string          `json:"id"`
	BorrowerID                string          `json:"borrower_id"`
	Type                      LoanType        `json:"type"`
	Amount                    decimal.Decimal `json:"amount"`
	RepaymentMonths           int             `json:"repayment_months"`
	Status                    LoanStatus      `json:"status"`
	RemainingBalance          decimal.Decimal `json:"remaining_balance"`
	CommunityRemainingBalance decimal.Decimal `json:"community_remaining_balance"`
	FundingLockActive         bool            `json:"funding_lock_active"`
	LatePayments              int             `json:"late_payments"`
	RecoveryPayments          int             `json:"recovery_payments"`
	Version                   int64           `json:"version"`
	CreatedAt                 time.Time       `json:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at"`
	DefaultedAt               *time.Time      `json:"defaulted_at,omitempty"`
	RecoveryStartedAt         *time.Time      `json:"recovery_started_at,omitempty"`
	CompletedAt               *time.Time      `json:"completed_at,omitempty"`
	CommunityRepaidAt         *time.Time      `json:"community_repaid_at,omitempty"`
}

// Clone returns a copy that shares no pointers with l.
func (l *Loan) Clone() *Loan {
	c := *l
	c.DefaultedAt = cloneTime(l.DefaultedAt)
	c.RecoveryStartedAt = cloneTime(l.RecoveryStartedAt)
	c.CompletedAt = cloneTime(l.CompletedAt)
	c.CommunityRepaidAt = cloneTime(l.CommunityRepaidAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

type FundingShare struct {
	ID           string          `json:"id"`
	LoanID       string          `json:"loan_id"`
	FunderID     string          `json:"funder_id"`
	Amount       decimal.Decimal `json:"amount"`
	Repaid       decimal.Decimal `json:"repaid"`
	IsSelfFunded bool            `json:"is_self_funded"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Outstanding is the principal still owed to the funder.
func (s FundingShare) Outstanding() decimal.Decimal {
	return s.Amount.Sub(s.Repaid)
}

type LoanPayment struct {
	ID                 string          `json:"id"`
	LoanID             string          `json:"loan_id"`
	PayerID            string          `json:"payer_id"`
	Type               PaymentType     `json:"type"`
	Amount             decimal.Decimal `json:"amount"`
	Requested          decimal.Decimal `json:"requested"`
	CommunityOnly      bool            `json:"community_only"`
	AppliedToCommunity decimal.Decimal `json:"applied_to_community"`
	AppliedToSelf      decimal.Decimal `json:"applied_to_self"`
	Undistributed      decimal.Decimal `json:"undistributed"`
	Reference          string          `json:"reference,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

type LoanHealth struct {
	LoanID          string       `json:"loan_id"`
	Status          HealthStatus `json:"status"`
	Label           string       `json:"label"`
	PersistedStatus LoanStatus   `json:"persisted_status"`
	DaysBehind      int          `json:"days_behind"`
	MissedPayments  int          `json:"missed_payments"`
}
