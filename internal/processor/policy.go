package processor

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the tunable thresholds of the loan lifecycle.
type Policy struct {
	// LateDays and AtRiskDays bound the classifier bands; anything behind
	// by more than AtRiskDays is defaulted.
	LateDays   int
	AtRiskDays int
	// PaymentInterval is the length of one scheduled repayment period.
	PaymentInterval           time.Duration
	RecoveryPaymentsThreshold int
	MinimumCreditLimit        decimal.Decimal
	DefaultCreditLimit        decimal.Decimal
	// ConflictRetries is how many times a unit of work is retried after a
	// concurrent update to the same loan.
	ConflictRetries int
}

func DefaultPolicy() Policy {
	return Policy{
		LateDays:                  15,
		AtRiskDays:                30,
		PaymentInterval:           30 * 24 * time.Hour,
		RecoveryPaymentsThreshold: 3,
		MinimumCreditLimit:        decimal.NewFromInt(100),
		DefaultCreditLimit:        decimal.NewFromInt(500),
		ConflictRetries:           3,
	}
}

// withDefaults fills unset fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.LateDays <= 0 {
		p.LateDays = d.LateDays
	}
	if p.AtRiskDays <= 0 {
		p.AtRiskDays = d.AtRiskDays
	}
	if p.PaymentInterval <= 0 {
		p.PaymentInterval = d.PaymentInterval
	}
	if p.RecoveryPaymentsThreshold <= 0 {
		p.RecoveryPaymentsThreshold = d.RecoveryPaymentsThreshold
	}
	if !p.MinimumCreditLimit.IsPositive() {
		p.MinimumCreditLimit = d.MinimumCreditLimit
	}
	if !p.DefaultCreditLimit.IsPositive() {
		p.DefaultCreditLimit = d.DefaultCreditLimit
	}
	if p.ConflictRetries < 0 {
		p.ConflictRetries = 0
	}
	return p
}
