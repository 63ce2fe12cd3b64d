package domain

import "fmt"

// LoanStatus is the persisted lifecycle state of a loan.
type LoanStatus string

const (
	LoanFunding    LoanStatus = "funding"
	LoanActive     LoanStatus = "active"
	LoanRepaying   LoanStatus = "repaying"
	LoanLate       LoanStatus = "late"
	LoanAtRisk     LoanStatus = "at_risk"
	LoanDefaulted  LoanStatus = "defaulted"
	LoanRecovering LoanStatus = "recovering"
	LoanCompleted  LoanStatus = "completed"
	LoanExpired    LoanStatus = "expired"
)

var loanStatusLabels = map[LoanStatus]string{
	LoanFunding:    "Funding",
	LoanActive:     "Active",
	LoanRepaying:   "Repaying",
	LoanLate:       "Late",
	LoanAtRisk:     "At risk",
	LoanDefaulted:  "Defaulted",
	LoanRecovering: "Recovering",
	LoanCompleted:  "Completed",
	LoanExpired:    "Expired",
}

func (s LoanStatus) Valid() bool {
	_, ok := loanStatusLabels[s]
	return ok
}

// Label returns the display string for the status.
func (s LoanStatus) Label() string {
	if label, ok := loanStatusLabels[s]; ok {
		return label
	}
	return "Unknown"
}

// Terminal reports whether no further transitions are processed.
func (s LoanStatus) Terminal() bool {
	return s == LoanCompleted || s == LoanExpired
}

// Accelerable reports whether a borrower may direct extra repayment at the loan.
func (s LoanStatus) Accelerable() bool {
	switch s {
	case LoanActive, LoanLate, LoanAtRisk, LoanRecovering:
		return true
	}
	return false
}

// Repayable reports whether scheduled repayments are accepted.
func (s LoanStatus) Repayable() bool {
	switch s {
	case LoanActive, LoanRepaying, LoanLate, LoanAtRisk, LoanDefaulted, LoanRecovering:
		return true
	}
	return false
}

func ParseLoanStatus(raw string) (LoanStatus, error) {
	s := LoanStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown loan status %q", raw)
	}
	return s, nil
}

// HealthStatus is the classifier's read-only view of a loan.
type HealthStatus string

const (
	HealthCurrent    HealthStatus = "current"
	HealthLate       HealthStatus = "late"
	HealthAtRisk     HealthStatus = "at_risk"
	HealthDefaulted  HealthStatus = "defaulted"
	HealthRecovering HealthStatus = "recovering"
	HealthCompleted  HealthStatus = "completed"
	HealthExpired    HealthStatus = "expired"
)

var healthLabels = map[HealthStatus]string{
	HealthCurrent:    "On track",
	HealthLate:       "Payment late",
	HealthAtRisk:     "At risk of default",
	HealthDefaulted:  "Defaulted",
	HealthRecovering: "In recovery",
	HealthCompleted:  "Fully repaid",
	HealthExpired:    "Expired",
}

func (h HealthStatus) Valid() bool {
	_, ok := healthLabels[h]
	return ok
}

func (h HealthStatus) Label() string {
	if label, ok := healthLabels[h]; ok {
		return label
	}
	return "Unknown"
}

type LoanType string

const (
	LoanStandard LoanType = "standard"
	// LoanBacked loans are partly self-funded by the borrower and are the
	// only variant that accepts voluntary acceleration.
	LoanBacked LoanType = "backed"
)

func (t LoanType) Valid() bool {
	return t == LoanStandard || t == LoanBacked
}

type PaymentType string

const (
	PaymentRepayment    PaymentType = "repayment"
	PaymentAcceleration PaymentType = "acceleration"
)

func (t PaymentType) Valid() bool {
	return t == PaymentRepayment || t == PaymentAcceleration
}
