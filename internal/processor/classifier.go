package processor

import (
	"community_lending/internal/domain"
	"time"
)

const day = 24 * time.Hour

// HealthReport is the classifier's verdict for a loan at a point in time.
type HealthReport struct {
	Status         domain.HealthStatus `json:"status"`
	DaysBehind     int                 `json:"days_behind"`
	MissedPayments int                 `json:"missed_payments"`
}

// Classify computes a loan's health from its repayment history. It has no
// side effects; only repayments count towards the schedule.
func Classify(loan *domain.Loan, payments []*domain.LoanPayment, now time.Time, policy Policy) HealthReport {
	policy = policy.withDefaults()

	switch loan.Status {
	case domain.LoanRecovering:
		return HealthReport{Status: domain.HealthRecovering}
	case domain.LoanCompleted:
		return HealthReport{Status: domain.HealthCompleted}
	case domain.LoanExpired:
		return HealthReport{Status: domain.HealthExpired}
	case domain.LoanFunding:
		return HealthReport{Status: domain.HealthCurrent}
	}

	monthsActive := 0
	if elapsed := now.Sub(loan.CreatedAt); elapsed > 0 {
		monthsActive = int(elapsed / policy.PaymentInterval)
	}
	expected := min(monthsActive, loan.RepaymentMonths)

	made := 0
	var lastPaid time.Time
	for _, payment := range payments {
		if payment.Type != domain.PaymentRepayment {
			continue
		}
		made++
		if payment.CreatedAt.After(lastPaid) {
			lastPaid = payment.CreatedAt
		}
	}

	missed := max(0, expected-made)
	if missed == 0 {
		return HealthReport{Status: domain.HealthCurrent}
	}

	nextDue := loan.CreatedAt
	if made > 0 {
		nextDue = lastPaid.AddDate(0, 1, 0)
	}
	daysBehind := int(now.Sub(nextDue) / day)

	return HealthReport{
		Status:         band(daysBehind, policy),
		DaysBehind:     daysBehind,
		MissedPayments: missed,
	}
}

func band(daysBehind int, policy Policy) domain.HealthStatus {
	switch {
	case daysBehind <= 0:
		return domain.HealthCurrent
	case daysBehind <= policy.LateDays:
		return domain.HealthLate
	case daysBehind <= policy.AtRiskDays:
		return domain.HealthAtRisk
	default:
		return domain.HealthDefaulted
	}
}
