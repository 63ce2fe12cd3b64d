package processor

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"fmt"
)

// RecoveryResult reports a recorded recovery payment.
type RecoveryResult struct {
	Loan       *domain.Loan         `json:"loan"`
	Recorded   bool                 `json:"recorded"`
	Complete   bool                 `json:"complete"`
	Transition *TransitionResult    `json:"transition,omitempty"`
	Messages   []domain.LoanMessage `json:"messages,omitempty"`
}

// RecoveryTracker counts consecutive repayments made while a loan is
// recovering and completes recovery at the threshold.
type RecoveryTracker struct {
	coordinator *Coordinator
}

func NewRecoveryTracker(coordinator *Coordinator) *RecoveryTracker {
	return &RecoveryTracker{coordinator: coordinator}
}

// RecordRecoveryPayment is a no-op unless the loan is recovering.
func (r *RecoveryTracker) RecordRecoveryPayment(ctx context.Context, tx repository.Tx, loanID string) (*RecoveryResult, error) {
	loan, err := tx.Loans().Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != domain.LoanRecovering {
		return &RecoveryResult{Loan: loan}, nil
	}

	loan.RecoveryPayments++
	if err := tx.Loans().Update(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to update loan: %w", err)
	}
	result := &RecoveryResult{Loan: loan, Recorded: true}

	threshold := r.coordinator.policy.RecoveryPaymentsThreshold
	if loan.RecoveryPayments < threshold {
		result.Messages = append(result.Messages,
			r.coordinator.messages.RecoveryProgress(loan.BorrowerID, loan.ID, loan.RecoveryPayments, threshold))
		return result, nil
	}

	transition, err := r.coordinator.CompleteRecovery(ctx, tx, loanID)
	if err != nil {
		return nil, err
	}
	result.Loan = transition.Loan
	result.Complete = true
	result.Transition = transition
	result.Messages = append(result.Messages, transition.Messages...)
	return result, nil
}
