package memory

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"fmt"
	"time"
)

type PaymentRepository struct {
	tx *memTx
}

func (r *PaymentRepository) Append(ctx context.Context, payment *domain.LoanPayment) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	payments := r.tx.st.payments[payment.LoanID]
	for _, existing := range payments {
		if existing.ID == payment.ID ||
			(payment.Reference != "" && existing.Reference == payment.Reference) {
			return fmt.Errorf("%w: payment %s", repository.ErrDuplicate, payment.ID)
		}
	}

	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	r.tx.st.payments[payment.LoanID] = append(payments, *payment)

	return nil
}

func (r *PaymentRepository) ListByLoan(ctx context.Context, loanID string) ([]*domain.LoanPayment, error) {
	payments := r.tx.st.payments[loanID]

	result := make([]*domain.LoanPayment, 0, len(payments))
	for i := range payments {
		payment := payments[i]
		result = append(result, &payment)
	}
	return result, nil
}

func (r *PaymentRepository) GetByReference(ctx context.Context, loanID, reference string) (*domain.LoanPayment, error) {
	for _, payment := range r.tx.st.payments[loanID] {
		if reference != "" && payment.Reference == reference {
			return &payment, nil
		}
	}
	return nil, fmt.Errorf("%w: payment reference %s", repository.ErrNotFound, reference)
}
