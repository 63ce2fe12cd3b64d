package memory

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"fmt"
	"time"
)

type LoanRepository struct {
	tx *memTx
}

func (r *LoanRepository) Get(ctx context.Context, id string) (*domain.Loan, error) {
	loan, exists := r.tx.st.loans[id]
	if !exists {
		return nil, fmt.Errorf("%w: loan %s", repository.ErrNotFound, id)
	}
	return loan.Clone(), nil
}

func (r *LoanRepository) Create(ctx context.Context, loan *domain.Loan) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if _, exists := r.tx.st.loans[loan.ID]; exists {
		return fmt.Errorf("%w: loan %s", repository.ErrDuplicate, loan.ID)
	}

	if loan.CreatedAt.IsZero() {
		loan.CreatedAt = time.Now().UTC()
	}
	loan.UpdatedAt = loan.CreatedAt
	loan.Version = 1
	r.tx.st.loans[loan.ID] = *loan.Clone()

	return nil
}

func (r *LoanRepository) Update(ctx context.Context, loan *domain.Loan) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	stored, exists := r.tx.st.loans[loan.ID]
	if !exists {
		return fmt.Errorf("%w: loan %s", repository.ErrNotFound, loan.ID)
	}
	if stored.Version != loan.Version {
		return fmt.Errorf("%w: loan %s at version %d, have %d",
			repository.ErrTransactionConflict, loan.ID, stored.Version, loan.Version)
	}

	loan.Version++
	loan.UpdatedAt = time.Now().UTC()
	r.tx.st.loans[loan.ID] = *loan.Clone()

	return nil
}
