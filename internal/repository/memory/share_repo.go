package memory

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"fmt"
	"time"
)

type ShareRepository struct {
	tx *memTx
}

func (r *ShareRepository) Create(ctx context.Context, share *domain.FundingShare) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	shares := r.tx.st.shares[share.LoanID]
	for _, existing := range shares {
		if existing.ID == share.ID {
			return fmt.Errorf("%w: share %s", repository.ErrDuplicate, share.ID)
		}
	}

	if share.CreatedAt.IsZero() {
		share.CreatedAt = time.Now().UTC()
	}
	share.UpdatedAt = share.CreatedAt
	r.tx.st.shares[share.LoanID] = append(shares, *share)

	return nil
}

// ListByLoan relies on insertion order, which matches creation order.
func (r *ShareRepository) ListByLoan(ctx context.Context, loanID string) ([]*domain.FundingShare, error) {
	shares := r.tx.st.shares[loanID]

	result := make([]*domain.FundingShare, 0, len(shares))
	for i := range shares {
		share := shares[i]
		result = append(result, &share)
	}
	return result, nil
}

func (r *ShareRepository) UpdateRepaid(ctx context.Context, share *domain.FundingShare) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	shares := r.tx.st.shares[share.LoanID]
	for i := range shares {
		if shares[i].ID == share.ID {
			share.UpdatedAt = time.Now().UTC()
			shares[i].Repaid = share.Repaid
			shares[i].UpdatedAt = share.UpdatedAt
			return nil
		}
	}
	return fmt.Errorf("%w: share %s", repository.ErrNotFound, share.ID)
}
