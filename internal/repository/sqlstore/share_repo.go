package sqlstore

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"fmt"
	"time"
)

type ShareRepository struct {
	tx *dbTx
}

func (r *ShareRepository) Create(ctx context.Context, share *domain.FundingShare) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if share.CreatedAt.IsZero() {
		share.CreatedAt = time.Now().UTC()
	}
	share.UpdatedAt = share.CreatedAt

	var position int
	if err := r.tx.queryRow(ctx,
		`SELECT COUNT(*) FROM funding_shares WHERE loan_id = ?`, share.LoanID).Scan(&position); err != nil {
		return fmt.Errorf("count shares: %w", mapError(err))
	}

	_, err := r.tx.exec(ctx,
		`INSERT INTO funding_shares
		   (id, loan_id, position, funder_id, amount, repaid, is_self_funded, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		share.ID, share.LoanID, position, share.FunderID, share.Amount, share.Repaid,
		share.IsSelfFunded, toMillis(share.CreatedAt), toMillis(share.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create share %s: %w", share.ID, err)
	}
	return nil
}

func (r *ShareRepository) ListByLoan(ctx context.Context, loanID string) ([]*domain.FundingShare, error) {
	rows, err := r.tx.query(ctx,
		`SELECT id, loan_id, funder_id, amount, repaid, is_self_funded, created_at, updated_at
		 FROM funding_shares WHERE loan_id = ? ORDER BY position`, loanID)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	result := []*domain.FundingShare{}
	for rows.Next() {
		var (
			share                domain.FundingShare
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&share.ID, &share.LoanID, &share.FunderID, &share.Amount, &share.Repaid,
			&share.IsSelfFunded, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		share.CreatedAt = fromMillis(createdAt)
		share.UpdatedAt = fromMillis(updatedAt)
		result = append(result, &share)
	}
	return result, rows.Err()
}

func (r *ShareRepository) UpdateRepaid(ctx context.Context, share *domain.FundingShare) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	share.UpdatedAt = time.Now().UTC()

	result, err := r.tx.exec(ctx,
		`UPDATE funding_shares SET repaid = ?, updated_at = ? WHERE id = ? AND loan_id = ?`,
		share.Repaid, toMillis(share.UpdatedAt), share.ID, share.LoanID)
	if err != nil {
		return fmt.Errorf("update share %s: %w", share.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: share %s", repository.ErrNotFound, share.ID)
	}
	return nil
}
