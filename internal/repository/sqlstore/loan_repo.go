package sqlstore

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type LoanRepository struct {
	tx *dbTx
}

func (r *LoanRepository) Get(ctx context.Context, id string) (*domain.Loan, error) {
	var (
		loan                                 domain.Loan
		loanType, status                     string
		createdAt, updatedAt                 int64
		defaultedAt, recoveryAt, completedAt sql.NullInt64
		communityRepaidAt                    sql.NullInt64
	)
	err := r.tx.queryRow(ctx,
		`SELECT id, borrower_id, type, amount, repayment_months, status, remaining_balance,
		        community_remaining_balance, funding_lock_active, late_payments, recovery_payments,
		        version, created_at, updated_at, defaulted_at, recovery_started_at, completed_at,
		        community_repaid_at
		 FROM loans WHERE id = ?`+r.tx.lockSuffix(), id).
		Scan(&loan.ID, &loan.BorrowerID, &loanType, &loan.Amount, &loan.RepaymentMonths, &status,
			&loan.RemainingBalance, &loan.CommunityRemainingBalance, &loan.FundingLockActive,
			&loan.LatePayments, &loan.RecoveryPayments, &loan.Version, &createdAt, &updatedAt,
			&defaultedAt, &recoveryAt, &completedAt, &communityRepaidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: loan %s", repository.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get loan: %w", mapError(err))
	}

	loan.Type = domain.LoanType(loanType)
	loan.Status = domain.LoanStatus(status)
	loan.CreatedAt = fromMillis(createdAt)
	loan.UpdatedAt = fromMillis(updatedAt)
	loan.DefaultedAt = fromNullMillis(defaultedAt)
	loan.RecoveryStartedAt = fromNullMillis(recoveryAt)
	loan.CompletedAt = fromNullMillis(completedAt)
	loan.CommunityRepaidAt = fromNullMillis(communityRepaidAt)
	return &loan, nil
}

func (r *LoanRepository) Create(ctx context.Context, loan *domain.Loan) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if loan.CreatedAt.IsZero() {
		loan.CreatedAt = time.Now().UTC()
	}
	loan.UpdatedAt = loan.CreatedAt
	loan.Version = 1

	_, err := r.tx.exec(ctx,
		`INSERT INTO loans (id, borrower_id, type, amount, repayment_months, status, remaining_balance,
		   community_remaining_balance, funding_lock_active, late_payments, recovery_payments, version,
		   created_at, updated_at, defaulted_at, recovery_started_at, completed_at, community_repaid_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID, loan.BorrowerID, string(loan.Type), loan.Amount, loan.RepaymentMonths,
		string(loan.Status), loan.RemainingBalance, loan.CommunityRemainingBalance,
		loan.FundingLockActive, loan.LatePayments, loan.RecoveryPayments, loan.Version,
		toMillis(loan.CreatedAt), toMillis(loan.UpdatedAt), nullMillis(loan.DefaultedAt),
		nullMillis(loan.RecoveryStartedAt), nullMillis(loan.CompletedAt), nullMillis(loan.CommunityRepaidAt))
	if err != nil {
		return fmt.Errorf("create loan %s: %w", loan.ID, err)
	}
	return nil
}

func (r *LoanRepository) Update(ctx context.Context, loan *domain.Loan) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	updatedAt := time.Now().UTC()

	result, err := r.tx.exec(ctx,
		`UPDATE loans
		 SET status = ?, remaining_balance = ?, community_remaining_balance = ?,
		     funding_lock_active = ?, late_payments = ?, recovery_payments = ?,
		     version = version + 1, updated_at = ?, defaulted_at = ?, recovery_started_at = ?,
		     completed_at = ?, community_repaid_at = ?
		 WHERE id = ? AND version = ?`,
		string(loan.Status), loan.RemainingBalance, loan.CommunityRemainingBalance,
		loan.FundingLockActive, loan.LatePayments, loan.RecoveryPayments, toMillis(updatedAt),
		nullMillis(loan.DefaultedAt), nullMillis(loan.RecoveryStartedAt), nullMillis(loan.CompletedAt),
		nullMillis(loan.CommunityRepaidAt), loan.ID, loan.Version)
	if err != nil {
		return fmt.Errorf("update loan %s: %w", loan.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update loan %s: %w", loan.ID, err)
	}
	if n == 0 {
		var exists int
		err := r.tx.queryRow(ctx, `SELECT 1 FROM loans WHERE id = ?`, loan.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: loan %s", repository.ErrNotFound, loan.ID)
		}
		return fmt.Errorf("%w: loan %s changed since version %d",
			repository.ErrTransactionConflict, loan.ID, loan.Version)
	}

	loan.Version++
	loan.UpdatedAt = updatedAt
	return nil
}
