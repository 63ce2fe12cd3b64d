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

const paymentColumns = `id, loan_id, payer_id, type, amount, requested, community_only,
	applied_to_community, applied_to_self, undistributed, reference, created_at`

type PaymentRepository struct {
	tx *dbTx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.LoanPayment, error) {
	var (
		payment     domain.LoanPayment
		paymentType string
		reference   sql.NullString
		createdAt   int64
	)
	if err := row.Scan(&payment.ID, &payment.LoanID, &payment.PayerID, &paymentType, &payment.Amount,
		&payment.Requested, &payment.CommunityOnly, &payment.AppliedToCommunity, &payment.AppliedToSelf,
		&payment.Undistributed, &reference, &createdAt); err != nil {
		return nil, err
	}
	payment.Type = domain.PaymentType(paymentType)
	payment.Reference = reference.String
	payment.CreatedAt = fromMillis(createdAt)
	return &payment, nil
}

func (r *PaymentRepository) Append(ctx context.Context, payment *domain.LoanPayment) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	var position int
	if err := r.tx.queryRow(ctx,
		`SELECT COUNT(*) FROM loan_payments WHERE loan_id = ?`, payment.LoanID).Scan(&position); err != nil {
		return fmt.Errorf("count payments: %w", mapError(err))
	}

	_, err := r.tx.exec(ctx,
		`INSERT INTO loan_payments (id, loan_id, position, payer_id, type, amount, requested,
		   community_only, applied_to_community, applied_to_self, undistributed, reference, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, payment.LoanID, position, payment.PayerID, string(payment.Type), payment.Amount,
		payment.Requested, payment.CommunityOnly, payment.AppliedToCommunity, payment.AppliedToSelf,
		payment.Undistributed, nullString(payment.Reference), toMillis(payment.CreatedAt))
	if err != nil {
		return fmt.Errorf("append payment %s: %w", payment.ID, err)
	}
	return nil
}

func (r *PaymentRepository) ListByLoan(ctx context.Context, loanID string) ([]*domain.LoanPayment, error) {
	rows, err := r.tx.query(ctx,
		`SELECT `+paymentColumns+` FROM loan_payments WHERE loan_id = ? ORDER BY position`, loanID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	result := []*domain.LoanPayment{}
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		result = append(result, payment)
	}
	return result, rows.Err()
}

func (r *PaymentRepository) GetByReference(ctx context.Context, loanID, reference string) (*domain.LoanPayment, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: empty payment reference", repository.ErrNotFound)
	}

	payment, err := scanPayment(r.tx.queryRow(ctx,
		`SELECT `+paymentColumns+` FROM loan_payments WHERE loan_id = ? AND reference = ?`, loanID, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: payment reference %s", repository.ErrNotFound, reference)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", mapError(err))
	}
	return payment, nil
}
