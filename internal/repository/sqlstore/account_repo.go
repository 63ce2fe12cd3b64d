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

type AccountRepository struct {
	tx *dbTx
}

func (r *AccountRepository) Get(ctx context.Context, id string) (*domain.LedgerAccount, error) {
	var (
		account              domain.LedgerAccount
		createdAt, updatedAt int64
	)
	err := r.tx.queryRow(ctx,
		`SELECT id, user_id, balance, total_inflow, total_outflow, sequence, created_at, updated_at
		 FROM accounts WHERE id = ?`+r.tx.lockSuffix(), id).
		Scan(&account.ID, &account.UserID, &account.Balance, &account.TotalInflow,
			&account.TotalOutflow, &account.Sequence, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", repository.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", mapError(err))
	}

	account.CreatedAt = fromMillis(createdAt)
	account.UpdatedAt = fromMillis(updatedAt)
	return &account, nil
}

func (r *AccountRepository) Create(ctx context.Context, account *domain.LedgerAccount) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	account.UpdatedAt = account.CreatedAt

	_, err := r.tx.exec(ctx,
		`INSERT INTO accounts (id, user_id, balance, total_inflow, total_outflow, sequence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.UserID, account.Balance, account.TotalInflow, account.TotalOutflow,
		account.Sequence, toMillis(account.CreatedAt), toMillis(account.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create account %s: %w", account.ID, err)
	}
	return nil
}

func (r *AccountRepository) Update(ctx context.Context, account *domain.LedgerAccount) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	account.UpdatedAt = time.Now().UTC()

	result, err := r.tx.exec(ctx,
		`UPDATE accounts
		 SET balance = ?, total_inflow = ?, total_outflow = ?, sequence = ?, updated_at = ?
		 WHERE id = ?`,
		account.Balance, account.TotalInflow, account.TotalOutflow, account.Sequence,
		toMillis(account.UpdatedAt), account.ID)
	if err != nil {
		return fmt.Errorf("update account %s: %w", account.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: account %s", repository.ErrNotFound, account.ID)
	}
	return nil
}
