package memory

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"fmt"
	"time"
)

type AccountRepository struct {
	tx *memTx
}

func (r *AccountRepository) Get(ctx context.Context, id string) (*domain.LedgerAccount, error) {
	account, exists := r.tx.st.accounts[id]
	if !exists {
		return nil, fmt.Errorf("%w: account %s", repository.ErrNotFound, id)
	}
	return &account, nil
}

func (r *AccountRepository) Create(ctx context.Context, account *domain.LedgerAccount) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if _, exists := r.tx.st.accounts[account.ID]; exists {
		return fmt.Errorf("%w: account %s", repository.ErrDuplicate, account.ID)
	}

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	account.UpdatedAt = account.CreatedAt
	r.tx.st.accounts[account.ID] = *account

	return nil
}

func (r *AccountRepository) Update(ctx context.Context, account *domain.LedgerAccount) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if _, exists := r.tx.st.accounts[account.ID]; !exists {
		return fmt.Errorf("%w: account %s", repository.ErrNotFound, account.ID)
	}

	account.UpdatedAt = time.Now().UTC()
	r.tx.st.accounts[account.ID] = *account

	return nil
}
