package memory

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"fmt"
)

type TransactionRepository struct {
	tx *memTx
}

func (r *TransactionRepository) Append(ctx context.Context, txn *domain.LedgerTransaction) error {
	if err := r.tx.writable(); err != nil {
		return err
	}

	history := r.tx.st.transactions[txn.AccountID]
	if n := len(history); n > 0 && history[n-1].Sequence >= txn.Sequence {
		return fmt.Errorf("%w: transaction %s sequence %d", repository.ErrDuplicate, txn.ID, txn.Sequence)
	}

	r.tx.st.transactions[txn.AccountID] = append(history, *txn)
	return nil
}

func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerTransaction, error) {
	history := page(r.tx.st.transactions[accountID], limit, offset)

	result := make([]*domain.LedgerTransaction, 0, len(history))
	for i := range history {
		txn := history[i]
		result = append(result, &txn)
	}
	return result, nil
}
