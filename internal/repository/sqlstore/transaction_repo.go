package sqlstore

import (
	"community_lending/internal/domain"
	"context"
	"fmt"
	"math"
)

type TransactionRepository struct {
	tx *dbTx
}

func (r *TransactionRepository) Append(ctx context.Context, txn *domain.LedgerTransaction) error {
	if err := r.tx.writable(); err != nil {
		return err
	}

	_, err := r.tx.exec(ctx,
		`INSERT INTO ledger_transactions
		   (id, account_id, sequence, type, amount, description, balance_after, reference, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.AccountID, txn.Sequence, string(txn.Type), txn.Amount, txn.Description,
		txn.BalanceAfter, txn.Reference, toMillis(txn.CreatedAt))
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", txn.ID, err)
	}
	return nil
}

func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerTransaction, error) {
	query := `SELECT id, account_id, sequence, type, amount, description, balance_after, reference, created_at
		 FROM ledger_transactions WHERE account_id = ? ORDER BY sequence`
	args := []any{accountID}
	if limit <= 0 {
		limit = math.MaxInt32
	}
	offset = max(offset, 0)
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.tx.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	result := []*domain.LedgerTransaction{}
	for rows.Next() {
		var (
			txn       domain.LedgerTransaction
			txnType   string
			createdAt int64
		)
		if err := rows.Scan(&txn.ID, &txn.AccountID, &txn.Sequence, &txnType, &txn.Amount,
			&txn.Description, &txn.BalanceAfter, &txn.Reference, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txn.Type = domain.TransactionType(txnType)
		txn.CreatedAt = fromMillis(createdAt)
		result = append(result, &txn)
	}
	return result, rows.Err()
}
