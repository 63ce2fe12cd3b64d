// Package ledger maintains watershed balances. Every balance mutation is
// paired with exactly one appended transaction carrying the resulting
// balance, inside the caller's unit of work.
package ledger

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

type Ledger struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}

	return &Ledger{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for account and transaction
// timestamps.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Entry describes one side of a transfer.
type Entry struct {
	AccountID   string
	Type        domain.TransactionType
	Amount      decimal.Decimal
	Description string
	Reference   string
}

// EnsureAccount returns the user's account, creating an empty one if needed.
func (l *Ledger) EnsureAccount(ctx context.Context, tx repository.Tx, userID string) (*domain.LedgerAccount, error) {
	account, err := tx.Accounts().Get(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	account = domain.NewLedgerAccount(userID, l.now())
	if err := tx.Accounts().Create(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// AvailableBalance returns the account balance, or zero when the user has no
// account yet.
func (l *Ledger) AvailableBalance(ctx context.Context, tx repository.Tx, accountID string) (decimal.Decimal, error) {
	account, err := tx.Accounts().Get(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// Credit adds amount to the account and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, tx repository.Tx, e Entry) (decimal.Decimal, error) {
	amount := domain.RoundMoney(e.Amount)
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: credit of %s", domain.ErrInvalidAmount, e.Amount)
	}

	account, err := l.EnsureAccount(ctx, tx, e.AccountID)
	if err != nil {
		return decimal.Zero, err
	}

	account.TotalInflow = account.TotalInflow.Add(amount)
	return l.apply(ctx, tx, account, amount, e)
}

// Debit removes amount from the account and returns the new balance. It
// fails with ErrInsufficientFunds when amount exceeds the balance.
func (l *Ledger) Debit(ctx context.Context, tx repository.Tx, e Entry) (decimal.Decimal, error) {
	amount := domain.RoundMoney(e.Amount)
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: debit of %s", domain.ErrInvalidAmount, e.Amount)
	}

	account, err := tx.Accounts().Get(ctx, e.AccountID)
	if errors.Is(err, repository.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("%w: account %s has no balance", domain.ErrInsufficientFunds, e.AccountID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get account: %w", err)
	}
	if amount.GreaterThan(account.Balance) {
		return decimal.Zero, fmt.Errorf("%w: balance %s, debit %s",
			domain.ErrInsufficientFunds, account.Balance.StringFixed(2), amount.StringFixed(2))
	}

	account.TotalOutflow = account.TotalOutflow.Add(amount)
	return l.apply(ctx, tx, account, amount.Neg(), e)
}

func (l *Ledger) apply(ctx context.Context, tx repository.Tx, account *domain.LedgerAccount, signed decimal.Decimal, e Entry) (decimal.Decimal, error) {
	account.Balance = account.Balance.Add(signed)
	account.Sequence++

	txn := domain.NewLedgerTransaction(account.ID, e.Type, signed).
		WithDescription(e.Description).
		WithReference(e.Reference)
	txn.Sequence = account.Sequence
	txn.BalanceAfter = account.Balance
	txn.CreatedAt = l.now()

	if err := tx.Accounts().Update(ctx, account); err != nil {
		return decimal.Zero, fmt.Errorf("failed to update account: %w", err)
	}
	if err := tx.Transactions().Append(ctx, txn); err != nil {
		return decimal.Zero, fmt.Errorf("failed to append transaction: %w", err)
	}

	l.logger.DebugContext(ctx, "Ledger entry applied",
		slog.String("account_id", account.ID),
		slog.String("type", string(e.Type)),
		slog.String("amount", signed.StringFixed(2)),
		slog.String("balance_after", account.Balance.StringFixed(2)))

	return account.Balance, nil
}

// Reconcile replays an account's history against its stored balance and
// lifetime totals.
func (l *Ledger) Reconcile(ctx context.Context, tx repository.Tx, accountID string) (*domain.ReconciliationReport, error) {
	account, err := tx.Accounts().Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	history, err := tx.Transactions().ListByAccount(ctx, accountID, 0, 0)
	if err != nil {
		return nil, err
	}

	report := &domain.ReconciliationReport{
		AccountID:         accountID,
		TotalTransactions: len(history),
		Balance:           account.Balance,
		NetFlow:           account.TotalInflow.Sub(account.TotalOutflow),
		CreatedAt:         l.now(),
	}

	running := decimal.Zero
	for _, txn := range history {
		if txn.Amount.IsZero() {
			report.Discrepancies = append(report.Discrepancies,
				fmt.Sprintf("transaction %s: zero amount", txn.ID))
		}
		running = running.Add(txn.Amount)
		if !running.Equal(txn.BalanceAfter) {
			report.Discrepancies = append(report.Discrepancies,
				fmt.Sprintf("transaction %s: running sum %s != balance after %s",
					txn.ID, running.StringFixed(2), txn.BalanceAfter.StringFixed(2)))
		}
	}
	report.TransactionSum = running

	if !running.Equal(account.Balance) {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("balance %s != transaction sum %s", account.Balance.StringFixed(2), running.StringFixed(2)))
	}
	if !report.NetFlow.Equal(account.Balance) {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("balance %s != inflow - outflow %s", account.Balance.StringFixed(2), report.NetFlow.StringFixed(2)))
	}
	report.IsBalanced = len(report.Discrepancies) == 0

	return report, nil
}

// History returns the account's transactions in sequence order.
func (l *Ledger) History(ctx context.Context, tx repository.Tx, accountID string, limit, offset int) ([]*domain.LedgerTransaction, error) {
	return tx.Transactions().ListByAccount(ctx, accountID, limit, offset)
}
