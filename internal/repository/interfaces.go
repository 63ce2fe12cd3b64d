package repository

import (
	"community_lending/internal/domain"
	"context"
	"errors"
)

type AccountRepository interface {
	// Get returns the account. Inside Update it also locks the row.
	Get(ctx context.Context, id string) (*domain.LedgerAccount, error)
	Create(ctx context.Context, account *domain.LedgerAccount) error
	Update(ctx context.Context, account *domain.LedgerAccount) error
}

type TransactionRepository interface {
	Append(ctx context.Context, txn *domain.LedgerTransaction) error
	// ListByAccount returns transactions in sequence order.
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerTransaction, error)
}

type LoanRepository interface {
	// Get returns the loan. Inside Update it also locks the row.
	Get(ctx context.Context, id string) (*domain.Loan, error)
	Create(ctx context.Context, loan *domain.Loan) error
	// Update persists the loan if its Version still matches the stored one
	// and increments Version. A mismatch yields ErrTransactionConflict.
	Update(ctx context.Context, loan *domain.Loan) error
}

type ShareRepository interface {
	Create(ctx context.Context, share *domain.FundingShare) error
	// ListByLoan returns shares ordered by creation time, then id.
	ListByLoan(ctx context.Context, loanID string) ([]*domain.FundingShare, error)
	UpdateRepaid(ctx context.Context, share *domain.FundingShare) error
}

type PaymentRepository interface {
	Append(ctx context.Context, payment *domain.LoanPayment) error
	// ListByLoan returns payments oldest first.
	ListByLoan(ctx context.Context, loanID string) ([]*domain.LoanPayment, error)
	GetByReference(ctx context.Context, loanID, reference string) (*domain.LoanPayment, error)
}

type CreditRepository interface {
	GetProfile(ctx context.Context, userID string) (*domain.CreditProfile, error)
	SaveProfile(ctx context.Context, profile *domain.CreditProfile) error
	AppendEvent(ctx context.Context, event *domain.CreditLimitEvent) error
	ListEvents(ctx context.Context, userID string) ([]*domain.CreditLimitEvent, error)
}

// Tx groups the repositories bound to one unit of work.
type Tx interface {
	Accounts() AccountRepository
	Transactions() TransactionRepository
	Loans() LoanRepository
	Shares() ShareRepository
	Payments() PaymentRepository
	Credit() CreditRepository
}

// Store runs units of work. Update commits every write made through tx when
// fn returns nil and discards all of them otherwise, including on panic.
type Store interface {
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicate           = errors.New("duplicate entry")
	ErrTransactionConflict = errors.New("transaction conflict")
)
