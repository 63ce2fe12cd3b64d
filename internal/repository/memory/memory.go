package memory

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
)

var (
	_ repository.Store                 = (*Store)(nil)
	_ repository.AccountRepository     = (*AccountRepository)(nil)
	_ repository.TransactionRepository = (*TransactionRepository)(nil)
	_ repository.LoanRepository        = (*LoanRepository)(nil)
	_ repository.ShareRepository       = (*ShareRepository)(nil)
	_ repository.PaymentRepository     = (*PaymentRepository)(nil)
	_ repository.CreditRepository      = (*CreditRepository)(nil)
)

var errReadOnly = errors.New("write attempted in read-only transaction")

type state struct {
	accounts     map[string]domain.LedgerAccount
	transactions map[string][]domain.LedgerTransaction
	loans        map[string]domain.Loan
	shares       map[string][]domain.FundingShare
	payments     map[string][]domain.LoanPayment
	profiles     map[string]domain.CreditProfile
	creditEvents map[string][]domain.CreditLimitEvent
}

func newState() *state {
	return &state{
		accounts:     make(map[string]domain.LedgerAccount),
		transactions: make(map[string][]domain.LedgerTransaction),
		loans:        make(map[string]domain.Loan),
		shares:       make(map[string][]domain.FundingShare),
		payments:     make(map[string][]domain.LoanPayment),
		profiles:     make(map[string]domain.CreditProfile),
		creditEvents: make(map[string][]domain.CreditLimitEvent),
	}
}

// clone copies every map and slice so the working copy of a unit of work
// never aliases committed state. Loan time pointers are replaced, never
// written through, so sharing them is safe.
func (s *state) clone() *state {
	return &state{
		accounts:     maps.Clone(s.accounts),
		transactions: cloneSlices(s.transactions),
		loans:        maps.Clone(s.loans),
		shares:       cloneSlices(s.shares),
		payments:     cloneSlices(s.payments),
		profiles:     maps.Clone(s.profiles),
		creditEvents: cloneSlices(s.creditEvents),
	}
}

func cloneSlices[T any](in map[string][]T) map[string][]T {
	out := make(map[string][]T, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

// Store keeps all lending state in memory. Units of work are serialized by a
// single writer lock and applied copy-on-write, so a failed or panicking
// Update leaves committed state untouched.
type Store struct {
	mu    sync.RWMutex
	state *state
}

func NewStore() *Store {
	return &Store{state: newState()}
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(ctx, &memTx{st: s.state, readOnly: true})
}

func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type memTx struct {
	st       *state
	readOnly bool
}

func (t *memTx) Accounts() repository.AccountRepository         { return &AccountRepository{tx: t} }
func (t *memTx) Transactions() repository.TransactionRepository { return &TransactionRepository{tx: t} }
func (t *memTx) Loans() repository.LoanRepository               { return &LoanRepository{tx: t} }
func (t *memTx) Shares() repository.ShareRepository             { return &ShareRepository{tx: t} }
func (t *memTx) Payments() repository.PaymentRepository         { return &PaymentRepository{tx: t} }
func (t *memTx) Credit() repository.CreditRepository            { return &CreditRepository{tx: t} }

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	offset = max(offset, 0)
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
