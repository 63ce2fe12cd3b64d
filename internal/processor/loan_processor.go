package processor

import (
	"community_lending/internal/domain"
	"community_lending/internal/ledger"
	"community_lending/internal/repository"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MessageSink receives display messages after the unit of work that produced
// them has committed.
type MessageSink interface {
	Publish(ctx context.Context, messages []domain.LoanMessage)
}

// Recorder receives processing metrics.
type Recorder interface {
	RecordDistribution(paymentType, outcome string, actual, undistributed float64, duration time.Duration)
	RecordTransition(from, to string)
	ObservePayerBalance(balance float64)
}

const (
	OutcomeDistributed        = "distributed"
	OutcomeNothingOutstanding = "nothing_outstanding"
	OutcomeReplayed           = "replayed"
	OutcomeFailed             = "failed"
)

type PaymentRequest struct {
	LoanID    string
	PayerID   string
	Amount    decimal.Decimal
	Type      domain.PaymentType
	Reference string
}

type PaymentResult struct {
	Distribution *DistributionResult  `json:"distribution,omitempty"`
	Recovery     *RecoveryResult      `json:"recovery,omitempty"`
	Transition   *TransitionResult    `json:"transition,omitempty"`
	Payment      *domain.LoanPayment  `json:"payment,omitempty"`
	Loan         *domain.Loan         `json:"loan"`
	PriorStatus  domain.LoanStatus    `json:"prior_status"`
	Replayed     bool                 `json:"replayed"`
	Messages     []domain.LoanMessage `json:"messages,omitempty"`
}

type Option func(*LoanProcessor)

func WithMessageSink(sink MessageSink) Option {
	return func(p *LoanProcessor) { p.sink = sink }
}

func WithRecorder(recorder Recorder) Option {
	return func(p *LoanProcessor) { p.recorder = recorder }
}

func WithClock(now func() time.Time) Option {
	return func(p *LoanProcessor) { p.now = now }
}

// LoanProcessor is the entry point of the lending core. Every inbound
// operation runs as one unit of work and is retried when it loses a race
// with a concurrent update to the same loan.
type LoanProcessor struct {
	store       repository.Store
	policy      Policy
	ledger      *ledger.Ledger
	registry    *ShareRegistry
	coordinator *Coordinator
	engine      *DistributionEngine
	recovery    *RecoveryTracker
	sink        MessageSink
	recorder    Recorder
	now         func() time.Time
	logger      *slog.Logger
}

func NewLoanProcessor(store repository.Store, policy Policy, logger *slog.Logger, opts ...Option) *LoanProcessor {
	if logger == nil {
		logger = slog.Default()
	}

	p := &LoanProcessor{
		store:    store,
		policy:   policy.withDefaults(),
		sink:     noopSink{},
		recorder: noopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.ledger = ledger.NewLedger(logger).WithClock(p.now)
	p.registry = NewShareRegistry(logger)
	p.coordinator = NewCoordinator(p.policy, p.now, logger)
	p.engine = NewDistributionEngine(p.ledger, p.registry, p.now, logger)
	p.recovery = NewRecoveryTracker(p.coordinator)

	return p
}

// update runs fn in a unit of work, retrying on transaction conflicts.
func (p *LoanProcessor) update(ctx context.Context, op string, fn func(ctx context.Context, tx repository.Tx) error) error {
	var err error
	for attempt := 0; attempt <= p.policy.ConflictRetries; attempt++ {
		err = p.store.Update(ctx, fn)
		if !errors.Is(err, repository.ErrTransactionConflict) {
			return err
		}
		p.logger.WarnContext(ctx, "Unit of work conflicted",
			slog.String("operation", op),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return err
}

func (p *LoanProcessor) publish(ctx context.Context, messages []domain.LoanMessage) {
	if len(messages) > 0 {
		p.sink.Publish(ctx, messages)
	}
}

// RegisterLoan records a disbursed loan together with its funding shares.
// Balances are derived from the shares and the loan starts active.
func (p *LoanProcessor) RegisterLoan(ctx context.Context, loan *domain.Loan, shares []*domain.FundingShare) (*domain.Loan, error) {
	if loan.ID == "" {
		loan.ID = uuid.NewString()
	}
	if loan.BorrowerID == "" {
		return nil, fmt.Errorf("%w: borrower id is required", domain.ErrInvalidRequest)
	}
	if loan.Type == "" {
		loan.Type = domain.LoanStandard
	}
	if !loan.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown loan type %q", domain.ErrInvalidRequest, loan.Type)
	}
	if loan.RepaymentMonths <= 0 {
		return nil, fmt.Errorf("%w: repayment months must be positive", domain.ErrInvalidRequest)
	}
	loan.Amount = domain.RoundMoney(loan.Amount)
	if !loan.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: loan amount %s", domain.ErrInvalidAmount, loan.Amount)
	}
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: at least one funding share is required", domain.ErrInvalidRequest)
	}
	contributed := decimal.Zero
	for _, share := range shares {
		contributed = contributed.Add(domain.RoundMoney(share.Amount))
	}
	if !contributed.Equal(loan.Amount) {
		return nil, fmt.Errorf("%w: shares total %s, loan amount %s",
			domain.ErrInvalidAmount, contributed.StringFixed(2), loan.Amount.StringFixed(2))
	}

	var registered *domain.Loan
	err := p.update(ctx, "register_loan", func(ctx context.Context, tx repository.Tx) error {
		record := loan.Clone()
		record.Status = domain.LoanActive
		record.CreatedAt = p.now()
		record.RemainingBalance = record.Amount
		record.CommunityRemainingBalance = decimal.Zero
		if err := tx.Loans().Create(ctx, record); err != nil {
			return err
		}

		copies := make([]*domain.FundingShare, len(shares))
		for i, share := range shares {
			c := *share
			c.CreatedAt = record.CreatedAt
			copies[i] = &c
		}
		if err := p.registry.Register(ctx, tx, record.ID, copies); err != nil {
			return err
		}

		record.RemainingBalance, record.CommunityRemainingBalance = Aggregates(copies)
		record.FundingLockActive = record.CommunityRemainingBalance.IsPositive()
		if err := tx.Loans().Update(ctx, record); err != nil {
			return err
		}
		registered = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "Loan registered",
		slog.String("loan_id", registered.ID),
		slog.String("borrower_id", registered.BorrowerID),
		slog.String("amount", registered.Amount.StringFixed(2)),
		slog.Bool("funding_lock_active", registered.FundingLockActive))
	return registered, nil
}

// SubmitPayment applies externally cleared funds to a loan. The funds are
// first deposited into the payer's watershed and then distributed, so any
// amount the loan cannot absorb stays with the payer. When the targeted
// shares are already repaid nothing is deposited and the result reports
// NothingOutstanding. A repeated reference returns the recorded payment
// without side effects.
func (p *LoanProcessor) SubmitPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	start := time.Now()
	if req.Type == "" {
		req.Type = domain.PaymentRepayment
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown payment type %q", domain.ErrInvalidRequest, req.Type)
	}
	amount := domain.RoundMoney(req.Amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidAmount, req.Amount)
	}

	var result *PaymentResult
	err := p.update(ctx, "submit_payment", func(ctx context.Context, tx repository.Tx) error {
		result = &PaymentResult{}

		if req.Reference != "" {
			existing, err := tx.Payments().GetByReference(ctx, req.LoanID, req.Reference)
			if err == nil {
				result.Replayed = true
				result.Payment = existing
				result.Loan, err = tx.Loans().Get(ctx, req.LoanID)
				return err
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return err
			}
		}

		loan, err := tx.Loans().Get(ctx, req.LoanID)
		if err != nil {
			return err
		}
		statusBefore := loan.Status
		result.PriorStatus = statusBefore

		communityOnly := req.Type == domain.PaymentAcceleration
		if communityOnly && loan.Type != domain.LoanBacked {
			return fmt.Errorf("%w: loan %s is a %s loan", domain.ErrLoanNotAccelerable, loan.ID, loan.Type)
		}

		// Nothing is deposited when the targeted shares are already repaid.
		shares, err := p.registry.List(ctx, tx, loan.ID)
		if err != nil {
			return err
		}
		if TotalOutstanding(Targets(shares, communityOnly)).IsPositive() {
			if _, err := p.ledger.Credit(ctx, tx, ledger.Entry{
				AccountID:   req.PayerID,
				Type:        domain.TxnDeposit,
				Amount:      amount,
				Description: fmt.Sprintf("Payment received for loan %s", loan.ID),
				Reference:   req.Reference,
			}); err != nil {
				return err
			}
		}

		dist, err := p.engine.Distribute(ctx, tx, req.LoanID, req.PayerID, amount, DistributionOptions{
			Type:          req.Type,
			CommunityOnly: communityOnly,
			Reference:     req.Reference,
		})
		if err != nil {
			return err
		}
		result.Distribution = dist
		result.Payment = dist.Payment
		result.Loan = dist.Loan
		result.Messages = append(result.Messages, dist.Messages...)

		if req.Type != domain.PaymentRepayment || dist.NothingOutstanding || dist.Loan.Status.Terminal() {
			return nil
		}

		switch statusBefore {
		case domain.LoanDefaulted:
			transition, err := p.coordinator.StartRecovery(ctx, tx, req.LoanID)
			if err != nil {
				return err
			}
			result.Transition = transition
			result.Loan = transition.Loan
			result.Messages = append(result.Messages, transition.Messages...)
		case domain.LoanRecovering:
			recovery, err := p.recovery.RecordRecoveryPayment(ctx, tx, req.LoanID)
			if err != nil {
				return err
			}
			result.Recovery = recovery
			result.Loan = recovery.Loan
			result.Messages = append(result.Messages, recovery.Messages...)
		}
		return nil
	})
	if err != nil {
		p.recorder.RecordDistribution(string(req.Type), OutcomeFailed, 0, 0, time.Since(start))
		p.logger.ErrorContext(ctx, "Payment failed",
			slog.String("loan_id", req.LoanID),
			slog.String("payer_id", req.PayerID),
			slog.String("error", err.Error()))
		return nil, err
	}

	p.observePayment(ctx, string(req.Type), result, start)
	return result, nil
}

// TriggerAccelerate lets a borrower push extra repayment from their
// watershed toward the community funders of a backed loan.
func (p *LoanProcessor) TriggerAccelerate(ctx context.Context, loanID, borrowerID string, amount decimal.Decimal) (*PaymentResult, error) {
	start := time.Now()

	var result *PaymentResult
	err := p.update(ctx, "trigger_accelerate", func(ctx context.Context, tx repository.Tx) error {
		loan, err := tx.Loans().Get(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.BorrowerID != borrowerID {
			return fmt.Errorf("%w: loan %s does not belong to %s", domain.ErrNotAuthorized, loanID, borrowerID)
		}
		if loan.Type != domain.LoanBacked {
			return fmt.Errorf("%w: loan %s is a %s loan", domain.ErrLoanNotAccelerable, loanID, loan.Type)
		}

		dist, err := p.engine.Distribute(ctx, tx, loanID, borrowerID, amount, DistributionOptions{
			Type:          domain.PaymentAcceleration,
			CommunityOnly: true,
		})
		if err != nil {
			return err
		}
		result = &PaymentResult{
			Distribution: dist,
			Payment:      dist.Payment,
			Loan:         dist.Loan,
			PriorStatus:  loan.Status,
			Messages:     dist.Messages,
		}
		return nil
	})
	if err != nil {
		p.recorder.RecordDistribution(string(domain.PaymentAcceleration), OutcomeFailed, 0, 0, time.Since(start))
		p.logger.WarnContext(ctx, "Acceleration rejected",
			slog.String("loan_id", loanID),
			slog.String("borrower_id", borrowerID),
			slog.String("error", err.Error()))
		return nil, err
	}

	p.observePayment(ctx, string(domain.PaymentAcceleration), result, start)
	return result, nil
}

func (p *LoanProcessor) observePayment(ctx context.Context, paymentType string, result *PaymentResult, start time.Time) {
	duration := time.Since(start)
	switch {
	case result.Replayed:
		p.recorder.RecordDistribution(paymentType, OutcomeReplayed, 0, 0, duration)
	case result.Distribution != nil && result.Distribution.NothingOutstanding:
		p.recorder.RecordDistribution(paymentType, OutcomeNothingOutstanding, 0, 0, duration)
	case result.Distribution != nil:
		dist := result.Distribution
		p.recorder.RecordDistribution(paymentType, OutcomeDistributed,
			dist.Actual.InexactFloat64(), dist.Undistributed.InexactFloat64(), duration)
		if dist.Payment != nil {
			p.recorder.ObservePayerBalance(dist.PayerBalance.InexactFloat64())
		}
		if dist.FullyPaid && result.PriorStatus != domain.LoanCompleted {
			p.recorder.RecordTransition(string(result.PriorStatus), string(domain.LoanCompleted))
		}
	}
	for _, transition := range []*TransitionResult{result.Transition, recoveryTransition(result.Recovery)} {
		if transition != nil && transition.From != transition.To {
			p.recorder.RecordTransition(string(transition.From), string(transition.To))
		}
	}

	p.publish(ctx, result.Messages)
}

func recoveryTransition(r *RecoveryResult) *TransitionResult {
	if r == nil {
		return nil
	}
	return r.Transition
}

// ProcessTransition re-evaluates a loan's persisted status.
func (p *LoanProcessor) ProcessTransition(ctx context.Context, loanID string) (*TransitionResult, error) {
	return p.transition(ctx, "process_transition", loanID, p.coordinator.ProcessTransition)
}

func (p *LoanProcessor) StartRecovery(ctx context.Context, loanID string) (*TransitionResult, error) {
	return p.transition(ctx, "start_recovery", loanID, p.coordinator.StartRecovery)
}

func (p *LoanProcessor) CompleteRecovery(ctx context.Context, loanID string) (*TransitionResult, error) {
	return p.transition(ctx, "complete_recovery", loanID, p.coordinator.CompleteRecovery)
}

func (p *LoanProcessor) ResetRecoveryProgress(ctx context.Context, loanID string) (*TransitionResult, error) {
	return p.transition(ctx, "reset_recovery", loanID, p.coordinator.ResetRecoveryProgress)
}

func (p *LoanProcessor) transition(
	ctx context.Context,
	op string,
	loanID string,
	fn func(ctx context.Context, tx repository.Tx, loanID string) (*TransitionResult, error),
) (*TransitionResult, error) {
	var result *TransitionResult
	err := p.update(ctx, op, func(ctx context.Context, tx repository.Tx) error {
		var err error
		result, err = fn(ctx, tx, loanID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if result.From != result.To {
		p.recorder.RecordTransition(string(result.From), string(result.To))
	}
	p.publish(ctx, result.Messages)
	return result, nil
}

// RecordRecoveryPayment counts a qualifying payment on a recovering loan.
func (p *LoanProcessor) RecordRecoveryPayment(ctx context.Context, loanID string) (*RecoveryResult, error) {
	var result *RecoveryResult
	err := p.update(ctx, "record_recovery_payment", func(ctx context.Context, tx repository.Tx) error {
		var err error
		result, err = p.recovery.RecordRecoveryPayment(ctx, tx, loanID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if t := result.Transition; t != nil && t.From != t.To {
		p.recorder.RecordTransition(string(t.From), string(t.To))
	}
	p.publish(ctx, result.Messages)
	return result, nil
}

func (p *LoanProcessor) GetLoan(ctx context.Context, loanID string) (*domain.Loan, error) {
	var loan *domain.Loan
	err := p.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		loan, err = tx.Loans().Get(ctx, loanID)
		return err
	})
	return loan, err
}

// GetLedgerBalance returns a watershed snapshot. Users without an account
// have an empty watershed.
func (p *LoanProcessor) GetLedgerBalance(ctx context.Context, accountID string) (*domain.BalanceSnapshot, error) {
	snapshot := &domain.BalanceSnapshot{
		AccountID:    accountID,
		Balance:      decimal.Zero,
		TotalInflow:  decimal.Zero,
		TotalOutflow: decimal.Zero,
		AsOf:         p.now(),
	}
	err := p.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		account, err := tx.Accounts().Get(ctx, accountID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		snapshot.Balance = account.Balance
		snapshot.TotalInflow = account.TotalInflow
		snapshot.TotalOutflow = account.TotalOutflow
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (p *LoanProcessor) GetLedgerHistory(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerTransaction, error) {
	var history []*domain.LedgerTransaction
	err := p.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		history, err = p.ledger.History(ctx, tx, accountID, limit, offset)
		return err
	})
	return history, err
}

func (p *LoanProcessor) ReconcileAccount(ctx context.Context, accountID string) (*domain.ReconciliationReport, error) {
	var report *domain.ReconciliationReport
	err := p.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		report, err = p.ledger.Reconcile(ctx, tx, accountID)
		return err
	})
	return report, err
}

// GetLoanHealth classifies a loan without changing it.
func (p *LoanProcessor) GetLoanHealth(ctx context.Context, loanID string) (*domain.LoanHealth, error) {
	var health *domain.LoanHealth
	err := p.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		loan, err := tx.Loans().Get(ctx, loanID)
		if err != nil {
			return err
		}
		payments, err := tx.Payments().ListByLoan(ctx, loanID)
		if err != nil {
			return err
		}

		report := Classify(loan, payments, p.now(), p.policy)
		health = &domain.LoanHealth{
			LoanID:          loan.ID,
			Status:          report.Status,
			Label:           report.Status.Label(),
			PersistedStatus: loan.Status,
			DaysBehind:      report.DaysBehind,
			MissedPayments:  report.MissedPayments,
		}
		return nil
	})
	return health, err
}

func (p *LoanProcessor) ListPaymentRecords(ctx context.Context, loanID string) ([]*domain.LoanPayment, error) {
	var payments []*domain.LoanPayment
	err := p.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.Loans().Get(ctx, loanID); err != nil {
			return err
		}
		var err error
		payments, err = tx.Payments().ListByLoan(ctx, loanID)
		return err
	})
	return payments, err
}

func (p *LoanProcessor) ListShares(ctx context.Context, loanID string) ([]*domain.FundingShare, error) {
	var shares []*domain.FundingShare
	err := p.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		shares, err = p.registry.List(ctx, tx, loanID)
		return err
	})
	return shares, err
}

func (p *LoanProcessor) ListCreditEvents(ctx context.Context, userID string) ([]*domain.CreditLimitEvent, error) {
	var events []*domain.CreditLimitEvent
	err := p.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		events, err = tx.Credit().ListEvents(ctx, userID)
		return err
	})
	return events, err
}

type noopSink struct{}

func (noopSink) Publish(context.Context, []domain.LoanMessage) {}

type noopRecorder struct{}

func (noopRecorder) RecordDistribution(string, string, float64, float64, time.Duration) {}
func (noopRecorder) RecordTransition(string, string)                                   {}
func (noopRecorder) ObservePayerBalance(float64)                                      {}
