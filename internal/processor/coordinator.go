package processor

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const creditReasonRecovery = "recovery_complete"

// TransitionResult describes what a coordinator call did to a loan.
type TransitionResult struct {
	Loan        *domain.Loan             `json:"loan"`
	Health      HealthReport             `json:"health"`
	From        domain.LoanStatus        `json:"from"`
	To          domain.LoanStatus        `json:"to"`
	Changed     bool                     `json:"changed"`
	CreditEvent *domain.CreditLimitEvent `json:"credit_event,omitempty"`
	Messages    []domain.LoanMessage     `json:"messages,omitempty"`
}

// Coordinator applies classifier verdicts and recovery steps to persisted
// loans. Only the defaulted verdict is persisted automatically; late and
// at-risk stay read-side so timing jitter cannot make a loan oscillate.
type Coordinator struct {
	policy   Policy
	messages *messageCatalog
	now      func() time.Time
	logger   *slog.Logger
}

func NewCoordinator(policy Policy, now func() time.Time, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		policy:   policy.withDefaults(),
		messages: newMessageCatalog(now),
		now:      now,
		logger:   logger,
	}
}

func newTransitionResult(loan *domain.Loan) *TransitionResult {
	return &TransitionResult{Loan: loan, From: loan.Status, To: loan.Status}
}

// ProcessTransition re-evaluates a loan against its repayment timeline.
// Terminal loans are returned unchanged.
func (c *Coordinator) ProcessTransition(ctx context.Context, tx repository.Tx, loanID string) (*TransitionResult, error) {
	loan, err := tx.Loans().Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	result := newTransitionResult(loan)

	if loan.Status.Terminal() {
		result.Health = Classify(loan, nil, now, c.policy)
		return result, nil
	}

	payments, err := tx.Payments().ListByLoan(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	result.Health = Classify(loan, payments, now, c.policy)

	switch {
	case loan.Status == domain.LoanRecovering:
		if !c.recoveryLapsed(loan, payments, now) {
			return result, nil
		}
		return c.resetRecovery(ctx, tx, loan, result)

	case result.Health.Status == domain.HealthDefaulted && loan.Status != domain.LoanDefaulted:
		loan.Status = domain.LoanDefaulted
		loan.DefaultedAt = domain.TimePtr(now)
		loan.LatePayments++
		if err := tx.Loans().Update(ctx, loan); err != nil {
			return nil, fmt.Errorf("failed to update loan: %w", err)
		}

		result.To = loan.Status
		result.Changed = true
		result.Messages = append(result.Messages, c.messages.Defaulted(loan.BorrowerID, loan.ID, result.Health.DaysBehind))

		c.logger.WarnContext(ctx, "Loan defaulted",
			slog.String("loan_id", loan.ID),
			slog.String("previous_status", string(result.From)),
			slog.Int("days_behind", result.Health.DaysBehind),
			slog.Int("missed_payments", result.Health.MissedPayments))
	}

	return result, nil
}

// recoveryLapsed reports whether a full payment interval has passed since the
// later of recovery start and the last repayment.
func (c *Coordinator) recoveryLapsed(loan *domain.Loan, payments []*domain.LoanPayment, now time.Time) bool {
	since := loan.CreatedAt
	switch {
	case loan.RecoveryStartedAt != nil:
		since = *loan.RecoveryStartedAt
	case loan.DefaultedAt != nil:
		since = *loan.DefaultedAt
	}
	for _, payment := range payments {
		if payment.Type == domain.PaymentRepayment && payment.CreatedAt.After(since) {
			since = payment.CreatedAt
		}
	}
	return now.Sub(since) > c.policy.PaymentInterval
}

// StartRecovery moves a defaulted loan into recovery. The payment that
// triggers it counts as the first recovery payment.
func (c *Coordinator) StartRecovery(ctx context.Context, tx repository.Tx, loanID string) (*TransitionResult, error) {
	loan, err := tx.Loans().Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != domain.LoanDefaulted {
		return nil, fmt.Errorf("%w: cannot start recovery from %s", domain.ErrInvalidStateTransition, loan.Status)
	}

	result := newTransitionResult(loan)
	loan.Status = domain.LoanRecovering
	loan.RecoveryStartedAt = domain.TimePtr(c.now())
	loan.RecoveryPayments = 1
	if err := tx.Loans().Update(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to update loan: %w", err)
	}

	result.To = loan.Status
	result.Changed = true
	result.Messages = append(result.Messages,
		c.messages.RecoveryStarted(loan.BorrowerID, loan.ID, c.policy.RecoveryPaymentsThreshold))

	c.logger.InfoContext(ctx, "Loan recovery started", slog.String("loan_id", loan.ID))
	return result, nil
}

// CompleteRecovery returns a recovered loan to repaying and permanently
// halves the borrower's credit limit.
func (c *Coordinator) CompleteRecovery(ctx context.Context, tx repository.Tx, loanID string) (*TransitionResult, error) {
	loan, err := tx.Loans().Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != domain.LoanRecovering {
		return nil, fmt.Errorf("%w: cannot complete recovery from %s", domain.ErrInvalidStateTransition, loan.Status)
	}
	if loan.RecoveryPayments < c.policy.RecoveryPaymentsThreshold {
		return nil, fmt.Errorf("%w: %d of %d recovery payments made",
			domain.ErrInvalidStateTransition, loan.RecoveryPayments, c.policy.RecoveryPaymentsThreshold)
	}

	result := newTransitionResult(loan)
	loan.Status = domain.LoanRepaying
	loan.RecoveryStartedAt = nil
	loan.RecoveryPayments = 0
	if err := tx.Loans().Update(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to update loan: %w", err)
	}

	event, err := c.halveCreditLimit(ctx, tx, loan)
	if err != nil {
		return nil, err
	}

	result.To = loan.Status
	result.Changed = true
	result.CreditEvent = event
	result.Messages = append(result.Messages, c.messages.RecoveryComplete(loan.BorrowerID, loan.ID, event.NewLimit))

	c.logger.InfoContext(ctx, "Loan recovery completed",
		slog.String("loan_id", loan.ID),
		slog.String("previous_limit", event.PreviousLimit.StringFixed(2)),
		slog.String("new_limit", event.NewLimit.StringFixed(2)))
	return result, nil
}

func (c *Coordinator) halveCreditLimit(ctx context.Context, tx repository.Tx, loan *domain.Loan) (*domain.CreditLimitEvent, error) {
	profile, err := tx.Credit().GetProfile(ctx, loan.BorrowerID)
	if errors.Is(err, repository.ErrNotFound) {
		profile = &domain.CreditProfile{UserID: loan.BorrowerID, CreditLimit: c.policy.DefaultCreditLimit}
	} else if err != nil {
		return nil, fmt.Errorf("failed to get credit profile: %w", err)
	}

	previous := profile.CreditLimit
	profile.CreditLimit = HalvedCreditLimit(previous, c.policy.MinimumCreditLimit)
	if err := tx.Credit().SaveProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to save credit profile: %w", err)
	}

	event := &domain.CreditLimitEvent{
		ID:            uuid.NewString(),
		UserID:        loan.BorrowerID,
		LoanID:        loan.ID,
		CreditTier:    profile.CreditTier,
		PreviousLimit: previous,
		NewLimit:      profile.CreditLimit,
		Reason:        creditReasonRecovery,
		CreatedAt:     c.now(),
	}
	if err := tx.Credit().AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append credit event: %w", err)
	}
	return event, nil
}

// HalvedCreditLimit halves a limit, flooring at minimum without ever raising
// a limit that is already below it.
func HalvedCreditLimit(previous, minimum decimal.Decimal) decimal.Decimal {
	half := domain.RoundMoney(previous.Div(decimal.NewFromInt(2)))
	return decimal.Min(previous, decimal.Max(half, minimum))
}

// ResetRecoveryProgress forfeits a broken recovery streak.
func (c *Coordinator) ResetRecoveryProgress(ctx context.Context, tx repository.Tx, loanID string) (*TransitionResult, error) {
	loan, err := tx.Loans().Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != domain.LoanRecovering {
		return nil, fmt.Errorf("%w: cannot reset recovery from %s", domain.ErrInvalidStateTransition, loan.Status)
	}
	return c.resetRecovery(ctx, tx, loan, newTransitionResult(loan))
}

func (c *Coordinator) resetRecovery(ctx context.Context, tx repository.Tx, loan *domain.Loan, result *TransitionResult) (*TransitionResult, error) {
	forfeited := loan.RecoveryPayments
	loan.RecoveryPayments = 0
	loan.RecoveryStartedAt = domain.TimePtr(c.now())
	if err := tx.Loans().Update(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to update loan: %w", err)
	}

	result.Changed = true
	result.Messages = append(result.Messages, c.messages.RecoveryReset(loan.BorrowerID, loan.ID))

	c.logger.WarnContext(ctx, "Loan recovery progress reset",
		slog.String("loan_id", loan.ID),
		slog.Int("forfeited_payments", forfeited))
	return result, nil
}
