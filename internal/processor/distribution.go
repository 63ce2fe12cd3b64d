package processor

import (
	"community_lending/internal/domain"
	"community_lending/internal/ledger"
	"community_lending/internal/repository"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DistributionOptions struct {
	Type          domain.PaymentType
	CommunityOnly bool
	Reference     string
}

// ShareCredit is the amount one share received from a distribution.
type ShareCredit struct {
	ShareID      string          `json:"share_id"`
	FunderID     string          `json:"funder_id"`
	IsSelfFunded bool            `json:"is_self_funded"`
	Amount       decimal.Decimal `json:"amount"`
	Outstanding  decimal.Decimal `json:"outstanding"`
}

type DistributionResult struct {
	LoanID                    string               `json:"loan_id"`
	Requested                 decimal.Decimal      `json:"requested"`
	Actual                    decimal.Decimal      `json:"actual"`
	Undistributed             decimal.Decimal      `json:"undistributed"`
	Distributions             []ShareCredit        `json:"distributions"`
	RemainingBalance          decimal.Decimal      `json:"remaining_balance"`
	CommunityRemainingBalance decimal.Decimal      `json:"community_remaining_balance"`
	FullyPaid                 bool                 `json:"fully_paid"`
	CommunityFullyRepaid      bool                 `json:"community_fully_repaid"`
	NothingOutstanding        bool                 `json:"nothing_outstanding"`
	PayerBalance              decimal.Decimal      `json:"payer_balance"`
	Payment                   *domain.LoanPayment  `json:"payment,omitempty"`
	Loan                      *domain.Loan         `json:"loan"`
	Messages                  []domain.LoanMessage `json:"messages,omitempty"`
}

// DistributionEngine allocates a payment across a loan's outstanding shares
// in proportion to what each is still owed.
type DistributionEngine struct {
	ledger   *ledger.Ledger
	registry *ShareRegistry
	messages *messageCatalog
	now      func() time.Time
	logger   *slog.Logger
}

func NewDistributionEngine(l *ledger.Ledger, registry *ShareRegistry, now func() time.Time, logger *slog.Logger) *DistributionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &DistributionEngine{
		ledger:   l,
		registry: registry,
		messages: newMessageCatalog(now),
		now:      now,
		logger:   logger,
	}
}

// Distribute moves up to amount from the payer's watershed to the funders of
// loanID. The amount is capped by the payer's balance and by the outstanding
// principal of the targeted shares. Per-share credits are rounded to cents
// and never exceed what the share is owed. The payer is debited the full
// actual amount; the sub-cent residual left by rounding is not credited to
// any share and is recorded on the payment as Undistributed.
func (e *DistributionEngine) Distribute(ctx context.Context, tx repository.Tx, loanID, payerID string, amount decimal.Decimal, opts DistributionOptions) (*DistributionResult, error) {
	requested := domain.RoundMoney(amount)
	if !requested.IsPositive() {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidAmount, amount)
	}
	if opts.Type == "" {
		opts.Type = domain.PaymentRepayment
	}
	if !opts.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown payment type %q", domain.ErrInvalidRequest, opts.Type)
	}

	loan, err := tx.Loans().Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	switch opts.Type {
	case domain.PaymentAcceleration:
		if !loan.Status.Accelerable() {
			return nil, fmt.Errorf("%w: loan %s is %s", domain.ErrLoanNotAccelerable, loan.ID, loan.Status)
		}
	default:
		if !loan.Status.Repayable() {
			return nil, fmt.Errorf("%w: loan %s is %s", domain.ErrInvalidStateTransition, loan.ID, loan.Status)
		}
	}

	shares, err := e.registry.List(ctx, tx, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	targets := Targets(shares, opts.CommunityOnly)
	totalOutstanding := TotalOutstanding(targets)

	result := &DistributionResult{
		LoanID:        loan.ID,
		Requested:     requested,
		Actual:        decimal.Zero,
		Undistributed: decimal.Zero,
		Distributions: []ShareCredit{},
		Loan:          loan,
	}
	if !totalOutstanding.IsPositive() {
		result.NothingOutstanding = true
		result.PayerBalance, err = e.ledger.AvailableBalance(ctx, tx, payerID)
		if err != nil {
			return nil, fmt.Errorf("failed to read payer balance: %w", err)
		}
		e.fillAggregates(result, shares)
		return result, nil
	}

	available, err := e.ledger.AvailableBalance(ctx, tx, payerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read payer balance: %w", err)
	}
	actual := domain.RoundMoney(domain.MinMoney(requested, available, totalOutstanding))
	if !actual.IsPositive() {
		return nil, fmt.Errorf("%w: payer %s has %s available", domain.ErrInsufficientFunds, payerID, available.StringFixed(2))
	}
	result.Actual = actual

	paymentID := uuid.NewString()
	receivedType, sentType := domain.TxnRepaymentReceived, domain.TxnRepaymentSent
	if opts.Type == domain.PaymentAcceleration {
		receivedType, sentType = domain.TxnAccelerationReceived, domain.TxnAccelerationSent
	}

	credited, toCommunity := decimal.Zero, decimal.Zero
	for _, share := range targets {
		outstanding := share.Outstanding()
		if !outstanding.IsPositive() {
			continue
		}
		proportional := domain.RoundMoney(actual.Mul(outstanding).Div(totalOutstanding))
		credit := domain.MinMoney(proportional, outstanding, actual.Sub(credited))
		if !credit.IsPositive() {
			continue
		}

		if err := e.registry.ApplyCredit(ctx, tx, share, credit); err != nil {
			return nil, err
		}
		if _, err := e.ledger.Credit(ctx, tx, ledger.Entry{
			AccountID:   share.FunderID,
			Type:        receivedType,
			Amount:      credit,
			Description: receiptDescription(opts.Type, loan.ID),
			Reference:   paymentID,
		}); err != nil {
			return nil, fmt.Errorf("failed to credit funder %s: %w", share.FunderID, err)
		}

		credited = credited.Add(credit)
		if !share.IsSelfFunded {
			toCommunity = toCommunity.Add(credit)
		}
		result.Distributions = append(result.Distributions, ShareCredit{
			ShareID:      share.ID,
			FunderID:     share.FunderID,
			IsSelfFunded: share.IsSelfFunded,
			Amount:       credit,
			Outstanding:  share.Outstanding(),
		})
		if share.FunderID != payerID {
			result.Messages = append(result.Messages,
				e.messages.RepaymentReceived(share.FunderID, loan.ID, credit, opts.Type))
		}
	}
	if credited.GreaterThan(actual) {
		panic(domain.InvariantViolation{
			Invariant: "distribution within actual amount",
			Detail:    fmt.Sprintf("loan %s: credited %s of %s", loan.ID, credited, actual),
		})
	}

	payerBalance, err := e.ledger.Debit(ctx, tx, ledger.Entry{
		AccountID:   payerID,
		Type:        sentType,
		Amount:      actual,
		Description: paymentDescription(opts, loan.ID),
		Reference:   paymentID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to debit payer %s: %w", payerID, err)
	}
	result.PayerBalance = payerBalance
	result.Undistributed = actual.Sub(credited)

	now := e.now()
	wasCommunityRepaid := loan.CommunityRepaidAt != nil
	e.fillAggregates(result, shares)
	loan.RemainingBalance = result.RemainingBalance
	loan.CommunityRemainingBalance = result.CommunityRemainingBalance

	hasCommunity := len(Targets(shares, true)) > 0
	if hasCommunity && result.CommunityFullyRepaid && !wasCommunityRepaid {
		loan.CommunityRepaidAt = domain.TimePtr(now)
		loan.FundingLockActive = false
		result.Messages = append(result.Messages, e.messages.CommunityRepaid(loan.BorrowerID, loan.ID))
	}
	if result.FullyPaid {
		loan.Status = domain.LoanCompleted
		loan.CompletedAt = domain.TimePtr(now)
		loan.FundingLockActive = false
		result.Messages = append(result.Messages, e.messages.LoanCompleted(loan.BorrowerID, loan.ID))
	}

	applied := toCommunity
	if opts.CommunityOnly {
		applied = actual
	}
	payment := &domain.LoanPayment{
		ID:                 paymentID,
		LoanID:             loan.ID,
		PayerID:            payerID,
		Type:               opts.Type,
		Amount:             actual,
		Requested:          requested,
		CommunityOnly:      opts.CommunityOnly,
		AppliedToCommunity: applied,
		AppliedToSelf:      actual.Sub(applied),
		Undistributed:      result.Undistributed,
		Reference:          opts.Reference,
		CreatedAt:          now,
	}
	if err := tx.Payments().Append(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}
	if err := tx.Loans().Update(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to update loan: %w", err)
	}
	result.Payment = payment

	if opts.Type == domain.PaymentAcceleration {
		result.Messages = append([]domain.LoanMessage{e.messages.Acceleration(payerID, loan.ID, actual, opts.CommunityOnly)},
			result.Messages...)
	} else {
		result.Messages = append([]domain.LoanMessage{e.messages.Repayment(payerID, loan.ID, actual)},
			result.Messages...)
	}

	e.logger.InfoContext(ctx, "Payment distributed",
		slog.String("loan_id", loan.ID),
		slog.String("payment_id", paymentID),
		slog.String("type", string(opts.Type)),
		slog.String("requested", requested.StringFixed(2)),
		slog.String("actual", actual.StringFixed(2)),
		slog.String("undistributed", result.Undistributed.StringFixed(2)),
		slog.Int("shares_credited", len(result.Distributions)))

	return result, nil
}

func (e *DistributionEngine) fillAggregates(result *DistributionResult, shares []*domain.FundingShare) {
	result.RemainingBalance, result.CommunityRemainingBalance = Aggregates(shares)
	result.FullyPaid = result.RemainingBalance.IsZero()
	result.CommunityFullyRepaid = result.CommunityRemainingBalance.IsZero()
}

func receiptDescription(t domain.PaymentType, loanID string) string {
	if t == domain.PaymentAcceleration {
		return fmt.Sprintf("Accelerated repayment received from loan %s", loanID)
	}
	return fmt.Sprintf("Loan repayment received from loan %s", loanID)
}

func paymentDescription(opts DistributionOptions, loanID string) string {
	desc := fmt.Sprintf("Loan repayment for loan %s", loanID)
	if opts.Type == domain.PaymentAcceleration {
		desc = fmt.Sprintf("Voluntary acceleration for loan %s", loanID)
	}
	if opts.CommunityOnly {
		desc += " (community funders only)"
	}
	return desc
}
