package processor

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ShareRegistry owns each loan's funding shares. Shares are written once at
// disbursement; afterwards only their repaid amount grows.
type ShareRegistry struct {
	logger *slog.Logger
}

func NewShareRegistry(logger *slog.Logger) *ShareRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShareRegistry{logger: logger}
}

// Register records the shares of a freshly disbursed loan. A loan can be
// registered only once.
func (r *ShareRegistry) Register(ctx context.Context, tx repository.Tx, loanID string, shares []*domain.FundingShare) error {
	existing, err := tx.Shares().ListByLoan(ctx, loanID)
	if err != nil {
		return fmt.Errorf("failed to list shares: %w", err)
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: shares for loan %s", repository.ErrDuplicate, loanID)
	}

	for _, share := range shares {
		share.Amount = domain.RoundMoney(share.Amount)
		share.Repaid = domain.RoundMoney(share.Repaid)
		if !share.Amount.IsPositive() {
			return fmt.Errorf("%w: share amount %s", domain.ErrInvalidAmount, share.Amount)
		}
		if share.Repaid.IsNegative() || share.Repaid.GreaterThan(share.Amount) {
			return fmt.Errorf("%w: share repaid %s of %s", domain.ErrInvalidAmount, share.Repaid, share.Amount)
		}
		if share.ID == "" {
			share.ID = uuid.NewString()
		}
		share.LoanID = loanID

		if err := tx.Shares().Create(ctx, share); err != nil {
			return fmt.Errorf("failed to create share: %w", err)
		}
	}

	r.logger.InfoContext(ctx, "Funding shares registered",
		slog.String("loan_id", loanID),
		slog.Int("shares", len(shares)))
	return nil
}

// List returns a loan's shares in creation order.
func (r *ShareRegistry) List(ctx context.Context, tx repository.Tx, loanID string) ([]*domain.FundingShare, error) {
	return tx.Shares().ListByLoan(ctx, loanID)
}

// ApplyCredit adds credit to the share's repaid amount. Pushing repaid past
// the contributed amount means the ledger is corrupt, so it panics.
func (r *ShareRegistry) ApplyCredit(ctx context.Context, tx repository.Tx, share *domain.FundingShare, credit decimal.Decimal) error {
	repaid := share.Repaid.Add(credit)
	if credit.IsNegative() || repaid.GreaterThan(share.Amount) {
		panic(domain.InvariantViolation{
			Invariant: "share repaid within contributed amount",
			Detail: fmt.Sprintf("share %s: repaid %s + credit %s exceeds amount %s",
				share.ID, share.Repaid, credit, share.Amount),
		})
	}

	share.Repaid = repaid
	if err := tx.Shares().UpdateRepaid(ctx, share); err != nil {
		return fmt.Errorf("failed to update share: %w", err)
	}
	return nil
}

// Targets selects the shares a distribution may credit.
func Targets(shares []*domain.FundingShare, communityOnly bool) []*domain.FundingShare {
	if !communityOnly {
		return shares
	}
	targets := make([]*domain.FundingShare, 0, len(shares))
	for _, share := range shares {
		if !share.IsSelfFunded {
			targets = append(targets, share)
		}
	}
	return targets
}

// TotalOutstanding sums the positive outstanding principal of shares.
func TotalOutstanding(shares []*domain.FundingShare) decimal.Decimal {
	total := decimal.Zero
	for _, share := range shares {
		if outstanding := share.Outstanding(); outstanding.IsPositive() {
			total = total.Add(outstanding)
		}
	}
	return total
}

// Aggregates derives a loan's remaining and community remaining balances
// from its shares. Settled amounts are reported as zero.
func Aggregates(shares []*domain.FundingShare) (remaining, communityRemaining decimal.Decimal) {
	remaining = domain.FloorZero(TotalOutstanding(shares))
	communityRemaining = domain.FloorZero(TotalOutstanding(Targets(shares, true)))
	return remaining, communityRemaining
}
