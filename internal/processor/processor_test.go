package processor

import (
	"community_lending/internal/domain"
	"community_lending/internal/ledger"
	"community_lending/internal/repository"
	"community_lending/internal/repository/memory"
	"community_lending/internal/repository/sqlstore"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var epoch = time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type captureSink struct {
	mu       sync.Mutex
	messages []domain.LoanMessage
}

func (s *captureSink) Publish(ctx context.Context, messages []domain.LoanMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, messages...)
}

func (s *captureSink) For(userID string) []domain.LoanMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LoanMessage
	for _, m := range s.messages {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

type transitionRecorder struct {
	noopRecorder
	transitions []string
}

func (r *transitionRecorder) RecordTransition(from, to string) {
	r.transitions = append(r.transitions, from+"->"+to)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	store     repository.Store
	clock     *testClock
	sink      *captureSink
	processor *LoanProcessor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memory.NewStore(), opts...)
}

func newFixtureWithStore(t *testing.T, store repository.Store, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: store,
		clock: &testClock{t: epoch},
		sink:  &captureSink{},
	}
	opts = append([]Option{WithClock(f.clock.Now), WithMessageSink(f.sink)}, opts...)
	f.processor = NewLoanProcessor(store, DefaultPolicy(), nil, opts...)
	return f
}

func (f *fixture) deposit(t *testing.T, userID string, amount string) {
	t.Helper()
	l := ledger.NewLedger(nil).WithClock(f.clock.Now)
	err := f.store.Update(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		_, err := l.Credit(ctx, tx, ledger.Entry{
			AccountID:   userID,
			Type:        domain.TxnDeposit,
			Amount:      dec(amount),
			Description: "test deposit",
		})
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func (f *fixture) shares(t *testing.T, loanID string) []*domain.FundingShare {
	t.Helper()
	shares, err := f.processor.ListShares(context.Background(), loanID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return shares
}

func (f *fixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	snapshot, err := f.processor.GetLedgerBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return snapshot.Balance
}

// registerCommunityLoan registers a backed loan of 100 funded by two
// community shares of 60 and 40.
func (f *fixture) registerCommunityLoan(t *testing.T) *domain.Loan {
	t.Helper()
	loan, err := f.processor.RegisterLoan(context.Background(), &domain.Loan{
		ID:              "loan-1",
		BorrowerID:      "borrower",
		Type:            domain.LoanBacked,
		Amount:          dec("100"),
		RepaymentMonths: 12,
	}, []*domain.FundingShare{
		{ID: "share-a", FunderID: "funder-a", Amount: dec("60")},
		{ID: "share-b", FunderID: "funder-b", Amount: dec("40")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return loan
}

// registerMixedLoan registers a backed loan of 100 with a 50 self-funded
// share and community shares of 30 and 20.
func (f *fixture) registerMixedLoan(t *testing.T) *domain.Loan {
	t.Helper()
	loan, err := f.processor.RegisterLoan(context.Background(), &domain.Loan{
		ID:              "loan-mixed",
		BorrowerID:      "borrower",
		Type:            domain.LoanBacked,
		Amount:          dec("100"),
		RepaymentMonths: 12,
	}, []*domain.FundingShare{
		{ID: "self", FunderID: "borrower", Amount: dec("50"), IsSelfFunded: true},
		{ID: "community-a", FunderID: "funder-a", Amount: dec("30")},
		{ID: "community-b", FunderID: "funder-b", Amount: dec("20")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return loan
}

func (f *fixture) defaultLoan(t *testing.T, loanID string) {
	t.Helper()
	f.clock.Advance(45 * day)
	result, err := f.processor.ProcessTransition(context.Background(), loanID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.To != domain.LoanDefaulted {
		t.Fatalf("expected loan to default, got %s", result.To)
	}
}

func (f *fixture) repay(t *testing.T, loanID, amount string) *PaymentResult {
	t.Helper()
	result, err := f.processor.SubmitPayment(context.Background(), PaymentRequest{
		LoanID:  loanID,
		PayerID: "borrower",
		Amount:  dec(amount),
		Type:    domain.PaymentRepayment,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return result
}

func TestLoanProcessor_RegisterLoan_DerivesAggregates(t *testing.T) {
	f := newFixture(t)

	loan := f.registerMixedLoan(t)

	if loan.Status != domain.LoanActive {
		t.Errorf("expected status active, got %s", loan.Status)
	}
	if !loan.RemainingBalance.Equal(dec("100")) {
		t.Errorf("expected remaining 100, got %s", loan.RemainingBalance)
	}
	if !loan.CommunityRemainingBalance.Equal(dec("50")) {
		t.Errorf("expected community remaining 50, got %s", loan.CommunityRemainingBalance)
	}
	if !loan.FundingLockActive {
		t.Error("expected funding lock to be active")
	}
}

func TestLoanProcessor_RegisterLoan_RejectsMismatchedShares(t *testing.T) {
	f := newFixture(t)

	_, err := f.processor.RegisterLoan(context.Background(), &domain.Loan{
		BorrowerID:      "borrower",
		Amount:          dec("100"),
		RepaymentMonths: 6,
	}, []*domain.FundingShare{{FunderID: "funder-a", Amount: dec("90")}})

	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestLoanProcessor_RegisterLoan_Twice(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)

	_, err := f.processor.RegisterLoan(context.Background(), &domain.Loan{
		ID:              "loan-1",
		BorrowerID:      "borrower",
		Amount:          dec("10"),
		RepaymentMonths: 6,
	}, []*domain.FundingShare{{FunderID: "funder-a", Amount: dec("10")}})

	if !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestLoanProcessor_TriggerAccelerate_Proportional(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)
	f.deposit(t, "borrower", "500")

	result, err := f.processor.TriggerAccelerate(context.Background(), "loan-1", "borrower", dec("50"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	credits := map[string]decimal.Decimal{}
	for _, d := range result.Distribution.Distributions {
		credits[d.ShareID] = d.Amount
	}
	if !credits["share-a"].Equal(dec("30")) {
		t.Errorf("expected share-a credited 30.00, got %s", credits["share-a"])
	}
	if !credits["share-b"].Equal(dec("20")) {
		t.Errorf("expected share-b credited 20.00, got %s", credits["share-b"])
	}
	if !result.Loan.CommunityRemainingBalance.Equal(dec("50")) {
		t.Errorf("expected community remaining 50, got %s", result.Loan.CommunityRemainingBalance)
	}
	if result.Loan.Status != domain.LoanActive {
		t.Errorf("expected status unchanged, got %s", result.Loan.Status)
	}
	if result.Loan.CommunityRepaidAt != nil {
		t.Error("expected community repaid time to stay unset")
	}
	if got := f.balance(t, "borrower"); !got.Equal(dec("450")) {
		t.Errorf("expected borrower balance 450, got %s", got)
	}
	if got := f.balance(t, "funder-a"); !got.Equal(dec("30")) {
		t.Errorf("expected funder-a balance 30, got %s", got)
	}
}

func TestLoanProcessor_TriggerAccelerate_CappedAtOutstanding(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)
	f.deposit(t, "borrower", "500")

	result, err := f.processor.TriggerAccelerate(context.Background(), "loan-1", "borrower", dec("200"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Distribution.Actual.Equal(dec("100")) {
		t.Errorf("expected actual capped to 100, got %s", result.Distribution.Actual)
	}
	for _, share := range f.shares(t, "loan-1") {
		if !share.Repaid.Equal(share.Amount) {
			t.Errorf("expected share %s fully repaid, got %s of %s", share.ID, share.Repaid, share.Amount)
		}
	}
	loan := result.Loan
	if !loan.CommunityRemainingBalance.IsZero() {
		t.Errorf("expected community remaining 0, got %s", loan.CommunityRemainingBalance)
	}
	if loan.CommunityRepaidAt == nil {
		t.Error("expected community repaid time to be set")
	}
	if loan.FundingLockActive {
		t.Error("expected funding lock to be lifted")
	}
	if loan.Status != domain.LoanCompleted {
		t.Errorf("expected status completed, got %s", loan.Status)
	}
	if got := f.balance(t, "borrower"); !got.Equal(dec("400")) {
		t.Errorf("expected borrower balance 400, got %s", got)
	}
}

func TestLoanProcessor_TriggerAccelerate_CappedByPayerBalance(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)
	f.deposit(t, "borrower", "30")

	result, err := f.processor.TriggerAccelerate(context.Background(), "loan-1", "borrower", dec("50"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Distribution.Actual.Equal(dec("30")) {
		t.Errorf("expected actual 30, got %s", result.Distribution.Actual)
	}
	if !result.Distribution.PayerBalance.IsZero() {
		t.Errorf("expected payer balance 0, got %s", result.Distribution.PayerBalance)
	}
	if !result.Loan.CommunityRemainingBalance.Equal(dec("70")) {
		t.Errorf("expected community remaining 70, got %s", result.Loan.CommunityRemainingBalance)
	}
}

func TestLoanProcessor_TriggerAccelerate_EmptyWatershed(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)

	_, err := f.processor.TriggerAccelerate(context.Background(), "loan-1", "borrower", dec("50"))

	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if shares := f.shares(t, "loan-1"); !shares[0].Repaid.IsZero() {
		t.Errorf("expected no share credited, got %s", shares[0].Repaid)
	}
}

func TestLoanProcessor_TriggerAccelerate_Message(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)
	f.deposit(t, "borrower", "500")

	if _, err := f.processor.TriggerAccelerate(context.Background(), "loan-1", "borrower", dec("50")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages := f.sink.For("borrower")
	if len(messages) == 0 {
		t.Fatal("expected a borrower message")
	}
	want := "You directed $50.00 from your watershed toward your community funders."
	if messages[0].Text != want {
		t.Errorf("expected %q, got %q", want, messages[0].Text)
	}
	if funder := f.sink.For("funder-a"); len(funder) != 1 {
		t.Errorf("expected one funder message, got %d", len(funder))
	}
}

func TestLoanProcessor_TriggerAccelerate_MixedLoanSkipsSelfShare(t *testing.T) {
	f := newFixture(t)
	f.registerMixedLoan(t)
	f.deposit(t, "borrower", "100")

	result, err := f.processor.TriggerAccelerate(context.Background(), "loan-mixed", "borrower", dec("80"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Distribution.Actual.Equal(dec("50")) {
		t.Errorf("expected actual capped to community outstanding 50, got %s", result.Distribution.Actual)
	}
	loan := result.Loan
	if loan.Status != domain.LoanActive {
		t.Errorf("expected status active while self share is owed, got %s", loan.Status)
	}
	if !loan.RemainingBalance.Equal(dec("50")) {
		t.Errorf("expected remaining 50, got %s", loan.RemainingBalance)
	}
	if loan.CommunityRepaidAt == nil || loan.FundingLockActive {
		t.Error("expected funding lock lifted once community is repaid")
	}

	again, err := f.processor.TriggerAccelerate(context.Background(), "loan-mixed", "borrower", dec("10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.Distribution.NothingOutstanding {
		t.Error("expected nothing outstanding on a repaid community")
	}
	if got := f.balance(t, "borrower"); !got.Equal(dec("50")) {
		t.Errorf("expected borrower balance untouched at 50, got %s", got)
	}
}

func TestLoanProcessor_TriggerAccelerate_Rejections(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)
	f.deposit(t, "borrower", "100")
	if _, err := f.processor.RegisterLoan(context.Background(), &domain.Loan{
		ID:              "standard",
		BorrowerID:      "borrower",
		Type:            domain.LoanStandard,
		Amount:          dec("10"),
		RepaymentMonths: 3,
	}, []*domain.FundingShare{{FunderID: "funder-a", Amount: dec("10")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name     string
		loanID   string
		borrower string
		amount   string
		want     error
	}{
		{"other borrower", "loan-1", "someone-else", "10", domain.ErrNotAuthorized},
		{"standard loan", "standard", "borrower", "10", domain.ErrLoanNotAccelerable},
		{"zero amount", "loan-1", "borrower", "0", domain.ErrInvalidAmount},
		{"unknown loan", "missing", "borrower", "10", repository.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.processor.TriggerAccelerate(context.Background(), tt.loanID, tt.borrower, dec(tt.amount))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoanProcessor_TriggerAccelerate_DefaultedLoan(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)
	f.deposit(t, "borrower", "100")
	f.defaultLoan(t, "loan-1")

	_, err := f.processor.TriggerAccelerate(context.Background(), "loan-1", "borrower", dec("10"))

	if !errors.Is(err, domain.ErrLoanNotAccelerable) {
		t.Fatalf("expected ErrLoanNotAccelerable, got %v", err)
	}
	if !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Errorf("expected error to also match ErrInvalidStateTransition, got %v", err)
	}
}

func TestLoanProcessor_SubmitPayment_ConservesFunds(t *testing.T) {
	f := newFixture(t)
	f.registerMixedLoan(t)

	result := f.repay(t, "loan-mixed", "33.33")
	dist := result.Distribution

	credited := decimal.Zero
	for _, d := range dist.Distributions {
		credited = credited.Add(d.Amount)
	}
	if credited.GreaterThan(dist.Actual) {
		t.Errorf("expected credited %s <= actual %s", credited, dist.Actual)
	}
	if !credited.Add(dist.Undistributed).Equal(dist.Actual) {
		t.Errorf("expected credited %s + undistributed %s == actual %s", credited, dist.Undistributed, dist.Actual)
	}

	for _, user := range []string{"borrower", "funder-a", "funder-b"} {
		report, err := f.processor.ReconcileAccount(context.Background(), user)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !report.IsBalanced {
			t.Errorf("expected %s to reconcile, got %v", user, report.Discrepancies)
		}
	}

	history, err := f.processor.GetLedgerHistory(context.Background(), "borrower", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// deposit, self-share receipt and repayment debit
	if len(history) != 3 {
		t.Fatalf("expected 3 borrower transactions, got %d", len(history))
	}
	if history[0].Type != domain.TxnDeposit || !history[0].Amount.Equal(dec("33.33")) {
		t.Errorf("expected deposit of 33.33 first, got %s %s", history[0].Type, history[0].Amount)
	}
	last := history[len(history)-1]
	if last.Type != domain.TxnRepaymentSent || !last.Amount.Equal(dist.Actual.Neg()) {
		t.Errorf("expected payer debited exactly %s, got %s %s", dist.Actual, last.Type, last.Amount)
	}
}

func TestLoanProcessor_SubmitPayment_NeverOverRepays(t *testing.T) {
	f := newFixture(t)
	f.registerMixedLoan(t)

	for i := 0; i < 40; i++ {
		result := f.repay(t, "loan-mixed", "7.77")
		for _, share := range f.shares(t, "loan-mixed") {
			if share.Repaid.IsNegative() || share.Repaid.GreaterThan(share.Amount) {
				t.Fatalf("share %s repaid %s outside [0, %s]", share.ID, share.Repaid, share.Amount)
			}
		}
		if result.Loan.Status == domain.LoanCompleted {
			break
		}
	}

	loan, err := f.processor.GetLoan(context.Background(), "loan-mixed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loan.Status != domain.LoanCompleted {
		t.Errorf("expected loan completed, got %s", loan.Status)
	}
	if loan.CompletedAt == nil {
		t.Error("expected completion time to be set")
	}
}

func TestLoanProcessor_SubmitPayment_OverpaymentStaysWithPayer(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)

	result := f.repay(t, "loan-1", "150")

	if !result.Distribution.Actual.Equal(dec("100")) {
		t.Errorf("expected actual 100, got %s", result.Distribution.Actual)
	}
	if got := f.balance(t, "borrower"); !got.Equal(dec("50")) {
		t.Errorf("expected 50 left in the payer watershed, got %s", got)
	}
	if result.Loan.Status != domain.LoanCompleted {
		t.Errorf("expected completed, got %s", result.Loan.Status)
	}
}

func TestLoanProcessor_SubmitPayment_CompletedLoanRejected(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)
	f.repay(t, "loan-1", "100")

	_, err := f.processor.SubmitPayment(context.Background(), PaymentRequest{
		LoanID:  "loan-1",
		PayerID: "borrower",
		Amount:  dec("10"),
	})

	if !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if got := f.balance(t, "borrower"); !got.IsZero() {
		t.Errorf("expected rejected deposit to roll back, got balance %s", got)
	}
}

func TestLoanProcessor_SubmitPayment_ReferenceReplay(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)
	req := PaymentRequest{
		LoanID:    "loan-1",
		PayerID:   "borrower",
		Amount:    dec("25"),
		Type:      domain.PaymentRepayment,
		Reference: "gateway-123",
	}

	first, err := f.processor.SubmitPayment(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.processor.SubmitPayment(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !second.Replayed {
		t.Error("expected second submission to be a replay")
	}
	if second.Payment.ID != first.Payment.ID {
		t.Errorf("expected payment %s, got %s", first.Payment.ID, second.Payment.ID)
	}
	payments, err := f.processor.ListPaymentRecords(context.Background(), "loan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payments) != 1 {
		t.Errorf("expected 1 payment record, got %d", len(payments))
	}
	if !second.Loan.RemainingBalance.Equal(dec("75")) {
		t.Errorf("expected remaining 75, got %s", second.Loan.RemainingBalance)
	}
}

func TestLoanProcessor_SubmitPayment_NothingOutstandingDepositsNothing(t *testing.T) {
	f := newFixture(t)
	f.registerMixedLoan(t)
	f.deposit(t, "borrower", "60")
	if _, err := f.processor.TriggerAccelerate(context.Background(), "loan-mixed", "borrower", dec("50")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := PaymentRequest{
		LoanID:    "loan-mixed",
		PayerID:   "borrower",
		Amount:    dec("20"),
		Type:      domain.PaymentAcceleration,
		Reference: "ref-1",
	}

	for i := 0; i < 2; i++ {
		result, err := f.processor.SubmitPayment(context.Background(), req)
		if err != nil {
			t.Fatalf("submission %d: unexpected error: %v", i+1, err)
		}
		if !result.Distribution.NothingOutstanding {
			t.Errorf("submission %d: expected nothing outstanding", i+1)
		}
	}

	if got := f.balance(t, "borrower"); !got.Equal(dec("10")) {
		t.Errorf("expected borrower balance to stay 10, got %s", got)
	}
	history, err := f.processor.GetLedgerHistory(context.Background(), "borrower", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("expected only the seed deposit and the acceleration debit, got %d transactions", len(history))
	}
	payments, err := f.processor.ListPaymentRecords(context.Background(), "loan-mixed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payments) != 1 {
		t.Errorf("expected 1 payment record, got %d", len(payments))
	}
}

func TestLoanProcessor_SubmitPayment_AccelerationNeedsBackedLoan(t *testing.T) {
	f := newFixture(t)
	if _, err := f.processor.RegisterLoan(context.Background(), &domain.Loan{
		ID:              "standard",
		BorrowerID:      "borrower",
		Type:            domain.LoanStandard,
		Amount:          dec("40"),
		RepaymentMonths: 4,
	}, []*domain.FundingShare{{FunderID: "funder-a", Amount: dec("40")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := f.processor.SubmitPayment(context.Background(), PaymentRequest{
		LoanID:  "standard",
		PayerID: "borrower",
		Amount:  dec("10"),
		Type:    domain.PaymentAcceleration,
	})

	if !errors.Is(err, domain.ErrLoanNotAccelerable) {
		t.Fatalf("expected ErrLoanNotAccelerable, got %v", err)
	}
	if got := f.balance(t, "borrower"); !got.IsZero() {
		t.Errorf("expected no deposit, got balance %s", got)
	}
	if got := f.balance(t, "funder-a"); !got.IsZero() {
		t.Errorf("expected funder untouched, got %s", got)
	}
}

func TestLoanProcessor_SubmitPayment_KeepsRoundingResidual(t *testing.T) {
	f := newFixture(t)
	if _, err := f.processor.RegisterLoan(context.Background(), &domain.Loan{
		ID:              "thirds",
		BorrowerID:      "borrower",
		Amount:          dec("30"),
		RepaymentMonths: 3,
	}, []*domain.FundingShare{
		{ID: "share-a", FunderID: "funder-a", Amount: dec("10")},
		{ID: "share-b", FunderID: "funder-b", Amount: dec("10")},
		{ID: "share-c", FunderID: "funder-c", Amount: dec("10")},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result := f.repay(t, "thirds", "10")
	dist := result.Distribution

	if !dist.Actual.Equal(dec("10")) {
		t.Errorf("expected actual 10, got %s", dist.Actual)
	}
	if len(dist.Distributions) != 3 {
		t.Fatalf("expected 3 credits, got %d", len(dist.Distributions))
	}
	for _, credit := range dist.Distributions {
		if !credit.Amount.Equal(dec("3.33")) {
			t.Errorf("expected %s credited 3.33, got %s", credit.ShareID, credit.Amount)
		}
	}
	if !dist.Undistributed.Equal(dec("0.01")) {
		t.Errorf("expected undistributed 0.01, got %s", dist.Undistributed)
	}
	if !result.Payment.Undistributed.Equal(dec("0.01")) {
		t.Errorf("expected payment record undistributed 0.01, got %s", result.Payment.Undistributed)
	}
	if !result.Loan.RemainingBalance.Equal(dec("20.01")) {
		t.Errorf("expected remaining 20.01, got %s", result.Loan.RemainingBalance)
	}
	for _, share := range f.shares(t, "thirds") {
		if !share.Repaid.Equal(dec("3.33")) {
			t.Errorf("expected share %s repaid 3.33, got %s", share.ID, share.Repaid)
		}
	}

	history, err := f.processor.GetLedgerHistory(context.Background(), "borrower", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := history[len(history)-1]
	if last.Type != domain.TxnRepaymentSent || !last.Amount.Equal(dec("-10")) {
		t.Errorf("expected payer debited exactly 10.00, got %s %s", last.Type, last.Amount)
	}
	if got := f.balance(t, "borrower"); !got.IsZero() {
		t.Errorf("expected payer balance 0, got %s", got)
	}
}

func TestLoanProcessor_ProcessTransition_Defaults(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)
	f.clock.Advance(45 * day)

	health, err := f.processor.GetLoanHealth(context.Background(), "loan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if health.Status != domain.HealthDefaulted || health.DaysBehind != 45 {
		t.Fatalf("expected defaulted at 45 days, got %s at %d", health.Status, health.DaysBehind)
	}
	if health.PersistedStatus != domain.LoanActive {
		t.Errorf("expected health read to leave status active, got %s", health.PersistedStatus)
	}

	result, err := f.processor.ProcessTransition(context.Background(), "loan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.From != domain.LoanActive || result.To != domain.LoanDefaulted {
		t.Errorf("expected active -> defaulted, got %s -> %s", result.From, result.To)
	}
	loan, err := f.processor.GetLoan(context.Background(), "loan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loan.Status != domain.LoanDefaulted {
		t.Errorf("expected persisted status defaulted, got %s", loan.Status)
	}
	if loan.DefaultedAt == nil || !loan.DefaultedAt.Equal(f.clock.Now()) {
		t.Errorf("expected defaulted at %v, got %v", f.clock.Now(), loan.DefaultedAt)
	}
	if loan.LatePayments != 1 {
		t.Errorf("expected 1 late payment, got %d", loan.LatePayments)
	}
}

func TestLoanProcessor_ProcessTransition_LateStaysReadSide(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)
	f.clock.Advance(30 * day)

	result, err := f.processor.ProcessTransition(context.Background(), "loan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Health.Status != domain.HealthAtRisk {
		t.Errorf("expected at risk, got %s", result.Health.Status)
	}
	if result.Changed || result.To != domain.LoanActive {
		t.Errorf("expected no persisted change, got %s", result.To)
	}
}

func TestLoanProcessor_ProcessTransition_TerminalIsNoop(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)
	f.repay(t, "loan-1", "100")
	before, err := f.processor.GetLoan(context.Background(), "loan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.clock.Advance(400 * day)

	for i := 0; i < 2; i++ {
		result, err := f.processor.ProcessTransition(context.Background(), "loan-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Changed || result.To != domain.LoanCompleted {
			t.Errorf("expected completed loan unchanged, got %s", result.To)
		}
	}

	after, err := f.processor.GetLoan(context.Background(), "loan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after.Version != before.Version {
		t.Errorf("expected version %d, got %d", before.Version, after.Version)
	}
}

func TestLoanProcessor_Recovery_Threshold(t *testing.T) {
	f := newFixture(t)
	f.registerMixedLoan(t)
	f.defaultLoan(t, "loan-mixed")

	first := f.repay(t, "loan-mixed", "5")
	if first.Transition == nil || first.Loan.Status != domain.LoanRecovering {
		t.Fatalf("expected first repayment to start recovery, got %s", first.Loan.Status)
	}
	if first.Loan.RecoveryPayments != 1 {
		t.Errorf("expected 1 recovery payment, got %d", first.Loan.RecoveryPayments)
	}

	second := f.repay(t, "loan-mixed", "5")
	if second.Loan.Status != domain.LoanRecovering {
		t.Errorf("expected recovering after N-1 payments, got %s", second.Loan.Status)
	}
	if second.Loan.RecoveryPayments != 2 {
		t.Errorf("expected 2 recovery payments, got %d", second.Loan.RecoveryPayments)
	}

	third := f.repay(t, "loan-mixed", "5")
	if third.Loan.Status != domain.LoanRepaying {
		t.Fatalf("expected repaying after N payments, got %s", third.Loan.Status)
	}
	if third.Loan.RecoveryStartedAt != nil || third.Loan.RecoveryPayments != 0 {
		t.Error("expected recovery fields cleared")
	}
	if third.Recovery == nil || third.Recovery.Transition == nil {
		t.Fatal("expected a recovery transition")
	}
	event := third.Recovery.Transition.CreditEvent
	if !event.PreviousLimit.Equal(dec("500")) || !event.NewLimit.Equal(dec("250")) {
		t.Errorf("expected limit 500 -> 250, got %s -> %s", event.PreviousLimit, event.NewLimit)
	}

	events, err := f.processor.ListCreditEvents(context.Background(), "borrower")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Reason != "recovery_complete" {
		t.Errorf("expected one recovery_complete event, got %+v", events)
	}

	messages := f.sink.For("borrower")
	want := "Recovery complete. Your loan is back in repayment and your credit limit is now $250.00."
	if messages[len(messages)-1].Text != want {
		t.Errorf("expected %q, got %q", want, messages[len(messages)-1].Text)
	}
}

func TestLoanProcessor_Recovery_LimitFloor(t *testing.T) {
	f := newFixture(t)
	f.registerMixedLoan(t)
	err := f.store.Update(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.Credit().SaveProfile(ctx, &domain.CreditProfile{
			UserID:      "borrower",
			CreditLimit: dec("150"),
			CreditTier:  "bronze",
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.defaultLoan(t, "loan-mixed")

	var last *PaymentResult
	for i := 0; i < 3; i++ {
		last = f.repay(t, "loan-mixed", "5")
	}

	event := last.Recovery.Transition.CreditEvent
	if !event.NewLimit.Equal(dec("100")) {
		t.Errorf("expected limit floored at 100, got %s", event.NewLimit)
	}
	if event.CreditTier != "bronze" {
		t.Errorf("expected tier unchanged, got %s", event.CreditTier)
	}
}

func TestLoanProcessor_Recovery_ManualSteps(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)
	ctx := context.Background()

	if _, err := f.processor.StartRecovery(ctx, "loan-1"); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition starting recovery on an active loan, got %v", err)
	}

	f.defaultLoan(t, "loan-1")
	if _, err := f.processor.StartRecovery(ctx, "loan-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.processor.CompleteRecovery(ctx, "loan-1"); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition below threshold, got %v", err)
	}

	recorded, err := f.processor.RecordRecoveryPayment(ctx, "loan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !recorded.Recorded || recorded.Complete {
		t.Errorf("expected recorded progress without completion, got %+v", recorded)
	}

	reset, err := f.processor.ResetRecoveryProgress(ctx, "loan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reset.Loan.RecoveryPayments != 0 || reset.Loan.Status != domain.LoanRecovering {
		t.Errorf("expected recovering with 0 payments, got %s with %d", reset.Loan.Status, reset.Loan.RecoveryPayments)
	}
}

func TestLoanProcessor_RecordRecoveryPayment_NoopOutsideRecovery(t *testing.T) {
	f := newFixture(t)
	f.registerCommunityLoan(t)

	result, err := f.processor.RecordRecoveryPayment(context.Background(), "loan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Recorded || result.Complete {
		t.Errorf("expected no-op, got %+v", result)
	}
}

func TestLoanProcessor_Recovery_LapseResetsProgress(t *testing.T) {
	f := newFixture(t)
	f.registerMixedLoan(t)
	f.defaultLoan(t, "loan-mixed")
	f.repay(t, "loan-mixed", "5")
	f.repay(t, "loan-mixed", "5")

	f.clock.Advance(31 * day)
	result, err := f.processor.ProcessTransition(context.Background(), "loan-mixed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Changed || result.Loan.RecoveryPayments != 0 {
		t.Errorf("expected recovery progress reset, got %d payments", result.Loan.RecoveryPayments)
	}
	if result.Loan.Status != domain.LoanRecovering {
		t.Errorf("expected still recovering, got %s", result.Loan.Status)
	}
	want := "A scheduled payment was missed during recovery. Your recovery progress has been reset."
	if len(result.Messages) != 1 || result.Messages[0].Text != want {
		t.Errorf("expected reset message, got %+v", result.Messages)
	}
}

func TestLoanProcessor_RecordsTransitions(t *testing.T) {
	recorder := &transitionRecorder{}
	f := newFixture(t, WithRecorder(recorder))
	f.registerCommunityLoan(t)
	f.defaultLoan(t, "loan-1")
	f.repay(t, "loan-1", "100")

	want := []string{"active->defaulted", "defaulted->completed"}
	if len(recorder.transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, recorder.transitions)
	}
	for i := range want {
		if recorder.transitions[i] != want[i] {
			t.Errorf("expected %s, got %s", want[i], recorder.transitions[i])
		}
	}
}

func TestLoanProcessor_GetLedgerBalance_UnknownAccount(t *testing.T) {
	f := newFixture(t)

	snapshot, err := f.processor.GetLedgerBalance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !snapshot.Balance.IsZero() || snapshot.AccountID != "nobody" {
		t.Errorf("expected zero snapshot, got %+v", snapshot)
	}
}

func TestLoanProcessor_ListPaymentRecords_UnknownLoan(t *testing.T) {
	f := newFixture(t)

	_, err := f.processor.ListPaymentRecords(context.Background(), "missing")

	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// conflictingStore fails the first n units of work with a conflict.
type conflictingStore struct {
	repository.Store
	failures int
	attempts int
}

func (s *conflictingStore) Update(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.attempts++
	if s.attempts <= s.failures {
		return repository.ErrTransactionConflict
	}
	return s.Store.Update(ctx, fn)
}

func TestLoanProcessor_RetriesConflicts(t *testing.T) {
	store := &conflictingStore{Store: memory.NewStore()}
	f := newFixtureWithStore(t, store)
	f.registerCommunityLoan(t)

	store.attempts, store.failures = 0, 2
	result := f.repay(t, "loan-1", "10")

	if store.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", store.attempts)
	}
	if !result.Loan.RemainingBalance.Equal(dec("90")) {
		t.Errorf("expected remaining 90, got %s", result.Loan.RemainingBalance)
	}

	store.attempts, store.failures = 0, 10
	_, err := f.processor.SubmitPayment(context.Background(), PaymentRequest{
		LoanID:  "loan-1",
		PayerID: "borrower",
		Amount:  dec("10"),
	})
	if !errors.Is(err, repository.ErrTransactionConflict) {
		t.Errorf("expected ErrTransactionConflict after retries, got %v", err)
	}
	if store.attempts != DefaultPolicy().ConflictRetries+1 {
		t.Errorf("expected %d attempts, got %d", DefaultPolicy().ConflictRetries+1, store.attempts)
	}
}

func TestLoanProcessor_SQLiteLifecycle(t *testing.T) {
	store, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "lending.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := newFixtureWithStore(t, store)
	f.registerMixedLoan(t)
	f.deposit(t, "borrower", "100")

	accel, err := f.processor.TriggerAccelerate(context.Background(), "loan-mixed", "borrower", dec("20"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !accel.Loan.CommunityRemainingBalance.Equal(dec("30")) {
		t.Errorf("expected community remaining 30, got %s", accel.Loan.CommunityRemainingBalance)
	}

	f.defaultLoan(t, "loan-mixed")
	for i := 0; i < 3; i++ {
		f.repay(t, "loan-mixed", "5")
	}

	loan, err := f.processor.GetLoan(context.Background(), "loan-mixed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loan.Status != domain.LoanRepaying {
		t.Errorf("expected repaying, got %s", loan.Status)
	}
	outstanding := TotalOutstanding(f.shares(t, "loan-mixed"))
	if !loan.RemainingBalance.Equal(outstanding) {
		t.Errorf("expected remaining %s derived from shares, got %s", outstanding, loan.RemainingBalance)
	}
	if !loan.RemainingBalance.LessThan(dec("80")) {
		t.Errorf("expected repayments to reduce remaining below 80, got %s", loan.RemainingBalance)
	}

	for _, user := range []string{"borrower", "funder-a", "funder-b"} {
		report, err := f.processor.ReconcileAccount(context.Background(), user)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !report.IsBalanced {
			t.Errorf("expected %s to reconcile, got %v", user, report.Discrepancies)
		}
	}
}
