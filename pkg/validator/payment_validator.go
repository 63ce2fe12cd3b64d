package validator

import (
	"community_lending/internal/domain"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrAmountTooLarge    = errors.New("amount exceeds maximum")
)

// PaymentInput is a payment request as received on the wire.
type PaymentInput struct {
	LoanID    string
	PayerID   string
	Amount    string
	Type      string
	Reference string
}

type ValidatedPayment struct {
	LoanID    string
	PayerID   string
	Amount    decimal.Decimal
	Type      domain.PaymentType
	Reference string
}

type PaymentValidator struct {
	idRegex   *regexp.Regexp
	maxAmount decimal.Decimal
}

func NewPaymentValidator(maxAmount decimal.Decimal) *PaymentValidator {
	return &PaymentValidator{
		idRegex:   regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`),
		maxAmount: maxAmount,
	}
}

// ValidatePayment checks every field and reports all problems at once. The
// returned error matches domain.ErrInvalidAmount or domain.ErrInvalidRequest.
func (v *PaymentValidator) ValidatePayment(in PaymentInput) (*ValidatedPayment, error) {
	var errs []error

	for field, value := range map[string]string{"loan_id": in.LoanID, "payer_id": in.PayerID} {
		if err := v.ValidateID(field, value); err != nil {
			errs = append(errs, err)
		}
	}

	amount, err := v.ParseAmount(in.Amount)
	if err != nil {
		errs = append(errs, err)
	}

	paymentType := domain.PaymentType(strings.TrimSpace(in.Type))
	if paymentType == "" {
		paymentType = domain.PaymentRepayment
	}
	if !paymentType.Valid() {
		errs = append(errs, fmt.Errorf("%w: unknown payment type %q", domain.ErrInvalidRequest, in.Type))
	}

	if in.Reference != "" {
		if err := v.ValidateID("reference", in.Reference); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("validation errors: %w", errors.Join(errs...))
	}

	return &ValidatedPayment{
		LoanID:    in.LoanID,
		PayerID:   in.PayerID,
		Amount:    amount,
		Type:      paymentType,
		Reference: in.Reference,
	}, nil
}

func (v *PaymentValidator) ValidateID(field, value string) error {
	if !v.idRegex.MatchString(value) {
		return fmt.Errorf("%w: %w: %s %q", domain.ErrInvalidRequest, ErrInvalidIdentifier, field, value)
	}
	return nil
}

// ParseAmount parses a positive amount with at most two decimal places.
func (v *PaymentValidator) ParseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", domain.ErrInvalidAmount, raw)
	}

	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be positive, got %s", domain.ErrInvalidAmount, amount)
	}
	if !amount.Equal(domain.RoundMoney(amount)) {
		return decimal.Zero, fmt.Errorf("%w: more than two decimal places in %s", domain.ErrInvalidAmount, amount)
	}
	if v.maxAmount.IsPositive() && amount.GreaterThan(v.maxAmount) {
		return decimal.Zero, fmt.Errorf("%w: %w: %s > %s",
			domain.ErrInvalidAmount, ErrAmountTooLarge, amount, v.maxAmount.StringFixed(2))
	}

	return amount, nil
}
