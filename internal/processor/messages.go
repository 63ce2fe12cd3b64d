package processor

import (
	"community_lending/internal/domain"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// messageCatalog renders the display strings shown to borrowers and funders.
// The wording is user facing and tests pin it exactly.
type messageCatalog struct {
	printer *message.Printer
	now     func() time.Time
}

func newMessageCatalog(now func() time.Time) *messageCatalog {
	return &messageCatalog{
		printer: message.NewPrinter(language.AmericanEnglish),
		now:     now,
	}
}

// Money formats an amount as dollars with en-US digit grouping, e.g. $1,250.00.
func (c *messageCatalog) Money(amount decimal.Decimal) string {
	return c.printer.Sprintf("$%.2f", domain.RoundMoney(amount).InexactFloat64())
}

func (c *messageCatalog) build(userID, loanID string, kind domain.MessageKind, text string) domain.LoanMessage {
	return domain.LoanMessage{
		ID:        uuid.NewString(),
		UserID:    userID,
		LoanID:    loanID,
		Kind:      kind,
		Text:      text,
		CreatedAt: c.now(),
	}
}

func (c *messageCatalog) Acceleration(payerID, loanID string, amount decimal.Decimal, communityOnly bool) domain.LoanMessage {
	text := c.printer.Sprintf("You directed %s from your watershed toward your community funders.", c.Money(amount))
	if !communityOnly {
		text = c.printer.Sprintf("You directed %s from your watershed toward your loan.", c.Money(amount))
	}
	return c.build(payerID, loanID, domain.MessageAcceleration, text)
}

func (c *messageCatalog) Repayment(payerID, loanID string, amount decimal.Decimal) domain.LoanMessage {
	return c.build(payerID, loanID, domain.MessageRepayment,
		c.printer.Sprintf("Your repayment of %s was applied to your loan.", c.Money(amount)))
}

func (c *messageCatalog) RepaymentReceived(funderID, loanID string, amount decimal.Decimal, paymentType domain.PaymentType) domain.LoanMessage {
	text := c.printer.Sprintf("%s from a loan you funded was returned to your watershed.", c.Money(amount))
	if paymentType == domain.PaymentAcceleration {
		text = c.printer.Sprintf("%s from an accelerated repayment was returned to your watershed.", c.Money(amount))
	}
	return c.build(funderID, loanID, domain.MessageRepaymentReceived, text)
}

func (c *messageCatalog) CommunityRepaid(borrowerID, loanID string) domain.LoanMessage {
	return c.build(borrowerID, loanID, domain.MessageCommunityRepaid,
		"Your community funders have been fully repaid. Your funding lock has been lifted.")
}

func (c *messageCatalog) LoanCompleted(borrowerID, loanID string) domain.LoanMessage {
	return c.build(borrowerID, loanID, domain.MessageLoanCompleted,
		"Your loan has been fully repaid. Thank you!")
}

func (c *messageCatalog) Defaulted(borrowerID, loanID string, daysBehind int) domain.LoanMessage {
	return c.build(borrowerID, loanID, domain.MessageDefaulted,
		c.printer.Sprintf("Your loan is %d days behind and has been marked as defaulted. "+
			"Make a repayment to begin recovery.", daysBehind))
}

func (c *messageCatalog) RecoveryStarted(borrowerID, loanID string, threshold int) domain.LoanMessage {
	return c.build(borrowerID, loanID, domain.MessageRecoveryStarted,
		c.printer.Sprintf("Recovery started: make %d consecutive on-time payments to restore your loan to good standing.",
			threshold))
}

func (c *messageCatalog) RecoveryProgress(borrowerID, loanID string, made, threshold int) domain.LoanMessage {
	return c.build(borrowerID, loanID, domain.MessageRecoveryProgress,
		c.printer.Sprintf("Recovery progress: %d of %d consecutive payments made.", made, threshold))
}

func (c *messageCatalog) RecoveryComplete(borrowerID, loanID string, newLimit decimal.Decimal) domain.LoanMessage {
	return c.build(borrowerID, loanID, domain.MessageRecoveryComplete,
		c.printer.Sprintf("Recovery complete. Your loan is back in repayment and your credit limit is now %s.",
			c.Money(newLimit)))
}

func (c *messageCatalog) RecoveryReset(borrowerID, loanID string) domain.LoanMessage {
	return c.build(borrowerID, loanID, domain.MessageRecoveryReset,
		"A scheduled payment was missed during recovery. Your recovery progress has been reset.")
}
