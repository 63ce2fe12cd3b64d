package crypto

import (
	"errors"
	"testing"
	"time"
)

func TestSigner_PaymentRoundTrip(t *testing.T) {
	s := NewSigner("secret", 0, nil)
	sig := s.SignPayment("loan-1", "borrower", "50.00", "repayment", "gw-1", 1767600000)

	if err := s.VerifyPayment("loan-1", "borrower", "50.00", "repayment", "gw-1", 1767600000, sig); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.VerifyPayment("loan-1", "borrower", "500.00", "repayment", "gw-1", 1767600000, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for tampered amount, got %v", err)
	}
	if err := s.VerifyPayment("loan-1", "borrower", "50.00", "repayment", "gw-2", 1767600000, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for swapped reference, got %v", err)
	}
	other := NewSigner("other", 0, nil)
	if err := other.VerifyPayment("loan-1", "borrower", "50.00", "repayment", "gw-1", 1767600000, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for wrong key, got %v", err)
	}
}

func TestSigner_RejectsStaleTimestamp(t *testing.T) {
	s := NewSigner("secret", 5*time.Minute, nil)
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	fresh := now.Add(-time.Minute).Unix()
	if err := s.VerifyPayment("loan-1", "p", "1.00", "repayment", "", fresh, s.SignPayment("loan-1", "p", "1.00", "repayment", "", fresh)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stale := now.Add(-time.Hour).Unix()
	err := s.VerifyPayment("loan-1", "p", "1.00", "repayment", "", stale, s.SignPayment("loan-1", "p", "1.00", "repayment", "", stale))
	if !errors.Is(err, ErrStaleSignature) {
		t.Errorf("expected ErrStaleSignature, got %v", err)
	}
}
