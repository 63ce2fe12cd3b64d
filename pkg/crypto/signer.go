package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleSignature   = errors.New("signature timestamp outside allowed window")
)

// Signer authenticates payment notifications with HMAC-SHA256.
type Signer struct {
	secretKey []byte
	maxSkew   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewSigner(secretKey string, maxSkew time.Duration, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{
		secretKey: []byte(secretKey),
		maxSkew:   maxSkew,
		now:       time.Now,
		logger:    logger,
	}
}

func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(data []byte, signature string) error {
	expected := s.Sign(data)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		s.logger.Warn("Signature verification failed", slog.Int("signature_length", len(signature)))
		return ErrInvalidSignature
	}
	return nil
}

// PaymentPayload is the canonical string a payment notification is signed
// over, reference included. amount must already be formatted with two
// decimals.
func PaymentPayload(loanID, payerID, amount, paymentType, reference string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%s:%s:%d", loanID, payerID, amount, paymentType, reference, timestamp))
}

func (s *Signer) SignPayment(loanID, payerID, amount, paymentType, reference string, timestamp int64) string {
	return s.Sign(PaymentPayload(loanID, payerID, amount, paymentType, reference, timestamp))
}

// VerifyPayment checks the signature and, when a skew is configured, that
// timestamp (unix seconds) is recent.
func (s *Signer) VerifyPayment(loanID, payerID, amount, paymentType, reference string, timestamp int64, signature string) error {
	if s.maxSkew > 0 {
		skew := s.now().Sub(time.Unix(timestamp, 0))
		if skew < -s.maxSkew || skew > s.maxSkew {
			return fmt.Errorf("%w: %s", ErrStaleSignature, skew)
		}
	}
	return s.Verify(PaymentPayload(loanID, payerID, amount, paymentType, reference, timestamp), signature)
}
