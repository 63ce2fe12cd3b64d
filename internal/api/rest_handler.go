package api

import (
	"community_lending/internal/domain"
	"community_lending/internal/processor"
	"community_lending/internal/repository"
	"community_lending/pkg/crypto"
	"community_lending/pkg/validator"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// MessageFeed serves the in-app message history of a user.
type MessageFeed interface {
	Messages(userID string, limit int) []domain.LoanMessage
}

type RequestRecorder interface {
	RecordRequest(route string, code int, duration time.Duration)
}

type APIHandler struct {
	processor      *processor.LoanProcessor
	feed           MessageFeed
	metrics        RequestRecorder
	signer         *crypto.Signer
	validator      *validator.PaymentValidator
	logger         *slog.Logger
	requestTimeout time.Duration
}

// NewAPIHandler wires the HTTP adapter. A nil signer disables signature
// checks on payment notifications.
func NewAPIHandler(
	processor *processor.LoanProcessor,
	feed MessageFeed,
	metrics RequestRecorder,
	signer *crypto.Signer,
	validator *validator.PaymentValidator,
	logger *slog.Logger,
) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &APIHandler{
		processor:      processor,
		feed:           feed,
		metrics:        metrics,
		signer:         signer,
		validator:      validator,
		logger:         logger,
		requestTimeout: 30 * time.Second,
	}
}

type ShareRequest struct {
	ID           string          `json:"id,omitempty"`
	FunderID     string          `json:"funder_id"`
	Amount       decimal.Decimal `json:"amount"`
	IsSelfFunded bool            `json:"is_self_funded"`
}

type RegisterLoanRequest struct {
	ID              string          `json:"id,omitempty"`
	BorrowerID      string          `json:"borrower_id"`
	Type            domain.LoanType `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	RepaymentMonths int             `json:"repayment_months"`
	Shares          []ShareRequest  `json:"shares"`
}

type SubmitPaymentRequest struct {
	PayerID   string          `json:"payer_id"`
	Amount    decimal.Decimal `json:"amount"`
	Type      string          `json:"type,omitempty"`
	Reference string          `json:"reference,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

type AccelerateRequest struct {
	BorrowerID string          `json:"borrower_id"`
	Amount     decimal.Decimal `json:"amount"`
}

type RecoveryRequest struct {
	Action string `json:"action"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func (h *APIHandler) RegisterLoanHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	var req RegisterLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	shares := make([]*domain.FundingShare, 0, len(req.Shares))
	for _, s := range req.Shares {
		shares = append(shares, &domain.FundingShare{
			ID:           s.ID,
			FunderID:     s.FunderID,
			Amount:       s.Amount,
			IsSelfFunded: s.IsSelfFunded,
		})
	}

	loan, err := h.processor.RegisterLoan(ctx, &domain.Loan{
		ID:              req.ID,
		BorrowerID:      req.BorrowerID,
		Type:            req.Type,
		Amount:          req.Amount,
		RepaymentMonths: req.RepaymentMonths,
	}, shares)
	if err != nil {
		h.sendProcessingError(w, err)
		return
	}

	h.sendJSON(w, loan, http.StatusCreated)
}

// SubmitPaymentHandler accepts cleared funds from the payment processor.
func (h *APIHandler) SubmitPaymentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	loanID := r.PathValue("id")
	var req SubmitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	payment, err := h.validator.ValidatePayment(validator.PaymentInput{
		LoanID:    loanID,
		PayerID:   req.PayerID,
		Amount:    req.Amount.String(),
		Type:      req.Type,
		Reference: req.Reference,
	})
	if err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest, "VALIDATION_ERROR")
		return
	}

	if h.signer != nil {
		if err := h.signer.VerifyPayment(
			payment.LoanID,
			payment.PayerID,
			payment.Amount.StringFixed(2),
			string(payment.Type),
			payment.Reference,
			req.Timestamp,
			req.Signature,
		); err != nil {
			h.sendError(w, "Invalid signature", http.StatusUnauthorized, "INVALID_SIGNATURE")
			return
		}
	}

	result, err := h.processor.SubmitPayment(ctx, processor.PaymentRequest{
		LoanID:    payment.LoanID,
		PayerID:   payment.PayerID,
		Amount:    payment.Amount,
		Type:      payment.Type,
		Reference: payment.Reference,
	})
	if err != nil {
		h.sendProcessingError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	h.sendJSON(w, result, status)
}

func (h *APIHandler) AccelerateHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	var req AccelerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}
	amount, err := h.validator.ParseAmount(req.Amount.String())
	if err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest, "VALIDATION_ERROR")
		return
	}

	result, err := h.processor.TriggerAccelerate(ctx, r.PathValue("id"), req.BorrowerID, amount)
	if err != nil {
		h.sendProcessingError(w, err)
		return
	}

	h.sendJSON(w, result, http.StatusOK)
}

func (h *APIHandler) ProcessTransitionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	result, err := h.processor.ProcessTransition(ctx, r.PathValue("id"))
	if err != nil {
		h.sendProcessingError(w, err)
		return
	}

	h.sendJSON(w, result, http.StatusOK)
}

func (h *APIHandler) RecoveryHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	var req RecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	loanID := r.PathValue("id")
	var (
		result any
		err    error
	)
	switch req.Action {
	case "start":
		result, err = h.processor.StartRecovery(ctx, loanID)
	case "complete":
		result, err = h.processor.CompleteRecovery(ctx, loanID)
	case "reset":
		result, err = h.processor.ResetRecoveryProgress(ctx, loanID)
	case "record":
		result, err = h.processor.RecordRecoveryPayment(ctx, loanID)
	default:
		h.sendError(w, "action must be one of start, complete, reset, record", http.StatusBadRequest, "VALIDATION_ERROR")
		return
	}
	if err != nil {
		h.sendProcessingError(w, err)
		return
	}

	h.sendJSON(w, result, http.StatusOK)
}

func (h *APIHandler) GetLoanHandler(w http.ResponseWriter, r *http.Request) {
	loan, err := h.processor.GetLoan(r.Context(), r.PathValue("id"))
	h.respond(w, loan, err)
}

func (h *APIHandler) GetLoanHealthHandler(w http.ResponseWriter, r *http.Request) {
	health, err := h.processor.GetLoanHealth(r.Context(), r.PathValue("id"))
	h.respond(w, health, err)
}

func (h *APIHandler) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	payments, err := h.processor.ListPaymentRecords(r.Context(), r.PathValue("id"))
	h.respond(w, payments, err)
}

func (h *APIHandler) ListSharesHandler(w http.ResponseWriter, r *http.Request) {
	shares, err := h.processor.ListShares(r.Context(), r.PathValue("id"))
	h.respond(w, shares, err)
}

func (h *APIHandler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.processor.GetLedgerBalance(r.Context(), r.PathValue("id"))
	h.respond(w, snapshot, err)
}

func (h *APIHandler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := h.paging(w, r)
	if !ok {
		return
	}
	history, err := h.processor.GetLedgerHistory(r.Context(), r.PathValue("id"), limit, offset)
	h.respond(w, history, err)
}

func (h *APIHandler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.processor.ReconcileAccount(r.Context(), r.PathValue("id"))
	h.respond(w, report, err)
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit, _, ok := h.paging(w, r)
	if !ok {
		return
	}
	messages := []domain.LoanMessage{}
	if h.feed != nil {
		messages = append(messages, h.feed.Messages(r.PathValue("id"), limit)...)
	}
	h.sendJSON(w, messages, http.StatusOK)
}

func (h *APIHandler) ListCreditEventsHandler(w http.ResponseWriter, r *http.Request) {
	events, err := h.processor.ListCreditEvents(r.Context(), r.PathValue("id"))
	h.respond(w, events, err)
}

func (h *APIHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   "1.0.0",
	}
	h.sendJSON(w, response, http.StatusOK)
}

func (h *APIHandler) paging(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	query := r.URL.Query()
	for name, target := range map[string]*int{"limit": &limit, "offset": &offset} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			h.sendError(w, name+" must be a non-negative integer", http.StatusBadRequest, "VALIDATION_ERROR")
			return 0, 0, false
		}
		*target = value
	}
	return limit, offset, true
}

func (h *APIHandler) respond(w http.ResponseWriter, data interface{}, err error) {
	if err != nil {
		h.sendProcessingError(w, err)
		return
	}
	h.sendJSON(w, data, http.StatusOK)
}

// sendProcessingError maps core errors onto HTTP statuses. Unknown errors
// are logged and reported without detail.
func (h *APIHandler) sendProcessingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		h.sendError(w, err.Error(), http.StatusBadRequest, "INVALID_AMOUNT")
	case errors.Is(err, domain.ErrInvalidRequest):
		h.sendError(w, err.Error(), http.StatusBadRequest, "VALIDATION_ERROR")
	case errors.Is(err, domain.ErrNotAuthorized):
		h.sendError(w, err.Error(), http.StatusForbidden, "NOT_AUTHORIZED")
	case errors.Is(err, repository.ErrNotFound):
		h.sendError(w, err.Error(), http.StatusNotFound, "NOT_FOUND")
	case errors.Is(err, domain.ErrLoanNotAccelerable):
		h.sendError(w, err.Error(), http.StatusConflict, "LOAN_NOT_ACCELERABLE")
	case errors.Is(err, domain.ErrInvalidStateTransition):
		h.sendError(w, err.Error(), http.StatusConflict, "INVALID_STATE_TRANSITION")
	case errors.Is(err, repository.ErrDuplicate):
		h.sendError(w, err.Error(), http.StatusConflict, "DUPLICATE")
	case errors.Is(err, repository.ErrTransactionConflict):
		h.sendError(w, "Concurrent update, retry the request", http.StatusConflict, "CONFLICT")
	case errors.Is(err, domain.ErrInsufficientFunds):
		h.sendError(w, err.Error(), http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS")
	case errors.Is(err, context.DeadlineExceeded):
		h.sendError(w, "Request timed out", http.StatusServiceUnavailable, "TIMEOUT")
	default:
		h.logger.Error("Request processing failed", slog.String("error", err.Error()))
		h.sendError(w, "Internal server error", http.StatusInternalServerError, "SERVER_ERROR")
	}
}

func (h *APIHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", slog.String("error", err.Error()))
	}
}

func (h *APIHandler) sendError(w http.ResponseWriter, message string, statusCode int, code string) {
	errorResponse := ErrorResponse{
		Error: message,
		Code:  code,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Warn("API error response",
		slog.String("message", message),
		slog.String("code", code),
		slog.Int("status", statusCode))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *APIHandler) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if h.metrics != nil {
			h.metrics.RecordRequest(route, rec.status, time.Since(start))
		}
	}
}

func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /api/v1/loans", h.RegisterLoanHandler},
		{"GET /api/v1/loans/{id}", h.GetLoanHandler},
		{"POST /api/v1/loans/{id}/payments", h.SubmitPaymentHandler},
		{"GET /api/v1/loans/{id}/payments", h.ListPaymentsHandler},
		{"POST /api/v1/loans/{id}/accelerate", h.AccelerateHandler},
		{"POST /api/v1/loans/{id}/transitions", h.ProcessTransitionHandler},
		{"POST /api/v1/loans/{id}/recovery", h.RecoveryHandler},
		{"GET /api/v1/loans/{id}/health", h.GetLoanHealthHandler},
		{"GET /api/v1/loans/{id}/shares", h.ListSharesHandler},
		{"GET /api/v1/accounts/{id}/balance", h.GetBalanceHandler},
		{"GET /api/v1/accounts/{id}/transactions", h.ListTransactionsHandler},
		{"GET /api/v1/accounts/{id}/reconciliation", h.ReconcileHandler},
		{"GET /api/v1/users/{id}/messages", h.ListMessagesHandler},
		{"GET /api/v1/users/{id}/credit-events", h.ListCreditEventsHandler},
		{"GET /api/health", h.HealthCheckHandler},
	}
	for _, route := range routes {
		mux.HandleFunc(route.pattern, h.instrument(route.pattern, route.handler))
	}
}
