package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/checkspot/api/internal/domain"
	"github.com/checkspot/api/internal/payments"
	"github.com/checkspot/api/internal/platform/httpx"
	"github.com/checkspot/api/internal/services"
)

// PaymentHandlers exposes session verification and the payment status view.
type PaymentHandlers struct {
	reconcile services.ReconcileService
	checkout  services.CheckoutService
}

// NewPaymentHandlers constructs payment handlers.
func NewPaymentHandlers(reconcile services.ReconcileService, checkout services.CheckoutService) *PaymentHandlers {
	return &PaymentHandlers{
		reconcile: reconcile,
		checkout:  checkout,
	}
}

// Routes registers payment endpoints under the provided router.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/verify-session/{sessionID}", h.verifySession)
}

// RequestRoutes registers the request-scoped payment view.
func (h *PaymentHandlers) RequestRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{requestID}/payment", h.getRequestPayment)
}

type verifySessionResponse struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	RequestID string `json:"requestId,omitempty"`
	SettledAt string `json:"settledAt,omitempty"`
	Message   string `json:"message,omitempty"`
}

type requestPaymentResponse struct {
	RequestID     string               `json:"requestId"`
	PaymentStatus string               `json:"paymentStatus"`
	AmountMinor   int64                `json:"amountMinor"`
	DisplayAmount string               `json:"displayAmount"`
	Currency      string               `json:"currency"`
	SessionID     string               `json:"sessionId,omitempty"`
	IntentID      string               `json:"intentId,omitempty"`
	Attempt       int                  `json:"attempt"`
	SettledAt     string               `json:"settledAt,omitempty"`
	Audit         []auditEntryResponse `json:"audit"`
}

type auditEntryResponse struct {
	ID          string `json:"id"`
	Outcome     string `json:"outcome"`
	SessionID   string `json:"sessionId,omitempty"`
	IntentID    string `json:"intentId,omitempty"`
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"`
	Timestamp   string `json:"timestamp"`
}

// verifySession re-verifies a returning checkout session with the provider.
// The query's payment token is advisory; the response reflects the provider's
// authoritative answer.
func (h *PaymentHandlers) verifySession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment verification unavailable", http.StatusServiceUnavailable))
		return
	}

	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	token := strings.TrimSpace(r.URL.Query().Get("payment"))
	if token == "" {
		// Treat a bare verification call as a success claim needing proof.
		token = string(services.ReturnOutcomeSuccess)
	}

	result, err := h.reconcile.Reconcile(ctx, services.ReconcileCommand{
		SessionID: sessionID,
		Outcome:   services.ReturnOutcome(token),
	})
	if err != nil && result.Status == "" {
		h.writeReconcileError(ctx, w, err)
		return
	}

	payload := verifySessionResponse{
		Success:   result.Settled,
		Status:    string(result.Status),
		RequestID: result.RequestID,
		SettledAt: formatTimePtr(result.SettledAt),
	}
	if err != nil {
		payload.Message = reconcileMessage(err)
	}

	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *PaymentHandlers) getRequestPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment view unavailable", http.StatusServiceUnavailable))
		return
	}

	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	details, err := h.checkout.PaymentDetails(ctx, requestID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrCheckoutInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrRequestNotFound):
			httpx.WriteError(ctx, w, httpx.NewError("request_not_found", "inspection request not found", http.StatusNotFound))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("payments_error", "failed to load payment details", http.StatusInternalServerError))
		}
		return
	}

	request := details.Request
	payload := requestPaymentResponse{
		RequestID:     request.ID,
		PaymentStatus: string(request.PaymentStatus),
		AmountMinor:   request.AmountMinor,
		DisplayAmount: domain.FormatMinor(request.AmountMinor, request.Currency),
		Currency:      request.Currency,
		SessionID:     request.SessionID,
		IntentID:      request.IntentID,
		Attempt:       request.Attempt,
		SettledAt:     formatTimePtr(request.SettledAt),
		Audit:         make([]auditEntryResponse, 0, len(details.Audit)),
	}
	for _, entry := range details.Audit {
		payload.Audit = append(payload.Audit, auditEntryResponse{
			ID:          entry.ID,
			Outcome:     string(entry.Outcome),
			SessionID:   entry.SessionID,
			IntentID:    entry.IntentID,
			AmountMinor: entry.AmountMinor,
			Currency:    entry.Currency,
			Timestamp:   formatTime(entry.Timestamp),
		})
	}

	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *PaymentHandlers) writeReconcileError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidPaymentReturn):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payment_return", reconcileMessage(err), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("payment_mismatch", reconcileMessage(err), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentNotConfirmed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_confirmed", reconcileMessage(err), http.StatusConflict))
	case errors.Is(err, services.ErrReconcileConflict):
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_conflict", reconcileMessage(err), http.StatusConflict))
	case errors.Is(err, payments.ErrGatewayUnavailable), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", reconcileMessage(err), http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payments_error", "failed to verify payment session", http.StatusInternalServerError))
	}
}

func reconcileMessage(err error) string {
	switch {
	case errors.Is(err, services.ErrPaymentMismatch):
		return "payment could not be matched to this request; contact support before retrying"
	case errors.Is(err, services.ErrPaymentNotConfirmed):
		return "payment was not confirmed by the provider; you can retry from the dashboard"
	case errors.Is(err, services.ErrInvalidPaymentReturn):
		return "payment return could not be recognised; retry from the dashboard"
	case errors.Is(err, services.ErrReconcileConflict):
		return "payment status was updated concurrently; refresh to see the result"
	case errors.Is(err, payments.ErrGatewayUnavailable), errors.Is(err, context.DeadlineExceeded):
		return "payment provider is temporarily unreachable; retry shortly"
	default:
		return "payment verification failed"
	}
}
