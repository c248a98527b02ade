package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/checkspot/api/internal/payments"
	"github.com/checkspot/api/internal/platform/httpx"
	"github.com/checkspot/api/internal/platform/requestctx"
	"github.com/checkspot/api/internal/services"
)

const maxCheckoutRequestBody = 8 * 1024

// CheckoutHandlers exposes the checkout-start endpoint.
type CheckoutHandlers struct {
	checkout services.CheckoutService
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{
		checkout: checkout,
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/session", h.createSession)
}

type checkoutSessionRequest struct {
	RequestID     string            `json:"requestId"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Provider      string            `json:"provider"`
	CustomerEmail string            `json:"customerEmail"`
	SuccessURL    string            `json:"successUrl"`
	CancelURL     string            `json:"cancelUrl"`
	Metadata      map[string]string `json:"metadata"`
}

type checkoutSessionResponse struct {
	RequestID   string `json:"requestId"`
	SessionID   string `json:"sessionId"`
	URL         string `json:"url"`
	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req checkoutSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.RequestID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "requestId is required", http.StatusBadRequest))
		return
	}

	result, err := h.checkout.StartCheckout(ctx, services.StartCheckoutCommand{
		RequestID:         strings.TrimSpace(req.RequestID),
		UserID:            requestctx.UserID(ctx),
		ClaimedAmount:     req.Amount,
		Currency:          strings.TrimSpace(req.Currency),
		CustomerEmail:     strings.TrimSpace(req.CustomerEmail),
		SuccessURL:        strings.TrimSpace(req.SuccessURL),
		CancelURL:         strings.TrimSpace(req.CancelURL),
		PreferredProvider: strings.TrimSpace(req.Provider),
		Metadata:          req.Metadata,
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	payload := checkoutSessionResponse{
		RequestID:   result.RequestID,
		SessionID:   result.SessionID,
		URL:         result.RedirectURL,
		Status:      string(result.Status),
		Attempt:     result.Attempt,
		AmountMinor: result.AmountMinor,
		Currency:    result.Currency,
		ExpiresAt:   formatTime(result.ExpiresAt),
	}

	writeJSONResponse(w, http.StatusCreated, payload)
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrRequestNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("request_not_found", "inspection request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "request belongs to another user", http.StatusForbidden))
	case errors.Is(err, services.ErrUnknownTier):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_tier", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrUnknownAddOn):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_add_on", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("amount_mismatch", "claimed amount does not match the current price", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentAlreadyInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("payment_already_in_progress", "a checkout attempt is already live for this request", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutConflict):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_conflict", "request changed concurrently; retry", http.StatusConflict))
	case errors.Is(err, services.ErrCatalogUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "pricing catalog is temporarily unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, payments.ErrInvalidCallbackURL):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_callback_url", err.Error(), http.StatusBadRequest))
	case errors.Is(err, payments.ErrInvalidAmount):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_amount", err.Error(), http.StatusBadRequest))
	case errors.Is(err, payments.ErrUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unauthorized", "payment provider rejected the configured credentials", http.StatusBadGateway))
	case errors.Is(err, payments.ErrUnsupportedProvider):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_provider", "no payment provider available for this request", http.StatusBadRequest))
	case errors.Is(err, payments.ErrGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment provider is temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to start checkout", http.StatusInternalServerError))
	}
}
