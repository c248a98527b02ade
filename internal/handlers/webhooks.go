package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/checkspot/api/internal/payments"
	"github.com/checkspot/api/internal/platform/httpx"
	"github.com/checkspot/api/internal/services"
)

const stripeWebhookBodyLimit = 1 << 16

// StripeWebhookHandlers ingests asynchronous provider notifications and feeds
// them through the same reconciliation path as browser returns.
type StripeWebhookHandlers struct {
	reconcile     services.ReconcileService
	signingSecret string
	logger        func(ctx context.Context, event string, fields map[string]any)
}

// NewStripeWebhookHandlers constructs the Stripe webhook endpoint.
func NewStripeWebhookHandlers(reconcile services.ReconcileService, signingSecret string, logger func(ctx context.Context, event string, fields map[string]any)) *StripeWebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeWebhookHandlers{
		reconcile:     reconcile,
		signingSecret: signingSecret,
		logger:        logger,
	}
}

// Routes registers webhook endpoints under the provided router.
func (h *StripeWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripeEvent)
}

type webhookAckResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
}

func (h *StripeWebhookHandlers) handleStripeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil || h.signingSecret == "" {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook ingestion unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := readLimitedBody(r, stripeWebhookBodyLimit)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read webhook payload", http.StatusBadRequest))
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.signingSecret)
	if err != nil {
		h.logger(ctx, "webhooks.stripe.signature_rejected", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}

	var outcome services.ReturnOutcome
	switch event.Type {
	case "checkout.session.completed":
		outcome = services.ReturnOutcomeSuccess
	case "checkout.session.expired":
		outcome = services.ReturnOutcomeCancelled
	default:
		h.logger(ctx, "webhooks.stripe.ignored", map[string]any{"type": string(event.Type)})
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to parse checkout session payload", http.StatusBadRequest))
		return
	}
	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "checkout session payload missing id", http.StatusBadRequest))
		return
	}

	result, err := h.reconcile.Reconcile(ctx, services.ReconcileCommand{
		SessionID: sessionID,
		Outcome:   outcome,
	})
	if err != nil && result.Status == "" {
		h.writeWebhookReconcileError(ctx, w, event, sessionID, err)
		return
	}
	if err != nil {
		// Settled to a failed state; the event is consumed even though the
		// payment itself did not go through.
		h.logger(ctx, "webhooks.stripe.settled_failed", map[string]any{
			"type":    string(event.Type),
			"session": sessionID,
			"request": result.RequestID,
			"error":   err.Error(),
		})
	}

	h.logger(ctx, "webhooks.stripe.processed", map[string]any{
		"type":        string(event.Type),
		"session":     sessionID,
		"request":     result.RequestID,
		"status":      string(result.Status),
		"alreadyDone": result.AlreadyDone,
	})
	writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true, Status: string(result.Status)})
}

func (h *StripeWebhookHandlers) writeWebhookReconcileError(ctx context.Context, w http.ResponseWriter, event stripe.Event, sessionID string, err error) {
	h.logger(ctx, "webhooks.stripe.reconcile_failed", map[string]any{
		"type":    string(event.Type),
		"session": sessionID,
		"error":   err.Error(),
	})
	switch {
	case errors.Is(err, services.ErrInvalidPaymentReturn):
		// Session unknown to us; acknowledge so Stripe stops retrying.
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
	case errors.Is(err, services.ErrReconcileConflict),
		errors.Is(err, payments.ErrGatewayUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		// Transient; a non-2xx answer makes Stripe redeliver the event.
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_retry", "event could not be applied, retry later", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook event", http.StatusInternalServerError))
	}
}
