package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/checkspot/api/internal/domain"
	"github.com/checkspot/api/internal/payments"
	"github.com/checkspot/api/internal/repositories"
)

var (
	// ErrInvalidPaymentReturn indicates the return-URL parameters do not form
	// a recognisable outcome. The stored status is left untouched and the
	// operation stays retryable from the dashboard.
	ErrInvalidPaymentReturn = errors.New("reconcile: invalid payment return")
	// ErrPaymentNotConfirmed indicates the provider did not report the session
	// as settled despite a success token.
	ErrPaymentNotConfirmed = errors.New("reconcile: payment not confirmed")
	// ErrPaymentMismatch indicates the provider-reported session does not match
	// the request it claims to settle (amount or correlation divergence).
	ErrPaymentMismatch = errors.New("reconcile: payment mismatch")
	// ErrReconcileConflict indicates a concurrent reconciliation raced this one
	// and neither outcome could be applied cleanly.
	ErrReconcileConflict = errors.New("reconcile: conflict")
)

// reconcilePaymentManager abstracts payments.Manager for easier testing.
type reconcilePaymentManager interface {
	GetSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.SessionLookupRequest) (payments.SessionDetails, error)
}

// ReconcileServiceDeps wires the dependencies required by the reconcile service.
type ReconcileServiceDeps struct {
	Requests repositories.InspectionRequestRepository
	Audit    repositories.PaymentAuditRepository
	Payments reconcilePaymentManager
	Events   PaymentEventPublisher
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type reconcileService struct {
	requests repositories.InspectionRequestRepository
	audit    repositories.PaymentAuditRepository
	payments reconcilePaymentManager
	events   PaymentEventPublisher
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewReconcileService constructs a ReconcileService validating required dependencies.
func NewReconcileService(deps ReconcileServiceDeps) (ReconcileService, error) {
	if deps.Requests == nil {
		return nil, errors.New("reconcile service: request repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("reconcile service: payment manager is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reconcileService{
		requests: deps.Requests,
		audit:    deps.Audit,
		payments: deps.Payments,
		events:   deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Reconcile resolves the persisted payment status for a session against the
// provider's authoritative state. The claimed outcome token is advisory only;
// nothing transitions to succeeded without a fresh provider confirmation.
// Re-running against a request already in a terminal status re-reports that
// status without another provider round-trip.
func (s *reconcileService) Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconcileResult, error) {
	if s == nil || s.requests == nil || s.payments == nil {
		return ReconcileResult{}, errors.New("reconcile service: not initialised")
	}

	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: missing session id", ErrInvalidPaymentReturn)
	}
	if cmd.Outcome != ReturnOutcomeSuccess && cmd.Outcome != ReturnOutcomeCancelled {
		return ReconcileResult{}, fmt.Errorf("%w: unrecognised outcome %q", ErrInvalidPaymentReturn, cmd.Outcome)
	}

	request, err := s.requests.FindBySessionID(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			return ReconcileResult{}, fmt.Errorf("%w: unknown session", ErrInvalidPaymentReturn)
		}
		return ReconcileResult{}, fmt.Errorf("reconcile: load request: %w", err)
	}

	if request.PaymentStatus.Terminal() {
		return terminalResult(request, true), nil
	}

	switch cmd.Outcome {
	case ReturnOutcomeSuccess:
		return s.reconcileSuccess(ctx, request, sessionID)
	default:
		return s.reconcileCancelled(ctx, request, sessionID)
	}
}

func (s *reconcileService) reconcileSuccess(ctx context.Context, request InspectionRequest, sessionID string) (ReconcileResult, error) {
	details, err := s.payments.GetSession(ctx, payments.PaymentContext{Currency: request.Currency}, payments.SessionLookupRequest{SessionID: sessionID})
	if err != nil {
		if errors.Is(err, payments.ErrGatewayUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Money-affecting ambiguity: leave the status untouched and let
			// the caller retry rather than guessing an outcome.
			s.logger(ctx, "reconcile.provider_unreachable", map[string]any{
				"requestId": request.ID,
				"sessionId": sessionID,
			})
			return ReconcileResult{}, err
		}
		// The provider answered but could not produce the session; the claim
		// of success is unverifiable, so the attempt fails.
		return s.settle(ctx, request, details, domain.PaymentStatusFailed, fmt.Errorf("%w: %v", ErrPaymentNotConfirmed, err))
	}

	if mismatch := sessionMismatch(request, details); mismatch != nil {
		return s.settle(ctx, request, details, domain.PaymentStatusFailed, mismatch)
	}

	switch details.Status {
	case payments.StatusSucceeded:
		return s.settle(ctx, request, details, domain.PaymentStatusSucceeded, nil)
	default:
		return s.settle(ctx, request, details, domain.PaymentStatusFailed,
			fmt.Errorf("%w: provider reports %s", ErrPaymentNotConfirmed, details.Status))
	}
}

func (s *reconcileService) reconcileCancelled(ctx context.Context, request InspectionRequest, sessionID string) (ReconcileResult, error) {
	// No charge can have occurred on a clean cancel, but the user may have
	// abandoned the browser after the provider settled the charge. A
	// best-effort check catches that race; success always wins over cancel.
	details, err := s.payments.GetSession(ctx, payments.PaymentContext{Currency: request.Currency}, payments.SessionLookupRequest{SessionID: sessionID})
	if err == nil && details.Status == payments.StatusSucceeded {
		if mismatch := sessionMismatch(request, details); mismatch != nil {
			return s.settle(ctx, request, details, domain.PaymentStatusFailed, mismatch)
		}
		return s.settle(ctx, request, details, domain.PaymentStatusSucceeded, nil)
	}
	if err != nil {
		s.logger(ctx, "reconcile.cancel_check_failed", map[string]any{
			"requestId": request.ID,
			"sessionId": sessionID,
			"error":     err.Error(),
		})
		details = payments.SessionDetails{SessionID: sessionID, IntentID: request.IntentID}
	}
	return s.settle(ctx, request, details, domain.PaymentStatusCancelled, nil)
}

// settle persists the terminal status under the optimistic lock, records the
// audit entry, and publishes the settlement event. The business error that
// motivated a failed outcome is returned alongside the applied result so the
// surface layer can report both.
func (s *reconcileService) settle(ctx context.Context, request InspectionRequest, details payments.SessionDetails, status PaymentStatus, cause error) (ReconcileResult, error) {
	now := s.now()
	update := repositories.PaymentUpdate{Status: status}
	if intent := strings.TrimSpace(details.IntentID); intent != "" {
		update.IntentID = &intent
	}
	if status == domain.PaymentStatusSucceeded {
		update.SettledAt = &now
	}

	updated, err := s.requests.UpdatePayment(ctx, request.ID, update, request.UpdatedAt)
	if err != nil {
		if isConflictError(err) {
			// Another reconciliation won the write. Its terminal outcome is
			// as authoritative as ours would have been.
			current, readErr := s.requests.FindByID(ctx, request.ID)
			if readErr == nil && current.PaymentStatus.Terminal() {
				return terminalResult(current, true), nil
			}
			return ReconcileResult{}, fmt.Errorf("%w: request %s", ErrReconcileConflict, request.ID)
		}
		return ReconcileResult{}, fmt.Errorf("reconcile: persist status: %w", err)
	}

	s.recordSettlement(ctx, updated, details, status, now)

	s.logger(ctx, "reconcile.settled", map[string]any{
		"requestId": updated.ID,
		"sessionId": updated.SessionID,
		"status":    string(status),
	})

	return terminalResult(updated, false), cause
}

// recordSettlement appends the audit entry and publishes the settlement event.
// Both are best-effort: the status write is the source of truth and a trail or
// notification hiccup must not un-settle a payment.
func (s *reconcileService) recordSettlement(ctx context.Context, request InspectionRequest, details payments.SessionDetails, status PaymentStatus, at time.Time) {
	eventID := ulid.Make().String()
	amount := request.AmountMinor
	if details.AmountMinor > 0 {
		amount = details.AmountMinor
	}
	currency := request.Currency
	if strings.TrimSpace(details.Currency) != "" {
		currency = details.Currency
	}

	if s.audit != nil {
		_, err := s.audit.Append(ctx, PaymentAuditEntry{
			ID:          eventID,
			RequestID:   request.ID,
			SessionID:   request.SessionID,
			IntentID:    request.IntentID,
			Outcome:     status,
			AmountMinor: amount,
			Currency:    currency,
			Timestamp:   at,
		})
		if err != nil {
			s.logger(ctx, "reconcile.audit_append_failed", map[string]any{
				"requestId": request.ID,
				"error":     err.Error(),
			})
		}
	}

	if s.events != nil {
		_, err := s.events.PublishPaymentEvent(ctx, PaymentEventMessage{
			EventID:     eventID,
			RequestID:   request.ID,
			SessionID:   request.SessionID,
			IntentID:    request.IntentID,
			Outcome:     string(status),
			AmountMinor: amount,
			Currency:    currency,
			OccurredAt:  at,
		})
		if err != nil {
			s.logger(ctx, "reconcile.event_publish_failed", map[string]any{
				"requestId": request.ID,
				"error":     err.Error(),
			})
		}
	}
}

func sessionMismatch(request InspectionRequest, details payments.SessionDetails) error {
	if ref := strings.TrimSpace(details.ClientReferenceID); ref != "" && ref != request.ID {
		return fmt.Errorf("%w: session belongs to request %s", ErrPaymentMismatch, ref)
	}
	if details.AmountMinor != 0 && request.AmountMinor != 0 && details.AmountMinor != request.AmountMinor {
		return fmt.Errorf("%w: provider charged %d, expected %d", ErrPaymentMismatch, details.AmountMinor, request.AmountMinor)
	}
	if providerCurrency := strings.ToUpper(strings.TrimSpace(details.Currency)); providerCurrency != "" &&
		request.Currency != "" && providerCurrency != strings.ToUpper(request.Currency) {
		return fmt.Errorf("%w: provider currency %s, expected %s", ErrPaymentMismatch, providerCurrency, request.Currency)
	}
	return nil
}

func terminalResult(request InspectionRequest, alreadyDone bool) ReconcileResult {
	return ReconcileResult{
		RequestID:   request.ID,
		SessionID:   request.SessionID,
		IntentID:    request.IntentID,
		Status:      request.PaymentStatus,
		Settled:     request.PaymentStatus == domain.PaymentStatusSucceeded,
		AlreadyDone: alreadyDone,
		SettledAt:   request.SettledAt,
	}
}
