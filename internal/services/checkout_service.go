package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	domain "github.com/checkspot/api/internal/domain"
	"github.com/checkspot/api/internal/payments"
	"github.com/checkspot/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrRequestNotFound indicates the inspection request does not exist.
	ErrRequestNotFound = errors.New("checkout: request not found")
	// ErrCheckoutForbidden indicates the caller does not own the request.
	ErrCheckoutForbidden = errors.New("checkout: forbidden")
	// ErrAmountMismatch indicates the caller-claimed total diverged from a
	// fresh pricing calculation. Stale or tampered totals never reach the PSP.
	ErrAmountMismatch = errors.New("checkout: amount mismatch")
	// ErrPaymentAlreadyInProgress indicates a live attempt already exists for
	// the request. Two simultaneous sessions for the same money are never allowed.
	ErrPaymentAlreadyInProgress = errors.New("checkout: payment already in progress")
	// ErrCheckoutConflict indicates a concurrent writer changed the request mid-attempt.
	ErrCheckoutConflict = errors.New("checkout: conflict")
)

// CheckoutCallbacks fixes the redirect surface the PSP returns customers to.
// Paths are known constants; only the session id placeholder varies.
type CheckoutCallbacks struct {
	AllowedOrigin string
	SuccessPath   string
	CancelPath    string
}

// checkoutPaymentManager abstracts payments.Manager for easier testing.
type checkoutPaymentManager interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	ExpireSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.SessionLookupRequest) (payments.SessionDetails, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Requests  repositories.InspectionRequestRepository
	Audit     repositories.PaymentAuditRepository
	Pricing   PricingService
	Payments  checkoutPaymentManager
	Callbacks CheckoutCallbacks
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	requests  repositories.InspectionRequestRepository
	audit     repositories.PaymentAuditRepository
	pricing   PricingService
	payments  checkoutPaymentManager
	callbacks CheckoutCallbacks
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Requests == nil {
		return nil, errors.New("checkout service: request repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("checkout service: pricing service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}
	origin := strings.TrimRight(strings.TrimSpace(deps.Callbacks.AllowedOrigin), "/")
	if origin == "" {
		return nil, errors.New("checkout service: callback origin is required")
	}
	if _, err := url.Parse(origin); err != nil {
		return nil, fmt.Errorf("checkout service: invalid callback origin: %w", err)
	}
	deps.Callbacks.AllowedOrigin = origin
	if strings.TrimSpace(deps.Callbacks.SuccessPath) == "" {
		deps.Callbacks.SuccessPath = "/dashboard/requests"
	}
	if strings.TrimSpace(deps.Callbacks.CancelPath) == "" {
		deps.Callbacks.CancelPath = deps.Callbacks.SuccessPath
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		requests:  deps.Requests,
		audit:     deps.Audit,
		pricing:   deps.Pricing,
		payments:  deps.Payments,
		callbacks: deps.Callbacks,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// StartCheckout sequences one checkout attempt: guard the current status,
// reprice the request, create the PSP session, then persist the transition to
// processing under the request's optimistic lock.
func (s *checkoutService) StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (StartCheckoutResult, error) {
	if s == nil || s.requests == nil || s.payments == nil {
		return StartCheckoutResult{}, errors.New("checkout service: not initialised")
	}

	requestID := strings.TrimSpace(cmd.RequestID)
	if requestID == "" {
		return StartCheckoutResult{}, fmt.Errorf("%w: request id is required", ErrCheckoutInvalidInput)
	}

	request, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		if isNotFound(err) {
			return StartCheckoutResult{}, ErrRequestNotFound
		}
		return StartCheckoutResult{}, fmt.Errorf("checkout: load request: %w", err)
	}

	if caller := strings.TrimSpace(cmd.UserID); caller != "" && request.UserID != "" && caller != request.UserID {
		return StartCheckoutResult{}, ErrCheckoutForbidden
	}

	if !request.PaymentStatus.CanStartCheckout() {
		return StartCheckoutResult{}, fmt.Errorf("%w: status %s", ErrPaymentAlreadyInProgress, request.PaymentStatus)
	}

	calc, err := s.pricing.Calculate(ctx, request.TierID, request.AddOnIDs)
	if err != nil {
		return StartCheckoutResult{}, err
	}
	if cmd.ClaimedAmount != 0 && cmd.ClaimedAmount != calc.TotalMinor {
		return StartCheckoutResult{}, fmt.Errorf("%w: claimed %d, priced %d", ErrAmountMismatch, cmd.ClaimedAmount, calc.TotalMinor)
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = calc.Currency
	} else if currency != calc.Currency {
		return StartCheckoutResult{}, fmt.Errorf("%w: currency %s not priced", ErrCheckoutInvalidInput, currency)
	}

	successURL, err := s.buildSuccessURL(cmd.SuccessURL)
	if err != nil {
		return StartCheckoutResult{}, err
	}
	cancelURL, err := s.buildCancelURL(cmd.CancelURL)
	if err != nil {
		return StartCheckoutResult{}, err
	}

	attempt := request.Attempt + 1
	idempotencyKey := strings.TrimSpace(cmd.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = attemptKey(requestID, attempt)
	}

	items := make([]payments.CheckoutLineItem, 0, len(calc.Breakdown))
	for _, line := range calc.Breakdown {
		items = append(items, payments.CheckoutLineItem{
			Name:     line.Name,
			Quantity: 1,
			Amount:   line.AmountMinor,
			Currency: currency,
		})
	}

	session, err := s.payments.CreateCheckoutSession(ctx, payments.PaymentContext{
		PreferredProvider: cmd.PreferredProvider,
		Currency:          currency,
	}, payments.CheckoutSessionRequest{
		Amount:            calc.TotalMinor,
		Currency:          currency,
		ClientReferenceID: requestID,
		CustomerEmail:     strings.TrimSpace(cmd.CustomerEmail),
		SuccessURL:        successURL,
		CancelURL:         cancelURL,
		Metadata:          sessionMetadata(cmd.Metadata, requestID, request.UserID, attempt),
		IdempotencyKey:    idempotencyKey,
		Items:             items,
	})
	if err != nil {
		// A failed session creation is not a failed payment; the request
		// stays pending and the caller may retry.
		s.logger(ctx, "checkout.session_create_failed", map[string]any{
			"requestId": requestID,
			"attempt":   attempt,
			"error":     err.Error(),
		})
		return StartCheckoutResult{}, err
	}

	update := repositories.PaymentUpdate{
		Status:      domain.PaymentStatusProcessing,
		SessionID:   &session.ID,
		IntentID:    &session.IntentID,
		AmountMinor: &calc.TotalMinor,
		Attempt:     &attempt,
	}
	updated, err := s.requests.UpdatePayment(ctx, requestID, update, request.UpdatedAt)
	if err != nil {
		// The session exists at the PSP but the transition lost a race.
		// Expire it best-effort so no orphaned live session remains.
		s.expireSessionBestEffort(ctx, cmd.PreferredProvider, currency, session.ID)
		if isConflictError(err) {
			return StartCheckoutResult{}, fmt.Errorf("%w: concurrent update on request %s", ErrCheckoutConflict, requestID)
		}
		return StartCheckoutResult{}, fmt.Errorf("checkout: persist attempt: %w", err)
	}

	s.logger(ctx, "checkout.session_created", map[string]any{
		"requestId": requestID,
		"sessionId": session.ID,
		"attempt":   attempt,
		"amount":    calc.TotalMinor,
		"currency":  currency,
	})

	return StartCheckoutResult{
		RequestID:   requestID,
		SessionID:   session.ID,
		IntentID:    session.IntentID,
		RedirectURL: session.RedirectURL,
		Status:      updated.PaymentStatus,
		Attempt:     attempt,
		AmountMinor: calc.TotalMinor,
		Currency:    currency,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

// PaymentDetails returns the request's payment state plus its audit trail.
func (s *checkoutService) PaymentDetails(ctx context.Context, requestID string) (RequestPaymentDetails, error) {
	if s == nil || s.requests == nil {
		return RequestPaymentDetails{}, errors.New("checkout service: not initialised")
	}
	id := strings.TrimSpace(requestID)
	if id == "" {
		return RequestPaymentDetails{}, fmt.Errorf("%w: request id is required", ErrCheckoutInvalidInput)
	}

	request, err := s.requests.FindByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return RequestPaymentDetails{}, ErrRequestNotFound
		}
		return RequestPaymentDetails{}, fmt.Errorf("checkout: load request: %w", err)
	}

	details := RequestPaymentDetails{Request: request}
	if s.audit != nil {
		entries, err := s.audit.ListByRequest(ctx, id)
		if err != nil {
			s.logger(ctx, "checkout.audit_list_failed", map[string]any{
				"requestId": id,
				"error":     err.Error(),
			})
		} else {
			details.Audit = entries
		}
	}
	return details, nil
}

// buildSuccessURL yields the configured success callback carrying the session
// placeholder. The placeholder must survive URL assembly verbatim so the PSP
// can substitute the real session id, hence no url.Values encoding here.
func (s *checkoutService) buildSuccessURL(override string) (string, error) {
	base, err := s.callbackBase(override, s.callbacks.SuccessPath)
	if err != nil {
		return "", err
	}
	full := base + "?payment=success&session_id=" + payments.SessionIDPlaceholder
	if err := payments.ValidateCallbackURL(full, true); err != nil {
		return "", err
	}
	return full, nil
}

func (s *checkoutService) buildCancelURL(override string) (string, error) {
	base, err := s.callbackBase(override, s.callbacks.CancelPath)
	if err != nil {
		return "", err
	}
	full := base + "?payment=cancelled"
	if err := payments.ValidateCallbackURL(full, false); err != nil {
		return "", err
	}
	return full, nil
}

// callbackBase resolves the scheme://host/path portion of a callback. Caller
// overrides are accepted only on the configured origin; anything else would
// let a tampered request redirect the customer off-site.
func (s *checkoutService) callbackBase(override, fixedPath string) (string, error) {
	if strings.TrimSpace(override) == "" {
		return s.callbacks.AllowedOrigin + ensureLeadingSlash(fixedPath), nil
	}

	parsed, err := url.Parse(strings.TrimSpace(override))
	if err != nil {
		return "", fmt.Errorf("%w: %v", payments.ErrInvalidCallbackURL, err)
	}
	origin, err := url.Parse(s.callbacks.AllowedOrigin)
	if err != nil {
		return "", fmt.Errorf("checkout: invalid configured origin: %w", err)
	}
	if parsed.Scheme != origin.Scheme || !strings.EqualFold(parsed.Host, origin.Host) {
		return "", fmt.Errorf("%w: origin %s://%s not allowed", payments.ErrInvalidCallbackURL, parsed.Scheme, parsed.Host)
	}
	return parsed.Scheme + "://" + parsed.Host + ensureLeadingSlash(parsed.Path), nil
}

func (s *checkoutService) expireSessionBestEffort(ctx context.Context, provider, currency, sessionID string) {
	expireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.payments.ExpireSession(expireCtx, payments.PaymentContext{
		PreferredProvider: provider,
		Currency:          currency,
	}, payments.SessionLookupRequest{SessionID: sessionID}); err != nil {
		s.logger(ctx, "checkout.session_expire_failed", map[string]any{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
	}
}

func ensureLeadingSlash(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "/"
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "/" + trimmed
	}
	return trimmed
}

// sessionMetadata merges caller-supplied metadata under the reserved keys the
// reconciler depends on. Reserved keys always win.
func sessionMetadata(extra map[string]string, requestID, userID string, attempt int) map[string]string {
	metadata := make(map[string]string, len(extra)+3)
	for k, v := range extra {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		metadata[k] = v
	}
	metadata[payments.MetadataRequestID] = requestID
	metadata["user_id"] = userID
	metadata["attempt"] = fmt.Sprintf("%d", attempt)
	return metadata
}

func attemptKey(requestID string, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("checkout|%s|%d", requestID, attempt)))
	return "co_" + hex.EncodeToString(sum[:16])
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isConflictError(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
