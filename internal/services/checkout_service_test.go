package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/checkspot/api/internal/domain"
	"github.com/checkspot/api/internal/payments"
	"github.com/checkspot/api/internal/repositories"
)

type repoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repoError) Error() string       { return e.msg }
func (e *repoError) IsNotFound() bool    { return e.notFound }
func (e *repoError) IsConflict() bool    { return e.conflict }
func (e *repoError) IsUnavailable() bool { return e.unavailable }

type stubRequestRepository struct {
	findByIDFunc      func(ctx context.Context, requestID string) (domain.InspectionRequest, error)
	findBySessionFunc func(ctx context.Context, sessionID string) (domain.InspectionRequest, error)
	updateFunc        func(ctx context.Context, requestID string, update repositories.PaymentUpdate, expectedUpdate time.Time) (domain.InspectionRequest, error)
}

func (s *stubRequestRepository) FindByID(ctx context.Context, requestID string) (domain.InspectionRequest, error) {
	if s.findByIDFunc == nil {
		return domain.InspectionRequest{}, errors.New("unexpected FindByID call")
	}
	return s.findByIDFunc(ctx, requestID)
}

func (s *stubRequestRepository) FindBySessionID(ctx context.Context, sessionID string) (domain.InspectionRequest, error) {
	if s.findBySessionFunc == nil {
		return domain.InspectionRequest{}, errors.New("unexpected FindBySessionID call")
	}
	return s.findBySessionFunc(ctx, sessionID)
}

func (s *stubRequestRepository) UpdatePayment(ctx context.Context, requestID string, update repositories.PaymentUpdate, expectedUpdate time.Time) (domain.InspectionRequest, error) {
	if s.updateFunc == nil {
		return domain.InspectionRequest{}, errors.New("unexpected UpdatePayment call")
	}
	return s.updateFunc(ctx, requestID, update, expectedUpdate)
}

type stubAuditRepository struct {
	appendFunc func(ctx context.Context, entry domain.PaymentAuditEntry) (domain.PaymentAuditEntry, error)
	listFunc   func(ctx context.Context, requestID string) ([]domain.PaymentAuditEntry, error)
}

func (s *stubAuditRepository) Append(ctx context.Context, entry domain.PaymentAuditEntry) (domain.PaymentAuditEntry, error) {
	if s.appendFunc == nil {
		return entry, nil
	}
	return s.appendFunc(ctx, entry)
}

func (s *stubAuditRepository) ListByRequest(ctx context.Context, requestID string) ([]domain.PaymentAuditEntry, error) {
	if s.listFunc == nil {
		return nil, nil
	}
	return s.listFunc(ctx, requestID)
}

type stubPricingService struct {
	calcFunc func(ctx context.Context, tierID TierID, addOnIDs []string) (PricingCalculation, error)
}

func (s *stubPricingService) Calculate(ctx context.Context, tierID TierID, addOnIDs []string) (PricingCalculation, error) {
	if s.calcFunc == nil {
		return PricingCalculation{}, errors.New("unexpected Calculate call")
	}
	return s.calcFunc(ctx, tierID, addOnIDs)
}

type stubCheckoutPayments struct {
	createFunc func(ctx context.Context, pCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	expireFunc func(ctx context.Context, pCtx payments.PaymentContext, req payments.SessionLookupRequest) (payments.SessionDetails, error)
}

func (s *stubCheckoutPayments) CreateCheckoutSession(ctx context.Context, pCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	if s.createFunc == nil {
		return payments.CheckoutSession{}, errors.New("unexpected CreateCheckoutSession call")
	}
	return s.createFunc(ctx, pCtx, req)
}

func (s *stubCheckoutPayments) ExpireSession(ctx context.Context, pCtx payments.PaymentContext, req payments.SessionLookupRequest) (payments.SessionDetails, error) {
	if s.expireFunc == nil {
		return payments.SessionDetails{}, errors.New("unexpected ExpireSession call")
	}
	return s.expireFunc(ctx, pCtx, req)
}

func premiumRushCalculation() PricingCalculation {
	return PricingCalculation{
		Currency:         "USD",
		TierID:           domain.TierPremium,
		BasePriceMinor:   7000,
		AddOnsTotalMinor: 1500,
		TotalMinor:       8500,
		Breakdown: []PriceLine{
			{Kind: "tier", ID: "premium", Name: "Premium inspection", AmountMinor: 7000},
			{Kind: "add_on", ID: "rush_delivery", Name: "Rush delivery", AmountMinor: 1500},
		},
	}
}

func pendingRequest(updatedAt time.Time) domain.InspectionRequest {
	return domain.InspectionRequest{
		ID:            "req_1",
		UserID:        "usr_1",
		TierID:        domain.TierPremium,
		AddOnIDs:      []string{"rush_delivery"},
		Currency:      "USD",
		AmountMinor:   8500,
		PaymentStatus: domain.PaymentStatusPending,
		UpdatedAt:     updatedAt,
	}
}

func newTestCheckoutService(t *testing.T, requests *stubRequestRepository, audit *stubAuditRepository, mgr *stubCheckoutPayments) CheckoutService {
	t.Helper()
	pricing := &stubPricingService{
		calcFunc: func(_ context.Context, tierID TierID, _ []string) (PricingCalculation, error) {
			if tierID != domain.TierPremium {
				return PricingCalculation{}, ErrUnknownTier
			}
			return premiumRushCalculation(), nil
		},
	}
	var auditRepo repositories.PaymentAuditRepository
	if audit != nil {
		auditRepo = audit
	}
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Requests: requests,
		Audit:    auditRepo,
		Pricing:  pricing,
		Payments: mgr,
		Callbacks: CheckoutCallbacks{
			AllowedOrigin: "https://app.checkspot.dev",
			SuccessPath:   "/dashboard/requests",
			CancelPath:    "/dashboard/requests",
		},
		Clock: func() time.Time { return time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return svc
}

func TestStartCheckoutCreatesSessionAndTransitions(t *testing.T) {
	ctx := context.Background()
	updatedAt := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	request := pendingRequest(updatedAt)

	var capturedUpdate repositories.PaymentUpdate
	requests := &stubRequestRepository{
		findByIDFunc: func(_ context.Context, id string) (domain.InspectionRequest, error) {
			if id != "req_1" {
				return domain.InspectionRequest{}, &repoError{msg: "not found", notFound: true}
			}
			return request, nil
		},
		updateFunc: func(_ context.Context, id string, update repositories.PaymentUpdate, expected time.Time) (domain.InspectionRequest, error) {
			if !expected.Equal(updatedAt) {
				t.Fatalf("optimistic lock time = %v, want %v", expected, updatedAt)
			}
			capturedUpdate = update
			out := request
			out.PaymentStatus = update.Status
			out.SessionID = *update.SessionID
			out.IntentID = *update.IntentID
			out.Attempt = *update.Attempt
			return out, nil
		},
	}

	var capturedReq payments.CheckoutSessionRequest
	mgr := &stubCheckoutPayments{
		createFunc: func(_ context.Context, _ payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			capturedReq = req
			return payments.CheckoutSession{
				ID:          "cs_1",
				RedirectURL: "https://checkout.stripe.com/pay/cs_1",
				IntentID:    "pi_1",
				Status:      payments.StatusPending,
			}, nil
		},
	}

	svc := newTestCheckoutService(t, requests, nil, mgr)

	result, err := svc.StartCheckout(ctx, StartCheckoutCommand{
		RequestID:     "req_1",
		UserID:        "usr_1",
		ClaimedAmount: 8500,
		Metadata:      map[string]string{"locale": "en-US", "request_id": "spoofed"},
	})
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}

	if capturedReq.Amount != 8500 || capturedReq.Currency != "USD" {
		t.Fatalf("unexpected PSP request %+v", capturedReq)
	}
	wantSuccess := "https://app.checkspot.dev/dashboard/requests?payment=success&session_id=" + payments.SessionIDPlaceholder
	if capturedReq.SuccessURL != wantSuccess {
		t.Fatalf("success url = %q, want %q", capturedReq.SuccessURL, wantSuccess)
	}
	if !strings.HasSuffix(capturedReq.CancelURL, "?payment=cancelled") {
		t.Fatalf("cancel url = %q", capturedReq.CancelURL)
	}
	if capturedReq.Metadata[payments.MetadataRequestID] != "req_1" {
		t.Fatalf("metadata must carry the request id: %v", capturedReq.Metadata)
	}
	if capturedReq.Metadata["locale"] != "en-US" {
		t.Fatalf("caller metadata must pass through: %v", capturedReq.Metadata)
	}
	if capturedReq.ClientReferenceID != "req_1" {
		t.Fatalf("client reference = %q", capturedReq.ClientReferenceID)
	}
	if capturedReq.IdempotencyKey == "" {
		t.Fatal("expected a derived idempotency key for the attempt")
	}

	if capturedUpdate.Status != domain.PaymentStatusProcessing {
		t.Fatalf("persisted status = %s, want processing", capturedUpdate.Status)
	}
	if result.Status != domain.PaymentStatusProcessing || result.Attempt != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.RedirectURL == "" || result.SessionID != "cs_1" {
		t.Fatalf("missing redirect handoff: %+v", result)
	}
}

func TestStartCheckoutRejectsLiveAttempt(t *testing.T) {
	request := pendingRequest(time.Now())
	request.PaymentStatus = domain.PaymentStatusProcessing

	requests := &stubRequestRepository{
		findByIDFunc: func(context.Context, string) (domain.InspectionRequest, error) {
			return request, nil
		},
	}
	svc := newTestCheckoutService(t, requests, nil, &stubCheckoutPayments{})

	_, err := svc.StartCheckout(context.Background(), StartCheckoutCommand{RequestID: "req_1"})
	if !errors.Is(err, ErrPaymentAlreadyInProgress) {
		t.Fatalf("expected ErrPaymentAlreadyInProgress, got %v", err)
	}
}

func TestStartCheckoutAllowsRetryAfterFailure(t *testing.T) {
	updatedAt := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	request := pendingRequest(updatedAt)
	request.PaymentStatus = domain.PaymentStatusFailed
	request.Attempt = 2
	request.SessionID = "cs_old"
	request.IntentID = "pi_old"

	requests := &stubRequestRepository{
		findByIDFunc: func(context.Context, string) (domain.InspectionRequest, error) {
			return request, nil
		},
		updateFunc: func(_ context.Context, _ string, update repositories.PaymentUpdate, _ time.Time) (domain.InspectionRequest, error) {
			if *update.Attempt != 3 {
				t.Fatalf("attempt = %d, want 3", *update.Attempt)
			}
			if *update.SessionID == "cs_old" || *update.IntentID == "pi_old" {
				t.Fatal("a new attempt must carry fresh provider identifiers")
			}
			out := request
			out.PaymentStatus = update.Status
			out.Attempt = *update.Attempt
			return out, nil
		},
	}
	mgr := &stubCheckoutPayments{
		createFunc: func(context.Context, payments.PaymentContext, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{ID: "cs_new", IntentID: "pi_new", RedirectURL: "https://psp/redirect"}, nil
		},
	}

	svc := newTestCheckoutService(t, requests, nil, mgr)
	result, err := svc.StartCheckout(context.Background(), StartCheckoutCommand{RequestID: "req_1"})
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	if result.Attempt != 3 || result.SessionID != "cs_new" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestStartCheckoutAmountMismatch(t *testing.T) {
	requests := &stubRequestRepository{
		findByIDFunc: func(context.Context, string) (domain.InspectionRequest, error) {
			return pendingRequest(time.Now()), nil
		},
	}
	svc := newTestCheckoutService(t, requests, nil, &stubCheckoutPayments{})

	_, err := svc.StartCheckout(context.Background(), StartCheckoutCommand{
		RequestID:     "req_1",
		ClaimedAmount: 100, // tampered or stale total
	})
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
}

func TestStartCheckoutGatewayFailureLeavesStatusUntouched(t *testing.T) {
	updateCalled := false
	requests := &stubRequestRepository{
		findByIDFunc: func(context.Context, string) (domain.InspectionRequest, error) {
			return pendingRequest(time.Now()), nil
		},
		updateFunc: func(_ context.Context, _ string, _ repositories.PaymentUpdate, _ time.Time) (domain.InspectionRequest, error) {
			updateCalled = true
			return domain.InspectionRequest{}, nil
		},
	}
	mgr := &stubCheckoutPayments{
		createFunc: func(context.Context, payments.PaymentContext, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{}, payments.ErrGatewayUnavailable
		},
	}

	svc := newTestCheckoutService(t, requests, nil, mgr)
	_, err := svc.StartCheckout(context.Background(), StartCheckoutCommand{RequestID: "req_1"})
	if !errors.Is(err, payments.ErrGatewayUnavailable) {
		t.Fatalf("expected gateway error to propagate, got %v", err)
	}
	if updateCalled {
		t.Fatal("a failed session creation must not mutate payment status")
	}
}

func TestStartCheckoutConflictExpiresOrphanSession(t *testing.T) {
	expired := ""
	requests := &stubRequestRepository{
		findByIDFunc: func(context.Context, string) (domain.InspectionRequest, error) {
			return pendingRequest(time.Now()), nil
		},
		updateFunc: func(context.Context, string, repositories.PaymentUpdate, time.Time) (domain.InspectionRequest, error) {
			return domain.InspectionRequest{}, &repoError{msg: "precondition failed", conflict: true}
		},
	}
	mgr := &stubCheckoutPayments{
		createFunc: func(context.Context, payments.PaymentContext, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{ID: "cs_orphan", RedirectURL: "https://psp/redirect"}, nil
		},
		expireFunc: func(_ context.Context, _ payments.PaymentContext, req payments.SessionLookupRequest) (payments.SessionDetails, error) {
			expired = req.SessionID
			return payments.SessionDetails{SessionID: req.SessionID, Status: payments.StatusCancelled}, nil
		},
	}

	svc := newTestCheckoutService(t, requests, nil, mgr)
	_, err := svc.StartCheckout(context.Background(), StartCheckoutCommand{RequestID: "req_1"})
	if !errors.Is(err, ErrCheckoutConflict) {
		t.Fatalf("expected ErrCheckoutConflict, got %v", err)
	}
	if expired != "cs_orphan" {
		t.Fatalf("orphaned session should be expired, got %q", expired)
	}
}

func TestStartCheckoutRejectsForeignCallbackOrigin(t *testing.T) {
	requests := &stubRequestRepository{
		findByIDFunc: func(context.Context, string) (domain.InspectionRequest, error) {
			return pendingRequest(time.Now()), nil
		},
	}
	svc := newTestCheckoutService(t, requests, nil, &stubCheckoutPayments{})

	_, err := svc.StartCheckout(context.Background(), StartCheckoutCommand{
		RequestID:  "req_1",
		SuccessURL: "https://evil.example.com/dashboard/requests",
	})
	if !errors.Is(err, payments.ErrInvalidCallbackURL) {
		t.Fatalf("expected ErrInvalidCallbackURL, got %v", err)
	}
}

func TestStartCheckoutUnknownRequest(t *testing.T) {
	requests := &stubRequestRepository{
		findByIDFunc: func(context.Context, string) (domain.InspectionRequest, error) {
			return domain.InspectionRequest{}, &repoError{msg: "missing", notFound: true}
		},
	}
	svc := newTestCheckoutService(t, requests, nil, &stubCheckoutPayments{})

	_, err := svc.StartCheckout(context.Background(), StartCheckoutCommand{RequestID: "req_missing"})
	if !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestPaymentDetailsIncludesAuditTrail(t *testing.T) {
	request := pendingRequest(time.Now())
	request.PaymentStatus = domain.PaymentStatusSucceeded
	audit := &stubAuditRepository{
		listFunc: func(_ context.Context, requestID string) ([]domain.PaymentAuditEntry, error) {
			return []domain.PaymentAuditEntry{{RequestID: requestID, Outcome: domain.PaymentStatusSucceeded}}, nil
		},
	}
	requests := &stubRequestRepository{
		findByIDFunc: func(context.Context, string) (domain.InspectionRequest, error) {
			return request, nil
		},
	}

	svc := newTestCheckoutService(t, requests, audit, &stubCheckoutPayments{})
	details, err := svc.PaymentDetails(context.Background(), "req_1")
	if err != nil {
		t.Fatalf("PaymentDetails: %v", err)
	}
	if details.Request.PaymentStatus != domain.PaymentStatusSucceeded || len(details.Audit) != 1 {
		t.Fatalf("unexpected details %+v", details)
	}
}
