package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/checkspot/api/internal/domain"
	"github.com/checkspot/api/internal/payments"
	"github.com/checkspot/api/internal/platform/requestctx"
	"github.com/checkspot/api/internal/services"
)

type stubCheckoutService struct {
	startFunc   func(ctx context.Context, cmd services.StartCheckoutCommand) (services.StartCheckoutResult, error)
	detailsFunc func(ctx context.Context, requestID string) (services.RequestPaymentDetails, error)
}

func (s *stubCheckoutService) StartCheckout(ctx context.Context, cmd services.StartCheckoutCommand) (services.StartCheckoutResult, error) {
	if s.startFunc != nil {
		return s.startFunc(ctx, cmd)
	}
	return services.StartCheckoutResult{}, nil
}

func (s *stubCheckoutService) PaymentDetails(ctx context.Context, requestID string) (services.RequestPaymentDetails, error) {
	if s.detailsFunc != nil {
		return s.detailsFunc(ctx, requestID)
	}
	return services.RequestPaymentDetails{}, nil
}

func TestCheckoutHandlersCreateSession(t *testing.T) {
	router := chi.NewRouter()
	var captured services.StartCheckoutCommand
	service := &stubCheckoutService{
		startFunc: func(_ context.Context, cmd services.StartCheckoutCommand) (services.StartCheckoutResult, error) {
			captured = cmd
			return services.StartCheckoutResult{
				RequestID:   cmd.RequestID,
				SessionID:   "cs_test_1",
				IntentID:    "pi_test_1",
				RedirectURL: "https://checkout.stripe.com/c/pay/cs_test_1",
				Status:      domain.PaymentStatusProcessing,
				Attempt:     1,
				AmountMinor: 8500,
				Currency:    "USD",
				ExpiresAt:   time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	NewCheckoutHandlers(service).Routes(router)

	payload := `{"requestId":"req_1","amount":8500,"currency":"USD","customerEmail":"owner@example.com","metadata":{"locale":"en-US"}}`
	req := httptest.NewRequest(http.MethodPost, "/session", bytes.NewBufferString(payload))
	req = req.WithContext(requestctx.WithUserID(req.Context(), "usr_1"))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.RequestID != "req_1" {
		t.Fatalf("expected request id req_1, got %s", captured.RequestID)
	}
	if captured.UserID != "usr_1" {
		t.Fatalf("expected user id usr_1, got %s", captured.UserID)
	}
	if captured.ClaimedAmount != 8500 {
		t.Fatalf("expected claimed amount 8500, got %d", captured.ClaimedAmount)
	}
	if captured.Metadata["locale"] != "en-US" {
		t.Fatalf("expected metadata propagated, got %#v", captured.Metadata)
	}

	var resp checkoutSessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SessionID != "cs_test_1" {
		t.Fatalf("expected session id cs_test_1, got %s", resp.SessionID)
	}
	if resp.URL != "https://checkout.stripe.com/c/pay/cs_test_1" {
		t.Fatalf("unexpected redirect url %s", resp.URL)
	}
	if resp.Status != "processing" || resp.Attempt != 1 {
		t.Fatalf("unexpected status %s attempt %d", resp.Status, resp.Attempt)
	}
}

func TestCheckoutHandlersCreateSessionRequiresRequestID(t *testing.T) {
	router := chi.NewRouter()
	NewCheckoutHandlers(&stubCheckoutService{}).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/session", bytes.NewBufferString(`{"amount":8500}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCheckoutHandlersCreateSessionErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{"already in progress", services.ErrPaymentAlreadyInProgress, http.StatusConflict, "payment_already_in_progress"},
		{"amount mismatch", services.ErrAmountMismatch, http.StatusConflict, "amount_mismatch"},
		{"not found", services.ErrRequestNotFound, http.StatusNotFound, "request_not_found"},
		{"foreign owner", services.ErrCheckoutForbidden, http.StatusForbidden, "forbidden"},
		{"gateway down", payments.ErrGatewayUnavailable, http.StatusServiceUnavailable, "gateway_unavailable"},
		{"bad callback", payments.ErrInvalidCallbackURL, http.StatusBadRequest, "invalid_callback_url"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := chi.NewRouter()
			NewCheckoutHandlers(&stubCheckoutService{
				startFunc: func(context.Context, services.StartCheckoutCommand) (services.StartCheckoutResult, error) {
					return services.StartCheckoutResult{}, tc.serviceErr
				},
			}).Routes(router)

			req := httptest.NewRequest(http.MethodPost, "/session", bytes.NewBufferString(`{"requestId":"req_1"}`))
			req = req.WithContext(requestctx.WithUserID(req.Context(), "usr_1"))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			var errResp map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
				t.Fatalf("failed to decode error response: %v", err)
			}
			if errResp["error"] != tc.wantCode {
				t.Fatalf("expected error code %s, got %#v", tc.wantCode, errResp["error"])
			}
		})
	}
}
