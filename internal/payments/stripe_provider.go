package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Expire(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey string
	// RequestTimeout bounds each outbound Stripe call. Zero disables the
	// per-call deadline and leaves only the caller's context in charge.
	RequestTimeout time.Duration
	Backends       *stripe.Backends
	Logger         StripeLogger
	Clock          func() time.Time
	Clients        *stripeClients
}

// StripeProvider implements the Provider interface using Stripe APIs.
type StripeProvider struct {
	api     stripeClients
	clock   func() time.Time
	timeout time.Duration
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
		}
	}

	if clients.sessions == nil || clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api: clients,
		clock: func() time.Time {
			return clock().UTC()
		},
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
}

// callContext derives the context attached to a single Stripe call.
func (p *StripeProvider) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

// CreateIntent creates a bare Stripe Payment Intent for client-secret flows.
// The metadata must carry the request correlation key so reconciliation can
// always map the intent back to a request.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return Intent{}, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidAmount, req.Amount)
	}
	if strings.TrimSpace(req.Metadata[MetadataRequestID]) == "" {
		return Intent{}, fmt.Errorf("stripe: intent metadata missing %q", MetadataRequestID)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
	}
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	params.Context = callCtx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	if email := strings.TrimSpace(req.ReceiptEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	params.Metadata = make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Intent{}, translateStripeError("create payment intent", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"currency":      intent.Currency,
	})

	return Intent{
		Provider:     "stripe",
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       stripePaymentDetails(intent).Status,
	}, nil
}

// CreateCheckoutSession creates a Stripe Checkout session in payment mode.
// Redirect URLs are validated locally before any network call so that a
// malformed callback never reaches the PSP.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return CheckoutSession{}, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidAmount, req.Amount)
	}
	if err := ValidateCallbackURL(req.SuccessURL, true); err != nil {
		return CheckoutSession{}, fmt.Errorf("success url: %w", err)
	}
	if err := ValidateCallbackURL(req.CancelURL, false); err != nil {
		return CheckoutSession{}, fmt.Errorf("cancel url: %w", err)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	params.Context = callCtx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if ref := strings.TrimSpace(req.ClientReferenceID); ref != "" {
		params.ClientReferenceID = stripe.String(ref)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max64(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(defaultString(item.Currency, req.Currency))),
				UnitAmount: stripe.Int64(item.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		}
		if item.Description != "" {
			line.PriceData.ProductData.Description = stripe.String(item.Description)
		}
		lineItems = append(lineItems, line)
	}

	if len(lineItems) == 0 {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Inspection request"),
				},
			},
		})
	}

	params.LineItems = lineItems
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{}
	if len(req.Metadata) > 0 {
		params.PaymentIntentData.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.PaymentIntentData.Metadata[k] = v
		}
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, translateStripeError("create checkout session", err)
	}

	intentID := ""
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":     session.ID,
		"paymentIntent": intentID,
		"currency":      session.Currency,
	})

	expiresAt := p.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return CheckoutSession{
		ID:          session.ID,
		Provider:    "stripe",
		RedirectURL: session.URL,
		IntentID:    intentID,
		Status:      stripeSessionStatus(session),
		ExpiresAt:   expiresAt,
	}, nil
}

// GetSession retrieves the current state of a Checkout session from Stripe.
// The call always hits the PSP; callers decide whether a lookup is needed.
func (p *StripeProvider) GetSession(ctx context.Context, req SessionLookupRequest) (SessionDetails, error) {
	if p == nil {
		return SessionDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.CheckoutSessionParams{}
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	params.Context = callCtx
	params.AddExpand("payment_intent")

	session, err := p.api.sessions.Get(strings.TrimSpace(req.SessionID), params)
	if err != nil {
		return SessionDetails{}, translateStripeError("get checkout session", err)
	}
	return stripeSessionDetails(session), nil
}

// ExpireSession asks Stripe to expire an open Checkout session. Stripe rejects
// the call once the session completed, which surfaces as a conflict to callers.
func (p *StripeProvider) ExpireSession(ctx context.Context, req SessionLookupRequest) (SessionDetails, error) {
	if p == nil {
		return SessionDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.CheckoutSessionExpireParams{}
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	params.Context = callCtx

	session, err := p.api.sessions.Expire(strings.TrimSpace(req.SessionID), params)
	if err != nil {
		return SessionDetails{}, translateStripeError("expire checkout session", err)
	}

	p.logger(ctx, "payments.stripe.session.expired", map[string]any{
		"sessionId": session.ID,
	})
	return stripeSessionDetails(session), nil
}

// LookupPayment retrieves a Stripe Payment Intent.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	params.Context = callCtx
	intent, err := p.api.intents.Get(strings.TrimSpace(req.IntentID), params)
	if err != nil {
		return PaymentDetails{}, translateStripeError("lookup payment intent", err)
	}
	return stripePaymentDetails(intent), nil
}

func stripeSessionDetails(session *stripe.CheckoutSession) SessionDetails {
	if session == nil {
		return SessionDetails{}
	}

	intentID := ""
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}

	var completedAt *time.Time
	if session.Status == stripe.CheckoutSessionStatusComplete && session.PaymentIntent != nil && session.PaymentIntent.Created != 0 {
		t := time.Unix(session.PaymentIntent.Created, 0).UTC()
		completedAt = &t
	}

	return SessionDetails{
		Provider:          "stripe",
		SessionID:         session.ID,
		IntentID:          intentID,
		Status:            stripeSessionStatus(session),
		AmountMinor:       session.AmountTotal,
		Currency:          strings.ToUpper(string(session.Currency)),
		ClientReferenceID: session.ClientReferenceID,
		CompletedAt:       completedAt,
	}
}

func stripeSessionStatus(session *stripe.CheckoutSession) Status {
	if session == nil {
		return StatusPending
	}
	switch session.Status {
	case stripe.CheckoutSessionStatusComplete:
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
			session.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			return StatusSucceeded
		}
		// Completed session with async payment still settling.
		return StatusPending
	case stripe.CheckoutSessionStatusExpired:
		return StatusCancelled
	default:
		return StatusPending
	}
}

func stripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusCancelled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			status = StatusFailed
		}
	}

	var capturedAt *time.Time
	captured := intent.Status == stripe.PaymentIntentStatusSucceeded

	if charge := intent.LatestCharge; charge != nil {
		if charge.Paid || charge.Captured {
			t := time.Unix(charge.Created, 0).UTC()
			capturedAt = &t
			captured = true
		}
	}

	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" && intent.LatestCharge != nil {
		currency = strings.ToUpper(string(intent.LatestCharge.Currency))
	}

	return PaymentDetails{
		Provider:   "stripe",
		IntentID:   intent.ID,
		Status:     status,
		Amount:     intent.Amount,
		Currency:   currency,
		Captured:   captured,
		CapturedAt: capturedAt,
	}
}

// translateStripeError buckets Stripe failures into the shared sentinel errors.
// Transport level failures without a typed Stripe error are treated as gateway
// outages so callers can retry without losing state.
func translateStripeError(op string, err error) error {
	if err == nil {
		return nil
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.Code == stripe.ErrorCodeAPIKeyExpired:
			return fmt.Errorf("stripe: %s: %w", op, ErrUnauthorized)
		case stripeErr.Code == stripe.ErrorCodeResourceMissing:
			return fmt.Errorf("stripe: %s: %w", op, ErrSessionNotFound)
		case stripeErr.Code == stripe.ErrorCodeAmountTooSmall || stripeErr.Code == stripe.ErrorCodeAmountTooLarge:
			return fmt.Errorf("stripe: %s: %w", op, ErrInvalidAmount)
		case stripeErr.Type == stripe.ErrorTypeAPI || stripeErr.HTTPStatusCode >= 500:
			return fmt.Errorf("stripe: %s: %w", op, ErrGatewayUnavailable)
		}
		return fmt.Errorf("stripe: %s: %w", op, err)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("stripe: %s: %v: %w", op, err, ErrGatewayUnavailable)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
