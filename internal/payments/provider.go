package payments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SessionIDPlaceholder is substituted by the PSP with the real session ID when
// redirecting the customer back to the success URL.
const SessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the session expired or was abandoned before payment.
	StatusCancelled Status = "cancelled"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrGatewayUnavailable is returned when the PSP cannot be reached or fails transiently.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrUnauthorized is returned when the PSP rejects the configured credentials.
	ErrUnauthorized = errors.New("payments: gateway rejected credentials")
	// ErrInvalidAmount is returned when the PSP rejects the charge amount.
	ErrInvalidAmount = errors.New("payments: invalid amount")
	// ErrInvalidCallbackURL is returned when a redirect URL fails validation.
	ErrInvalidCallbackURL = errors.New("payments: invalid callback url")
	// ErrSessionNotFound is returned when the PSP has no record of the session or intent.
	ErrSessionNotFound = errors.New("payments: session not found")
)

// MetadataRequestID is the metadata key correlating a PSP object back to an
// inspection request. Reconciliation relies on it, so intent and session
// creation reject payloads without it.
const MetadataRequestID = "request_id"

// IntentRequest captures the payload required to create a bare payment intent.
type IntentRequest struct {
	Amount         int64
	Currency       string
	Description    string
	ReceiptEmail   string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the provider-normalised view of a created payment intent.
type Intent struct {
	Provider     string
	IntentID     string
	ClientSecret string
	Status       Status
}

// CheckoutLineItem describes a single line item to include in a checkout session.
type CheckoutLineItem struct {
	Name        string
	Description string
	Quantity    int64
	Amount      int64
	Currency    string
}

// CheckoutSessionRequest captures the payload required to create a checkout session.
type CheckoutSessionRequest struct {
	Amount            int64
	Currency          string
	ClientReferenceID string
	CustomerEmail     string
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
	IdempotencyKey    string
	Items             []CheckoutLineItem
}

// CheckoutSession represents the PSP session returned to the client.
type CheckoutSession struct {
	ID          string
	Provider    string
	RedirectURL string
	IntentID    string
	Status      Status
	ExpiresAt   time.Time
}

// SessionLookupRequest identifies a checkout session for status queries.
type SessionLookupRequest struct {
	SessionID string
}

// SessionDetails normalises the PSP session state for reconciliation.
type SessionDetails struct {
	Provider          string
	SessionID         string
	IntentID          string
	Status            Status
	AmountMinor       int64
	Currency          string
	ClientReferenceID string
	CompletedAt       *time.Time
}

// LookupRequest identifies a payment intent for direct status queries.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises PSP specific intent fields for storage.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	GetSession(ctx context.Context, req SessionLookupRequest) (SessionDetails, error)
	ExpireSession(ctx context.Context, req SessionLookupRequest) (SessionDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// ValidateCallbackURL checks that a redirect URL is an absolute http(s) URL.
// When requirePlaceholder is set the URL must carry the session ID placeholder
// so the PSP can substitute the real session on redirect.
func ValidateCallbackURL(raw string, requirePlaceholder bool) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidCallbackURL)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCallbackURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidCallbackURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidCallbackURL)
	}
	if requirePlaceholder && !strings.Contains(trimmed, SessionIDPlaceholder) {
		return fmt.Errorf("%w: missing session placeholder", ErrInvalidCallbackURL)
	}
	return nil
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateIntent delegates to the resolved provider.
func (m *Manager) CreateIntent(ctx context.Context, paymentCtx PaymentContext, req IntentRequest) (Intent, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = key
	return intent, nil
}

// CreateCheckoutSession delegates to the resolved provider.
func (m *Manager) CreateCheckoutSession(ctx context.Context, paymentCtx PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return CheckoutSession{}, err
	}
	session, err := provider.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Provider = key
	return session, nil
}

// GetSession delegates to the resolved provider.
func (m *Manager) GetSession(ctx context.Context, paymentCtx PaymentContext, req SessionLookupRequest) (SessionDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return SessionDetails{}, err
	}
	return provider.GetSession(ctx, req)
}

// ExpireSession delegates to the resolved provider.
func (m *Manager) ExpireSession(ctx context.Context, paymentCtx PaymentContext, req SessionLookupRequest) (SessionDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return SessionDetails{}, err
	}
	return provider.ExpireSession(ctx, req)
}

// LookupPayment delegates to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}
