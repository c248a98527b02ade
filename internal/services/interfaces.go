package services

import (
	"context"
	"time"

	domain "github.com/checkspot/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	ServiceTier        = domain.ServiceTier
	AdditionalService  = domain.AdditionalService
	SelectedAddOn      = domain.SelectedAddOn
	PriceLine          = domain.PriceLine
	PricingCalculation = domain.PricingCalculation
	InspectionRequest  = domain.InspectionRequest
	PaymentStatus      = domain.PaymentStatus
	PaymentAuditEntry  = domain.PaymentAuditEntry
	SystemHealthReport = domain.SystemHealthReport
	TierID             = domain.TierID
)

// CatalogService serves the pricing reference data, falling back to the last
// good snapshot when the backing store is unavailable.
type CatalogService interface {
	ServiceTiers(ctx context.Context) ([]ServiceTier, error)
	AdditionalServices(ctx context.Context) ([]AdditionalService, error)
	Catalog(ctx context.Context) (Catalog, error)
}

// PricingService turns a tier selection and add-on set into a priced breakdown.
type PricingService interface {
	Calculate(ctx context.Context, tierID TierID, addOnIDs []string) (PricingCalculation, error)
}

// CheckoutService sequences a single checkout attempt against the PSP.
type CheckoutService interface {
	StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (StartCheckoutResult, error)
	PaymentDetails(ctx context.Context, requestID string) (RequestPaymentDetails, error)
}

// ReconcileService maps provider-reported outcomes onto the persisted payment status.
type ReconcileService interface {
	Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconcileResult, error)
}

// SystemService aggregates utility surfaces such as health reporting.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// PaymentEventPublisher delivers settlement outcomes to downstream consumers.
type PaymentEventPublisher interface {
	PublishPaymentEvent(ctx context.Context, message PaymentEventMessage) (string, error)
}

// BuildInfo carries the deploy metadata surfaced on health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// Command and DTO definitions ------------------------------------------------

// Catalog is the combined reference data snapshot served to clients.
type Catalog struct {
	Tiers    []ServiceTier
	AddOns   []AdditionalService
	Currency string
	LoadedAt time.Time
}

// StartCheckoutCommand carries the caller intent for one checkout attempt. The
// claimed amount is only ever compared against a fresh pricing calculation,
// never forwarded to the PSP as-is.
type StartCheckoutCommand struct {
	RequestID         string
	UserID            string
	ClaimedAmount     int64
	Currency          string
	CustomerEmail     string
	SuccessURL        string
	CancelURL         string
	PreferredProvider string
	IdempotencyKey    string
	Metadata          map[string]string
}

// StartCheckoutResult holds the redirect handoff for a created session.
type StartCheckoutResult struct {
	RequestID   string
	SessionID   string
	IntentID    string
	RedirectURL string
	Status      PaymentStatus
	Attempt     int
	AmountMinor int64
	Currency    string
	ExpiresAt   time.Time
}

// ReturnOutcome is the advisory token the provider redirect carries back.
type ReturnOutcome string

const (
	ReturnOutcomeSuccess   ReturnOutcome = "success"
	ReturnOutcomeCancelled ReturnOutcome = "cancelled"
)

// ReconcileCommand identifies the session to verify and the claimed outcome.
type ReconcileCommand struct {
	SessionID string
	Outcome   ReturnOutcome
}

// ReconcileResult reports the authoritative status after reconciliation.
type ReconcileResult struct {
	RequestID   string
	SessionID   string
	IntentID    string
	Status      PaymentStatus
	Settled     bool
	AlreadyDone bool
	SettledAt   *time.Time
}

// RequestPaymentDetails is the dashboard view of a request's payment state.
type RequestPaymentDetails struct {
	Request InspectionRequest
	Audit   []PaymentAuditEntry
}

// PaymentEventMessage is the payload published for every settled outcome.
type PaymentEventMessage struct {
	EventID     string    `json:"eventId"`
	RequestID   string    `json:"requestId"`
	SessionID   string    `json:"sessionId,omitempty"`
	IntentID    string    `json:"intentId,omitempty"`
	Outcome     string    `json:"outcome"`
	AmountMinor int64     `json:"amountMinor"`
	Currency    string    `json:"currency"`
	OccurredAt  time.Time `json:"occurredAt"`
}
