package repositories

import (
	"context"
	"time"

	domain "github.com/checkspot/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// PaymentUpdate carries the optional payment fields mutated during a status transition.
// Nil pointers leave the stored value untouched.
type PaymentUpdate struct {
	Status      domain.PaymentStatus
	SessionID   *string
	IntentID    *string
	AmountMinor *int64
	Attempt     *int
	SettledAt   *time.Time
}

// InspectionRequestRepository persists the payment projection of inspection requests
// with optimistic locking guarantees.
type InspectionRequestRepository interface {
	FindByID(ctx context.Context, requestID string) (domain.InspectionRequest, error)
	FindBySessionID(ctx context.Context, sessionID string) (domain.InspectionRequest, error)
	// UpdatePayment applies the update only when the stored document still
	// matches expectedUpdate; a concurrent writer surfaces as a conflict.
	UpdatePayment(ctx context.Context, requestID string, update PaymentUpdate, expectedUpdate time.Time) (domain.InspectionRequest, error)
}

// CatalogRepository stores the pricing catalog reference data.
type CatalogRepository interface {
	ListTiers(ctx context.Context) ([]domain.ServiceTier, error)
	ListAddOns(ctx context.Context) ([]domain.AdditionalService, error)
	SeedDefaults(ctx context.Context, tiers []domain.ServiceTier, addOns []domain.AdditionalService) error
}

// PaymentAuditRepository appends immutable reconciliation outcomes for the audit trail.
type PaymentAuditRepository interface {
	Append(ctx context.Context, entry domain.PaymentAuditEntry) (domain.PaymentAuditEntry, error)
	ListByRequest(ctx context.Context, requestID string) ([]domain.PaymentAuditEntry, error)
}

// HealthRepository aggregates dependency probes for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
