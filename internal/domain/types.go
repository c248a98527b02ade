package domain

import "time"

// TierID identifies one of the closed set of inspection service tiers.
type TierID string

const (
	TierBasic    TierID = "basic"
	TierStandard TierID = "standard"
	TierPremium  TierID = "premium"
)

// KnownTierIDs lists the valid tier identifiers in display order.
func KnownTierIDs() []TierID {
	return []TierID{TierBasic, TierStandard, TierPremium}
}

// ServiceTier is immutable catalog reference data describing an inspection tier.
// Prices are integer minor units (cents); formatting to decimal dollars happens
// only at the API boundary.
type ServiceTier struct {
	ID          TierID
	Name        string
	PriceMinor  int64
	Currency    string
	DeliverySLA string
	Features    []string
	SortOrder   int
}

// AdditionalService is an optional add-on catalog entry. Catalog entries are
// templates; a request derives its own selection set by id lookup and never
// holds a mutable reference onto a catalog entry.
type AdditionalService struct {
	ID          string
	Name        string
	PriceMinor  int64
	Currency    string
	Description string
}

// SelectedAddOn is the request-scoped copy of an AdditionalService carrying the
// per-request inclusion flag.
type SelectedAddOn struct {
	ID         string
	Name       string
	PriceMinor int64
	Included   bool
}

// PriceLine is one entry of an auditable pricing breakdown.
type PriceLine struct {
	Kind        string // "tier" or "add_on"
	ID          string
	Name        string
	AmountMinor int64
}

// PricingCalculation is the derived, ephemeral result of pricing a request.
// TotalMinor == BasePriceMinor + AddOnsTotalMinor always holds.
type PricingCalculation struct {
	Currency         string
	TierID           TierID
	BasePriceMinor   int64
	AddOnsTotalMinor int64
	TotalMinor       int64
	Breakdown        []PriceLine
}

// PaymentStatus enumerates the persisted payment states of an inspection request.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusSucceeded  PaymentStatus = "succeeded"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
)

// Terminal reports whether the status is final for the current checkout attempt.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled:
		return true
	}
	return false
}

// CanStartCheckout reports whether a new checkout attempt may begin from this
// status. A request that is already processing must not acquire a second live
// session for the same money.
func (s PaymentStatus) CanStartCheckout() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusFailed, PaymentStatusCancelled:
		return true
	}
	return false
}

// InspectionRequest is the persisted business record whose payment fields this
// service owns. The wider request document (property details, assignee, report)
// lives with other services; only the payment projection is modelled here.
type InspectionRequest struct {
	ID            string
	UserID        string
	TierID        TierID
	AddOnIDs      []string
	Currency      string
	AmountMinor   int64
	PaymentStatus PaymentStatus

	// Provider correlation for the current attempt. A new attempt always
	// receives fresh identifiers; stale ones are never reused.
	SessionID string
	IntentID  string
	Attempt   int

	SettledAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentAuditEntry records one reconciliation outcome for the audit trail.
type PaymentAuditEntry struct {
	ID          string
	RequestID   string
	SessionID   string
	IntentID    string
	Outcome     PaymentStatus
	AmountMinor int64
	Currency    string
	Timestamp   time.Time
}
