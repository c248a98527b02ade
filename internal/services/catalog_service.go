package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	domain "github.com/checkspot/api/internal/domain"
	"github.com/checkspot/api/internal/repositories"
)

var (
	// ErrCatalogUnavailable is returned when the catalog store is unreachable
	// and no previously loaded snapshot exists. Pricing never defaults to zero.
	ErrCatalogUnavailable = errors.New("catalog: unavailable")
	// ErrCatalogInvalid signals reference data that fails validation on load.
	ErrCatalogInvalid = errors.New("catalog: invalid reference data")
)

// BuiltinTiers returns the seed tier definitions used when the store is empty.
func BuiltinTiers(currency string) []ServiceTier {
	code := strings.ToUpper(strings.TrimSpace(currency))
	return []ServiceTier{
		{
			ID:          domain.TierBasic,
			Name:        "Basic inspection",
			PriceMinor:  3000,
			Currency:    code,
			DeliverySLA: "5 business days",
			Features:    []string{"Exterior walkthrough", "Photo report"},
			SortOrder:   1,
		},
		{
			ID:          domain.TierStandard,
			Name:        "Standard inspection",
			PriceMinor:  5000,
			Currency:    code,
			DeliverySLA: "3 business days",
			Features:    []string{"Exterior and interior walkthrough", "Photo report", "Video highlights"},
			SortOrder:   2,
		},
		{
			ID:          domain.TierPremium,
			Name:        "Premium inspection",
			PriceMinor:  7000,
			Currency:    code,
			DeliverySLA: "2 business days",
			Features:    []string{"Full walkthrough", "Photo report", "Video highlights", "Live Q&A call"},
			SortOrder:   3,
		},
	}
}

// BuiltinAddOns returns the seed add-on definitions used when the store is empty.
func BuiltinAddOns(currency string) []AdditionalService {
	code := strings.ToUpper(strings.TrimSpace(currency))
	return []AdditionalService{
		{
			ID:          "rush_delivery",
			Name:        "Rush delivery",
			PriceMinor:  1500,
			Currency:    code,
			Description: "Report delivered within 24 hours of the visit",
		},
		{
			ID:          "drone_footage",
			Name:        "Drone footage",
			PriceMinor:  2500,
			Currency:    code,
			Description: "Aerial photos and video of the property and roof",
		},
		{
			ID:          "neighborhood_review",
			Name:        "Neighborhood review",
			PriceMinor:  1000,
			Currency:    code,
			Description: "Walkability, noise, and amenities notes for the surrounding blocks",
		},
	}
}

// FirestoreCatalogService serves reference data from the catalog repository,
// holding the last good snapshot so transient store outages never take pricing
// down with them.
type FirestoreCatalogService struct {
	repo     repositories.CatalogRepository
	currency string
	ttl      time.Duration
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)

	snapshot atomic.Pointer[Catalog]
	refresh  sync.Mutex
}

// CatalogServiceDeps wires the catalog service dependencies.
type CatalogServiceDeps struct {
	Repository repositories.CatalogRepository
	Currency   string
	RefreshTTL time.Duration
	Now        func() time.Time
	Logger     func(context.Context, string, map[string]any)
}

// NewCatalogService validates dependencies and constructs the service.
func NewCatalogService(deps CatalogServiceDeps) (*FirestoreCatalogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("catalog service: repository is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "USD"
	}
	ttl := deps.RefreshTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &FirestoreCatalogService{
		repo:     deps.Repository,
		currency: currency,
		ttl:      ttl,
		now: func() time.Time {
			return now().UTC()
		},
		logger: logger,
	}, nil
}

// Seed writes the built-in catalog entries through the repository, skipping
// anything an operator already defined. Intended for startup in dev projects.
func (s *FirestoreCatalogService) Seed(ctx context.Context) error {
	if s == nil || s.repo == nil {
		return errors.New("catalog service: not initialised")
	}
	if err := s.repo.SeedDefaults(ctx, BuiltinTiers(s.currency), BuiltinAddOns(s.currency)); err != nil {
		return fmt.Errorf("catalog service: seed defaults: %w", err)
	}
	s.logger(ctx, "catalog.seeded", map[string]any{"currency": s.currency})
	return nil
}

// Catalog returns the combined reference data, refreshing the snapshot when
// it is stale and falling back to the previous snapshot on store failure.
func (s *FirestoreCatalogService) Catalog(ctx context.Context) (Catalog, error) {
	if s == nil || s.repo == nil {
		return Catalog{}, errors.New("catalog service: not initialised")
	}

	if snap := s.snapshot.Load(); snap != nil && s.now().Sub(snap.LoadedAt) < s.ttl {
		return *snap, nil
	}

	s.refresh.Lock()
	defer s.refresh.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	if snap := s.snapshot.Load(); snap != nil && s.now().Sub(snap.LoadedAt) < s.ttl {
		return *snap, nil
	}

	loaded, err := s.load(ctx)
	if err != nil {
		if snap := s.snapshot.Load(); snap != nil {
			s.logger(ctx, "catalog.refresh_failed", map[string]any{
				"error":      err.Error(),
				"snapshotAt": snap.LoadedAt,
			})
			return *snap, nil
		}
		if errors.Is(err, ErrCatalogInvalid) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Catalog{}, err
		}
		return Catalog{}, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	s.snapshot.Store(&loaded)
	return loaded, nil
}

// ServiceTiers returns the tier definitions in display order.
func (s *FirestoreCatalogService) ServiceTiers(ctx context.Context) ([]ServiceTier, error) {
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return catalog.Tiers, nil
}

// AdditionalServices returns the add-on definitions.
func (s *FirestoreCatalogService) AdditionalServices(ctx context.Context) ([]AdditionalService, error) {
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return catalog.AddOns, nil
}

// Invalidate drops the cached snapshot so the next read hits the store.
func (s *FirestoreCatalogService) Invalidate() {
	if s != nil {
		s.snapshot.Store(nil)
	}
}

func (s *FirestoreCatalogService) load(ctx context.Context) (Catalog, error) {
	tiers, err := s.repo.ListTiers(ctx)
	if err != nil {
		return Catalog{}, fmt.Errorf("list tiers: %w", err)
	}
	addOns, err := s.repo.ListAddOns(ctx)
	if err != nil {
		return Catalog{}, fmt.Errorf("list add-ons: %w", err)
	}
	if err := validateCatalog(tiers, addOns); err != nil {
		return Catalog{}, err
	}
	return Catalog{
		Tiers:    tiers,
		AddOns:   addOns,
		Currency: s.currency,
		LoadedAt: s.now(),
	}, nil
}

func validateCatalog(tiers []ServiceTier, addOns []AdditionalService) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: no tiers defined", ErrCatalogInvalid)
	}
	seenTiers := make(map[domain.TierID]struct{}, len(tiers))
	for _, tier := range tiers {
		if strings.TrimSpace(string(tier.ID)) == "" {
			return fmt.Errorf("%w: tier with empty id", ErrCatalogInvalid)
		}
		if _, dup := seenTiers[tier.ID]; dup {
			return fmt.Errorf("%w: duplicate tier %q", ErrCatalogInvalid, tier.ID)
		}
		seenTiers[tier.ID] = struct{}{}
		if tier.PriceMinor < 0 {
			return fmt.Errorf("%w: tier %q has negative price", ErrCatalogInvalid, tier.ID)
		}
	}

	seenAddOns := make(map[string]struct{}, len(addOns))
	for _, addOn := range addOns {
		if strings.TrimSpace(addOn.ID) == "" {
			return fmt.Errorf("%w: add-on with empty id", ErrCatalogInvalid)
		}
		if _, dup := seenAddOns[addOn.ID]; dup {
			return fmt.Errorf("%w: duplicate add-on %q", ErrCatalogInvalid, addOn.ID)
		}
		seenAddOns[addOn.ID] = struct{}{}
		if addOn.PriceMinor < 0 {
			return fmt.Errorf("%w: add-on %q has negative price", ErrCatalogInvalid, addOn.ID)
		}
	}
	return nil
}

var _ CatalogService = (*FirestoreCatalogService)(nil)
