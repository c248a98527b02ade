package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/checkspot/api/internal/domain"
)

type stubCatalogRepository struct {
	listTiersFunc  func(ctx context.Context) ([]domain.ServiceTier, error)
	listAddOnsFunc func(ctx context.Context) ([]domain.AdditionalService, error)
	seedFunc       func(ctx context.Context, tiers []domain.ServiceTier, addOns []domain.AdditionalService) error
}

func (s *stubCatalogRepository) ListTiers(ctx context.Context) ([]domain.ServiceTier, error) {
	if s.listTiersFunc == nil {
		return nil, errors.New("unexpected ListTiers call")
	}
	return s.listTiersFunc(ctx)
}

func (s *stubCatalogRepository) ListAddOns(ctx context.Context) ([]domain.AdditionalService, error) {
	if s.listAddOnsFunc == nil {
		return nil, errors.New("unexpected ListAddOns call")
	}
	return s.listAddOnsFunc(ctx)
}

func (s *stubCatalogRepository) SeedDefaults(ctx context.Context, tiers []domain.ServiceTier, addOns []domain.AdditionalService) error {
	if s.seedFunc == nil {
		return errors.New("unexpected SeedDefaults call")
	}
	return s.seedFunc(ctx, tiers, addOns)
}

func testCatalogData() ([]domain.ServiceTier, []domain.AdditionalService) {
	return BuiltinTiers("USD"), BuiltinAddOns("USD")
}

func newTestCatalogService(t *testing.T, repo *stubCatalogRepository, now func() time.Time) *FirestoreCatalogService {
	t.Helper()
	svc, err := NewCatalogService(CatalogServiceDeps{
		Repository: repo,
		Currency:   "USD",
		RefreshTTL: 5 * time.Minute,
		Now:        now,
	})
	if err != nil {
		t.Fatalf("NewCatalogService: %v", err)
	}
	return svc
}

func TestCatalogServiceServesSnapshotWithinTTL(t *testing.T) {
	ctx := context.Background()
	tiers, addOns := testCatalogData()
	calls := 0
	repo := &stubCatalogRepository{
		listTiersFunc: func(context.Context) ([]domain.ServiceTier, error) {
			calls++
			return tiers, nil
		},
		listAddOnsFunc: func(context.Context) ([]domain.AdditionalService, error) {
			return addOns, nil
		},
	}

	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := newTestCatalogService(t, repo, func() time.Time { return current })

	first, err := svc.Catalog(ctx)
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if len(first.Tiers) != 3 || first.Currency != "USD" {
		t.Fatalf("unexpected catalog %+v", first)
	}

	current = current.Add(time.Minute)
	if _, err := svc.Catalog(ctx); err != nil {
		t.Fatalf("Catalog within TTL: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single store load within TTL, got %d", calls)
	}

	current = current.Add(10 * time.Minute)
	if _, err := svc.Catalog(ctx); err != nil {
		t.Fatalf("Catalog after TTL: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refresh after TTL, got %d loads", calls)
	}
}

func TestCatalogServiceFallsBackToLastSnapshot(t *testing.T) {
	ctx := context.Background()
	tiers, addOns := testCatalogData()
	failing := false
	repo := &stubCatalogRepository{
		listTiersFunc: func(context.Context) ([]domain.ServiceTier, error) {
			if failing {
				return nil, errors.New("firestore unavailable")
			}
			return tiers, nil
		},
		listAddOnsFunc: func(context.Context) ([]domain.AdditionalService, error) {
			return addOns, nil
		},
	}

	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := newTestCatalogService(t, repo, func() time.Time { return current })

	if _, err := svc.Catalog(ctx); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	failing = true
	current = current.Add(10 * time.Minute)
	catalog, err := svc.Catalog(ctx)
	if err != nil {
		t.Fatalf("expected snapshot fallback, got %v", err)
	}
	if len(catalog.Tiers) != 3 {
		t.Fatalf("stale snapshot should still carry tiers, got %+v", catalog)
	}
}

func TestCatalogServiceUnavailableWithoutSnapshot(t *testing.T) {
	repo := &stubCatalogRepository{
		listTiersFunc: func(context.Context) ([]domain.ServiceTier, error) {
			return nil, errors.New("firestore unavailable")
		},
	}
	svc := newTestCatalogService(t, repo, nil)

	_, err := svc.Catalog(context.Background())
	if !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("expected ErrCatalogUnavailable, got %v", err)
	}
}

func TestCatalogServiceRejectsInvalidReferenceData(t *testing.T) {
	tiers, addOns := testCatalogData()
	tiers = append(tiers, tiers[0]) // duplicate id
	repo := &stubCatalogRepository{
		listTiersFunc: func(context.Context) ([]domain.ServiceTier, error) {
			return tiers, nil
		},
		listAddOnsFunc: func(context.Context) ([]domain.AdditionalService, error) {
			return addOns, nil
		},
	}
	svc := newTestCatalogService(t, repo, nil)

	_, err := svc.Catalog(context.Background())
	if !errors.Is(err, ErrCatalogInvalid) {
		t.Fatalf("expected ErrCatalogInvalid, got %v", err)
	}
}

func TestCatalogServiceSeedWritesBuiltins(t *testing.T) {
	var seededTiers []domain.ServiceTier
	var seededAddOns []domain.AdditionalService
	repo := &stubCatalogRepository{
		seedFunc: func(_ context.Context, tiers []domain.ServiceTier, addOns []domain.AdditionalService) error {
			seededTiers = tiers
			seededAddOns = addOns
			return nil
		},
	}
	svc := newTestCatalogService(t, repo, nil)

	if err := svc.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(seededTiers) != 3 || len(seededAddOns) != 3 {
		t.Fatalf("unexpected seed sizes: %d tiers, %d add-ons", len(seededTiers), len(seededAddOns))
	}
	if seededTiers[2].ID != domain.TierPremium || seededTiers[2].PriceMinor != 7000 {
		t.Fatalf("premium seed wrong: %+v", seededTiers[2])
	}
	if seededAddOns[0].ID != "rush_delivery" || seededAddOns[0].PriceMinor != 1500 {
		t.Fatalf("rush delivery seed wrong: %+v", seededAddOns[0])
	}
}
