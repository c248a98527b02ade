package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/checkspot/api/internal/domain"
)

type stubCatalogService struct {
	catalog Catalog
	err     error
}

func (s *stubCatalogService) Catalog(context.Context) (Catalog, error) {
	return s.catalog, s.err
}

func (s *stubCatalogService) ServiceTiers(context.Context) ([]ServiceTier, error) {
	return s.catalog.Tiers, s.err
}

func (s *stubCatalogService) AdditionalServices(context.Context) ([]AdditionalService, error) {
	return s.catalog.AddOns, s.err
}

func newTestPricingEngine(t *testing.T) *PricingEngine {
	t.Helper()
	tiers, addOns := testCatalogData()
	engine, err := NewPricingEngine(PricingEngineDeps{
		Catalog: &stubCatalogService{catalog: Catalog{
			Tiers:    tiers,
			AddOns:   addOns,
			Currency: "USD",
			LoadedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		}},
	})
	if err != nil {
		t.Fatalf("NewPricingEngine: %v", err)
	}
	return engine
}

func TestPricingEnginePremiumWithRushDelivery(t *testing.T) {
	engine := newTestPricingEngine(t)

	calc, err := engine.Calculate(context.Background(), domain.TierPremium, []string{"rush_delivery"})
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if calc.BasePriceMinor != 7000 {
		t.Fatalf("base = %d, want 7000", calc.BasePriceMinor)
	}
	if calc.AddOnsTotalMinor != 1500 {
		t.Fatalf("add-ons total = %d, want 1500", calc.AddOnsTotalMinor)
	}
	if calc.TotalMinor != 8500 {
		t.Fatalf("total = %d, want 8500", calc.TotalMinor)
	}
	if len(calc.Breakdown) != 2 || calc.Breakdown[0].Kind != "tier" || calc.Breakdown[1].ID != "rush_delivery" {
		t.Fatalf("unexpected breakdown %+v", calc.Breakdown)
	}
}

func TestPricingEngineTotalEqualsBasePlusAddOns(t *testing.T) {
	engine := newTestPricingEngine(t)
	ctx := context.Background()

	subsets := [][]string{
		nil,
		{"rush_delivery"},
		{"drone_footage", "neighborhood_review"},
		{"rush_delivery", "drone_footage", "neighborhood_review"},
	}
	for _, tierID := range domain.KnownTierIDs() {
		for _, subset := range subsets {
			calc, err := engine.Calculate(ctx, tierID, subset)
			if err != nil {
				t.Fatalf("Calculate(%s, %v): %v", tierID, subset, err)
			}
			if calc.TotalMinor != calc.BasePriceMinor+calc.AddOnsTotalMinor {
				t.Fatalf("tier %s subset %v: total %d != base %d + add-ons %d",
					tierID, subset, calc.TotalMinor, calc.BasePriceMinor, calc.AddOnsTotalMinor)
			}
		}
	}
}

func TestPricingEngineOrderAndDuplicateInsensitive(t *testing.T) {
	engine := newTestPricingEngine(t)
	ctx := context.Background()

	forward, err := engine.Calculate(ctx, domain.TierStandard, []string{"rush_delivery", "drone_footage"})
	if err != nil {
		t.Fatalf("Calculate forward: %v", err)
	}
	reversed, err := engine.Calculate(ctx, domain.TierStandard, []string{"drone_footage", "rush_delivery"})
	if err != nil {
		t.Fatalf("Calculate reversed: %v", err)
	}
	duplicated, err := engine.Calculate(ctx, domain.TierStandard, []string{"rush_delivery", "rush_delivery", "drone_footage"})
	if err != nil {
		t.Fatalf("Calculate duplicated: %v", err)
	}

	if forward.TotalMinor != reversed.TotalMinor || forward.TotalMinor != duplicated.TotalMinor {
		t.Fatalf("selection set must price identically: %d / %d / %d",
			forward.TotalMinor, reversed.TotalMinor, duplicated.TotalMinor)
	}
	if len(forward.Breakdown) != len(reversed.Breakdown) {
		t.Fatalf("breakdown length diverged: %d vs %d", len(forward.Breakdown), len(reversed.Breakdown))
	}
	for i := range forward.Breakdown {
		if forward.Breakdown[i] != reversed.Breakdown[i] {
			t.Fatalf("breakdown order must be stable, line %d: %+v vs %+v",
				i, forward.Breakdown[i], reversed.Breakdown[i])
		}
	}
}

func TestPricingEngineUnknownTier(t *testing.T) {
	engine := newTestPricingEngine(t)

	_, err := engine.Calculate(context.Background(), domain.TierID("unknown-tier"), nil)
	if !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestPricingEngineUnknownAddOnListsOffenders(t *testing.T) {
	engine := newTestPricingEngine(t)

	_, err := engine.Calculate(context.Background(), domain.TierBasic, []string{"rush_delivery", "jetpack", "submarine"})
	if !errors.Is(err, ErrUnknownAddOn) {
		t.Fatalf("expected ErrUnknownAddOn, got %v", err)
	}
	if !strings.Contains(err.Error(), "jetpack") || !strings.Contains(err.Error(), "submarine") {
		t.Fatalf("error should list offending ids, got %v", err)
	}
}

func TestPricingEnginePropagatesCatalogError(t *testing.T) {
	engine, err := NewPricingEngine(PricingEngineDeps{
		Catalog: &stubCatalogService{err: ErrCatalogUnavailable},
	})
	if err != nil {
		t.Fatalf("NewPricingEngine: %v", err)
	}

	_, err = engine.Calculate(context.Background(), domain.TierBasic, nil)
	if !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("expected catalog error to propagate, got %v", err)
	}
}
