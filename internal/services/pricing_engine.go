package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	// ErrUnknownTier is returned for a tier id absent from the catalog. There
	// is deliberately no fallback tier; a typo must never price as "basic".
	ErrUnknownTier = errors.New("pricing: unknown tier")
	// ErrUnknownAddOn is returned when a selected add-on id is not in the catalog.
	ErrUnknownAddOn = errors.New("pricing: unknown add-on")
	// ErrPriceOverflow is returned when summing prices would overflow int64.
	ErrPriceOverflow = errors.New("pricing: amount overflow")
)

// PricingEngine prices a tier selection plus add-on set from catalog data.
// Calculation is deterministic and free of I/O beyond the catalog read.
type PricingEngine struct {
	catalog CatalogService
	logger  func(context.Context, string, map[string]any)
}

// PricingEngineDeps wires the pricing engine dependencies.
type PricingEngineDeps struct {
	Catalog CatalogService
	Logger  func(context.Context, string, map[string]any)
}

// NewPricingEngine validates dependencies and constructs the engine.
func NewPricingEngine(deps PricingEngineDeps) (*PricingEngine, error) {
	if deps.Catalog == nil {
		return nil, errors.New("pricing engine: catalog service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PricingEngine{
		catalog: deps.Catalog,
		logger:  logger,
	}, nil
}

// Calculate resolves the tier and each selected add-on against the catalog and
// sums their prices in integer minor units. Add-on selection is treated as a
// set; duplicates and ordering do not change the total.
func (e *PricingEngine) Calculate(ctx context.Context, tierID TierID, addOnIDs []string) (PricingCalculation, error) {
	if e == nil || e.catalog == nil {
		return PricingCalculation{}, errors.New("pricing engine: not initialised")
	}

	catalog, err := e.catalog.Catalog(ctx)
	if err != nil {
		return PricingCalculation{}, err
	}

	tier, ok := findTier(catalog.Tiers, tierID)
	if !ok {
		return PricingCalculation{}, fmt.Errorf("%w: %q", ErrUnknownTier, tierID)
	}

	selection := make(map[string]struct{}, len(addOnIDs))
	var unknown []string
	for _, raw := range addOnIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, exists := findAddOn(catalog.AddOns, id); !exists {
			unknown = append(unknown, id)
			continue
		}
		selection[id] = struct{}{}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return PricingCalculation{}, fmt.Errorf("%w: %s", ErrUnknownAddOn, strings.Join(unknown, ", "))
	}

	breakdown := make([]PriceLine, 0, len(selection)+1)
	breakdown = append(breakdown, PriceLine{
		Kind:        "tier",
		ID:          string(tier.ID),
		Name:        tier.Name,
		AmountMinor: tier.PriceMinor,
	})

	var addOnsTotal int64
	// Walk the catalog rather than the input so breakdown order is stable
	// regardless of how the caller ordered the selection.
	for _, addOn := range catalog.AddOns {
		if _, selected := selection[addOn.ID]; !selected {
			continue
		}
		addOnsTotal, err = addMinor(addOnsTotal, addOn.PriceMinor)
		if err != nil {
			return PricingCalculation{}, err
		}
		breakdown = append(breakdown, PriceLine{
			Kind:        "add_on",
			ID:          addOn.ID,
			Name:        addOn.Name,
			AmountMinor: addOn.PriceMinor,
		})
	}

	total, err := addMinor(tier.PriceMinor, addOnsTotal)
	if err != nil {
		return PricingCalculation{}, err
	}

	return PricingCalculation{
		Currency:         catalog.Currency,
		TierID:           tier.ID,
		BasePriceMinor:   tier.PriceMinor,
		AddOnsTotalMinor: addOnsTotal,
		TotalMinor:       total,
		Breakdown:        breakdown,
	}, nil
}

func findTier(tiers []ServiceTier, id TierID) (ServiceTier, bool) {
	for _, tier := range tiers {
		if tier.ID == id {
			return tier, true
		}
	}
	return ServiceTier{}, false
}

func findAddOn(addOns []AdditionalService, id string) (AdditionalService, bool) {
	for _, addOn := range addOns {
		if addOn.ID == id {
			return addOn, true
		}
	}
	return AdditionalService{}, false
}

func addMinor(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, ErrPriceOverflow
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, ErrPriceOverflow
	}
	return a + b, nil
}

var _ PricingService = (*PricingEngine)(nil)
