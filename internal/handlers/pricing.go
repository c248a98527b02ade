package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/checkspot/api/internal/domain"
	"github.com/checkspot/api/internal/platform/httpx"
	"github.com/checkspot/api/internal/services"
)

const maxPricingRequestBody = 4 * 1024

// PricingHandlers exposes the public pricing surface: the catalog and quotes.
type PricingHandlers struct {
	catalog services.CatalogService
	pricing services.PricingService
}

// NewPricingHandlers constructs the pricing handlers.
func NewPricingHandlers(catalog services.CatalogService, pricing services.PricingService) *PricingHandlers {
	return &PricingHandlers{
		catalog: catalog,
		pricing: pricing,
	}
}

// Routes registers pricing endpoints under the provided router.
func (h *PricingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/catalog", h.getCatalog)
	r.Post("/quote", h.quote)
}

type catalogTierResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	PriceMinor   int64    `json:"priceMinor"`
	DisplayPrice string   `json:"displayPrice"`
	Currency     string   `json:"currency"`
	DeliverySLA  string   `json:"deliverySla,omitempty"`
	Features     []string `json:"features,omitempty"`
}

type catalogAddOnResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PriceMinor   int64  `json:"priceMinor"`
	DisplayPrice string `json:"displayPrice"`
	Currency     string `json:"currency"`
	Description  string `json:"description,omitempty"`
}

type catalogResponse struct {
	Currency string                 `json:"currency"`
	Tiers    []catalogTierResponse  `json:"tiers"`
	AddOns   []catalogAddOnResponse `json:"addOns"`
}

type quoteRequest struct {
	TierID   string   `json:"tierId"`
	AddOnIDs []string `json:"addOnIds"`
}

type quoteLineResponse struct {
	Kind         string `json:"kind"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	AmountMinor  int64  `json:"amountMinor"`
	DisplayPrice string `json:"displayPrice"`
}

type quoteResponse struct {
	Currency                string              `json:"currency"`
	TierID                  string              `json:"tierId"`
	BasePrice               int64               `json:"basePrice"`
	AdditionalServicesTotal int64               `json:"additionalServicesTotal"`
	TotalPrice              int64               `json:"totalPrice"`
	DisplayTotal            string              `json:"displayTotal"`
	Breakdown               []quoteLineResponse `json:"breakdown"`
}

func (h *PricingHandlers) getCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	catalog, err := h.catalog.Catalog(ctx)
	if err != nil {
		h.writePricingError(ctx, w, err)
		return
	}

	payload := catalogResponse{
		Currency: catalog.Currency,
		Tiers:    make([]catalogTierResponse, 0, len(catalog.Tiers)),
		AddOns:   make([]catalogAddOnResponse, 0, len(catalog.AddOns)),
	}
	for _, tier := range catalog.Tiers {
		payload.Tiers = append(payload.Tiers, catalogTierResponse{
			ID:           string(tier.ID),
			Name:         tier.Name,
			PriceMinor:   tier.PriceMinor,
			DisplayPrice: domain.FormatMinor(tier.PriceMinor, tier.Currency),
			Currency:     tier.Currency,
			DeliverySLA:  tier.DeliverySLA,
			Features:     tier.Features,
		})
	}
	for _, addOn := range catalog.AddOns {
		payload.AddOns = append(payload.AddOns, catalogAddOnResponse{
			ID:           addOn.ID,
			Name:         addOn.Name,
			PriceMinor:   addOn.PriceMinor,
			DisplayPrice: domain.FormatMinor(addOn.PriceMinor, addOn.Currency),
			Currency:     addOn.Currency,
			Description:  addOn.Description,
		})
	}

	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *PricingHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_unavailable", "pricing service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxPricingRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req quoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	tierID := strings.TrimSpace(req.TierID)
	if tierID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "tierId is required", http.StatusBadRequest))
		return
	}

	calc, err := h.pricing.Calculate(ctx, domain.TierID(tierID), req.AddOnIDs)
	if err != nil {
		h.writePricingError(ctx, w, err)
		return
	}

	payload := quoteResponse{
		Currency:                calc.Currency,
		TierID:                  string(calc.TierID),
		BasePrice:               calc.BasePriceMinor,
		AdditionalServicesTotal: calc.AddOnsTotalMinor,
		TotalPrice:              calc.TotalMinor,
		DisplayTotal:            domain.FormatMinor(calc.TotalMinor, calc.Currency),
		Breakdown:               make([]quoteLineResponse, 0, len(calc.Breakdown)),
	}
	for _, line := range calc.Breakdown {
		payload.Breakdown = append(payload.Breakdown, quoteLineResponse{
			Kind:         line.Kind,
			ID:           line.ID,
			Name:         line.Name,
			AmountMinor:  line.AmountMinor,
			DisplayPrice: domain.FormatMinor(line.AmountMinor, calc.Currency),
		})
	}

	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *PricingHandlers) writePricingError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrUnknownTier):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_tier", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrUnknownAddOn):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_add_on", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_invalid", "catalog reference data is invalid", http.StatusInternalServerError))
	case errors.Is(err, services.ErrCatalogUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "pricing catalog is temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("pricing_error", "failed to price the request", http.StatusInternalServerError))
	}
}
