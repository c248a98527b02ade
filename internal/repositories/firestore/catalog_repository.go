package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/checkspot/api/internal/domain"
	pfirestore "github.com/checkspot/api/internal/platform/firestore"
	"github.com/checkspot/api/internal/repositories"
)

const (
	tierCollection  = "catalog_tiers"
	addOnCollection = "catalog_addons"
)

// CatalogRepository stores pricing reference data in two flat collections.
type CatalogRepository struct {
	tiers  *pfirestore.BaseRepository[tierDocument]
	addOns *pfirestore.BaseRepository[addOnDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{
		tiers:  pfirestore.NewBaseRepository[tierDocument](provider, tierCollection, nil, nil),
		addOns: pfirestore.NewBaseRepository[addOnDocument](provider, addOnCollection, nil, nil),
	}, nil
}

// ListTiers returns every tier ordered by its display sort order.
func (r *CatalogRepository) ListTiers(ctx context.Context) ([]domain.ServiceTier, error) {
	if r == nil || r.tiers == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	docs, err := r.tiers.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.OrderBy("sortOrder", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	tiers := make([]domain.ServiceTier, 0, len(docs))
	for _, doc := range docs {
		tiers = append(tiers, tierFromDocument(doc))
	}
	return tiers, nil
}

// ListAddOns returns every add-on ordered by document ID for stable output.
func (r *CatalogRepository) ListAddOns(ctx context.Context) ([]domain.AdditionalService, error) {
	if r == nil || r.addOns == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	docs, err := r.addOns.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.OrderBy(firestore.DocumentID, firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	addOns := make([]domain.AdditionalService, 0, len(docs))
	for _, doc := range docs {
		addOns = append(addOns, addOnFromDocument(doc))
	}
	return addOns, nil
}

// SeedDefaults writes the built-in catalog entries, skipping documents that
// already exist so operator edits survive restarts.
func (r *CatalogRepository) SeedDefaults(ctx context.Context, tiers []domain.ServiceTier, addOns []domain.AdditionalService) error {
	if r == nil || r.tiers == nil || r.addOns == nil {
		return errors.New("catalog repository not initialised")
	}

	for _, tier := range tiers {
		id := strings.TrimSpace(string(tier.ID))
		if id == "" {
			return errors.New("catalog repository: seed tier id is required")
		}
		_, err := r.tiers.Create(ctx, id, tierToDocument(tier))
		if err != nil && !isConflict(err) {
			return fmt.Errorf("seed tier %s: %w", id, err)
		}
	}

	for _, addOn := range addOns {
		id := strings.TrimSpace(addOn.ID)
		if id == "" {
			return errors.New("catalog repository: seed add-on id is required")
		}
		_, err := r.addOns.Create(ctx, id, addOnToDocument(addOn))
		if err != nil && !isConflict(err) {
			return fmt.Errorf("seed add-on %s: %w", id, err)
		}
	}
	return nil
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func tierToDocument(tier domain.ServiceTier) tierDocument {
	return tierDocument{
		Name:        tier.Name,
		PriceMinor:  tier.PriceMinor,
		Currency:    strings.ToUpper(strings.TrimSpace(tier.Currency)),
		DeliverySLA: tier.DeliverySLA,
		Features:    append([]string(nil), tier.Features...),
		SortOrder:   tier.SortOrder,
	}
}

func tierFromDocument(doc pfirestore.Document[tierDocument]) domain.ServiceTier {
	data := doc.Data
	return domain.ServiceTier{
		ID:          domain.TierID(doc.ID),
		Name:        data.Name,
		PriceMinor:  data.PriceMinor,
		Currency:    strings.ToUpper(strings.TrimSpace(data.Currency)),
		DeliverySLA: data.DeliverySLA,
		Features:    append([]string(nil), data.Features...),
		SortOrder:   data.SortOrder,
	}
}

func addOnToDocument(addOn domain.AdditionalService) addOnDocument {
	return addOnDocument{
		Name:        addOn.Name,
		PriceMinor:  addOn.PriceMinor,
		Currency:    strings.ToUpper(strings.TrimSpace(addOn.Currency)),
		Description: addOn.Description,
	}
}

func addOnFromDocument(doc pfirestore.Document[addOnDocument]) domain.AdditionalService {
	data := doc.Data
	return domain.AdditionalService{
		ID:          doc.ID,
		Name:        data.Name,
		PriceMinor:  data.PriceMinor,
		Currency:    strings.ToUpper(strings.TrimSpace(data.Currency)),
		Description: data.Description,
	}
}

type tierDocument struct {
	Name        string   `firestore:"name"`
	PriceMinor  int64    `firestore:"priceMinor"`
	Currency    string   `firestore:"currency"`
	DeliverySLA string   `firestore:"deliverySla,omitempty"`
	Features    []string `firestore:"features,omitempty"`
	SortOrder   int      `firestore:"sortOrder"`
}

type addOnDocument struct {
	Name        string `firestore:"name"`
	PriceMinor  int64  `firestore:"priceMinor"`
	Currency    string `firestore:"currency"`
	Description string `firestore:"description,omitempty"`
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)
