package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/checkspot/api/internal/domain"
	pfirestore "github.com/checkspot/api/internal/platform/firestore"
	"github.com/checkspot/api/internal/repositories"
)

const (
	requestCollection = "inspection_requests"
)

// InspectionRequestRepository persists the payment projection of inspection requests.
type InspectionRequestRepository struct {
	base     *pfirestore.BaseRepository[requestDocument]
	provider *pfirestore.Provider
}

// NewInspectionRequestRepository constructs a Firestore-backed request repository.
func NewInspectionRequestRepository(provider *pfirestore.Provider) (*InspectionRequestRepository, error) {
	if provider == nil {
		return nil, errors.New("request repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[requestDocument](provider, requestCollection, nil, nil)
	return &InspectionRequestRepository{
		base:     base,
		provider: provider,
	}, nil
}

// FindByID loads a request by its document ID.
func (r *InspectionRequestRepository) FindByID(ctx context.Context, requestID string) (domain.InspectionRequest, error) {
	if r == nil || r.base == nil {
		return domain.InspectionRequest{}, errors.New("request repository not initialised")
	}
	id := strings.TrimSpace(requestID)
	if id == "" {
		return domain.InspectionRequest{}, errors.New("request repository: request id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.InspectionRequest{}, err
	}
	return requestFromDocument(doc), nil
}

// FindBySessionID locates the request that owns the given checkout session.
// Session IDs are provider-unique, so at most one document can match.
func (r *InspectionRequestRepository) FindBySessionID(ctx context.Context, sessionID string) (domain.InspectionRequest, error) {
	if r == nil || r.base == nil {
		return domain.InspectionRequest{}, errors.New("request repository not initialised")
	}
	session := strings.TrimSpace(sessionID)
	if session == "" {
		return domain.InspectionRequest{}, errors.New("request repository: session id is required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("sessionId", "==", session).Limit(1)
	})
	if err != nil {
		return domain.InspectionRequest{}, err
	}
	if len(docs) == 0 {
		return domain.InspectionRequest{}, notFoundError("request.find_by_session")
	}
	return requestFromDocument(docs[0]), nil
}

// UpdatePayment applies a payment transition guarded by the document's last
// update time. A concurrent writer invalidates the precondition and surfaces
// as a conflict, which callers resolve by re-reading.
func (r *InspectionRequestRepository) UpdatePayment(ctx context.Context, requestID string, update repositories.PaymentUpdate, expectedUpdate time.Time) (domain.InspectionRequest, error) {
	if r == nil || r.base == nil {
		return domain.InspectionRequest{}, errors.New("request repository not initialised")
	}
	id := strings.TrimSpace(requestID)
	if id == "" {
		return domain.InspectionRequest{}, errors.New("request repository: request id is required")
	}
	if update.Status == "" {
		return domain.InspectionRequest{}, errors.New("request repository: target status is required")
	}
	if expectedUpdate.IsZero() {
		return domain.InspectionRequest{}, errors.New("request repository: expected update time is required")
	}

	updates := []firestore.Update{
		{Path: "paymentStatus", Value: string(update.Status)},
	}
	if update.SessionID != nil {
		appendOptionalString(&updates, "sessionId", *update.SessionID)
	}
	if update.IntentID != nil {
		appendOptionalString(&updates, "intentId", *update.IntentID)
	}
	if update.AmountMinor != nil {
		updates = append(updates, firestore.Update{Path: "amountMinor", Value: *update.AmountMinor})
	}
	if update.Attempt != nil {
		updates = append(updates, firestore.Update{Path: "attempt", Value: *update.Attempt})
	}
	if update.SettledAt != nil {
		updates = append(updates, firestore.Update{Path: "settledAt", Value: update.SettledAt.UTC()})
	}

	if _, err := r.base.Update(ctx, id, updates, firestore.LastUpdateTime(expectedUpdate.UTC())); err != nil {
		return domain.InspectionRequest{}, err
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.InspectionRequest{}, err
	}
	return requestFromDocument(doc), nil
}

func appendOptionalString(updates *[]firestore.Update, path, value string) {
	if strings.TrimSpace(value) == "" {
		*updates = append(*updates, firestore.Update{Path: path, Value: firestore.Delete})
	} else {
		*updates = append(*updates, firestore.Update{Path: path, Value: strings.TrimSpace(value)})
	}
}

func requestFromDocument(doc pfirestore.Document[requestDocument]) domain.InspectionRequest {
	data := doc.Data
	return domain.InspectionRequest{
		ID:            doc.ID,
		UserID:        data.UserID,
		TierID:        domain.TierID(data.TierID),
		AddOnIDs:      append([]string(nil), data.AddOnIDs...),
		Currency:      strings.ToUpper(strings.TrimSpace(data.Currency)),
		AmountMinor:   data.AmountMinor,
		PaymentStatus: domain.PaymentStatus(data.PaymentStatus),
		SessionID:     data.SessionID,
		IntentID:      data.IntentID,
		Attempt:       data.Attempt,
		SettledAt:     data.SettledAt,
		CreatedAt: func() time.Time {
			if !data.CreatedAt.IsZero() {
				return data.CreatedAt
			}
			return doc.CreateTime
		}(),
		UpdatedAt: doc.UpdateTime,
	}
}

type requestDocument struct {
	UserID        string     `firestore:"userId"`
	TierID        string     `firestore:"tierId"`
	AddOnIDs      []string   `firestore:"addOnIds,omitempty"`
	Currency      string     `firestore:"currency"`
	AmountMinor   int64      `firestore:"amountMinor"`
	PaymentStatus string     `firestore:"paymentStatus"`
	SessionID     string     `firestore:"sessionId,omitempty"`
	IntentID      string     `firestore:"intentId,omitempty"`
	Attempt       int        `firestore:"attempt"`
	SettledAt     *time.Time `firestore:"settledAt,omitempty"`
	CreatedAt     time.Time  `firestore:"createdAt"`
}

var _ repositories.InspectionRequestRepository = (*InspectionRequestRepository)(nil)
