package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"

	domain "github.com/checkspot/api/internal/domain"
	pfirestore "github.com/checkspot/api/internal/platform/firestore"
	"github.com/checkspot/api/internal/repositories"
)

const auditCollection = "payment_audit"

// PaymentAuditRepository appends immutable reconciliation outcomes. Entries are
// never updated or deleted; the ULID document ID keeps them chronologically
// sortable without an extra index.
type PaymentAuditRepository struct {
	base *pfirestore.BaseRepository[auditDocument]
}

// NewPaymentAuditRepository constructs a Firestore-backed audit repository.
func NewPaymentAuditRepository(provider *pfirestore.Provider) (*PaymentAuditRepository, error) {
	if provider == nil {
		return nil, errors.New("audit repository requires firestore provider")
	}
	return &PaymentAuditRepository{
		base: pfirestore.NewBaseRepository[auditDocument](provider, auditCollection, nil, nil),
	}, nil
}

// Append records one settlement outcome. The entry ID is generated here when
// the caller leaves it empty.
func (r *PaymentAuditRepository) Append(ctx context.Context, entry domain.PaymentAuditEntry) (domain.PaymentAuditEntry, error) {
	if r == nil || r.base == nil {
		return domain.PaymentAuditEntry{}, errors.New("audit repository not initialised")
	}
	if strings.TrimSpace(entry.RequestID) == "" {
		return domain.PaymentAuditEntry{}, errors.New("audit repository: request id is required")
	}
	if entry.Outcome == "" {
		return domain.PaymentAuditEntry{}, errors.New("audit repository: outcome is required")
	}

	id := strings.TrimSpace(entry.ID)
	if id == "" {
		id = ulid.Make().String()
	}
	timestamp := entry.Timestamp.UTC()
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	doc := auditDocument{
		RequestID:   strings.TrimSpace(entry.RequestID),
		SessionID:   strings.TrimSpace(entry.SessionID),
		IntentID:    strings.TrimSpace(entry.IntentID),
		Outcome:     string(entry.Outcome),
		AmountMinor: entry.AmountMinor,
		Currency:    strings.ToUpper(strings.TrimSpace(entry.Currency)),
		Timestamp:   timestamp,
	}

	if _, err := r.base.Create(ctx, id, doc); err != nil {
		return domain.PaymentAuditEntry{}, err
	}

	saved := entry
	saved.ID = id
	saved.Currency = doc.Currency
	saved.Timestamp = timestamp
	return saved, nil
}

// ListByRequest returns a request's audit trail in chronological order.
func (r *PaymentAuditRepository) ListByRequest(ctx context.Context, requestID string) ([]domain.PaymentAuditEntry, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("audit repository not initialised")
	}
	id := strings.TrimSpace(requestID)
	if id == "" {
		return nil, errors.New("audit repository: request id is required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("requestId", "==", id).OrderBy("timestamp", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	entries := make([]domain.PaymentAuditEntry, 0, len(docs))
	for _, doc := range docs {
		data := doc.Data
		entries = append(entries, domain.PaymentAuditEntry{
			ID:          doc.ID,
			RequestID:   data.RequestID,
			SessionID:   data.SessionID,
			IntentID:    data.IntentID,
			Outcome:     domain.PaymentStatus(data.Outcome),
			AmountMinor: data.AmountMinor,
			Currency:    data.Currency,
			Timestamp:   data.Timestamp,
		})
	}
	return entries, nil
}

type auditDocument struct {
	RequestID   string    `firestore:"requestId"`
	SessionID   string    `firestore:"sessionId,omitempty"`
	IntentID    string    `firestore:"intentId,omitempty"`
	Outcome     string    `firestore:"outcome"`
	AmountMinor int64     `firestore:"amountMinor"`
	Currency    string    `firestore:"currency"`
	Timestamp   time.Time `firestore:"timestamp"`
}

var _ repositories.PaymentAuditRepository = (*PaymentAuditRepository)(nil)
