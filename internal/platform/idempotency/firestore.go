package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Keys live in their own collection next to the order documents. Five
// attempts matches the transaction budget the order repositories use.
const (
	keysCollection = "order_idempotency"
	txAttempts     = 5
)

// keyDocument is the Firestore shape of a Record. Field names follow the
// camelCase convention of the other order collections.
type keyDocument struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"responseStatus"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders,omitempty"`
	ResponseBody    []byte              `firestore:"responseBody,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
}

func (d keyDocument) record() Record {
	return Record{
		Key:             d.Key,
		Fingerprint:     d.Fingerprint,
		Status:          Status(d.Status),
		ResponseStatus:  d.ResponseStatus,
		ResponseHeaders: d.ResponseHeaders,
		ResponseBody:    d.ResponseBody,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		ExpiresAt:       d.ExpiresAt,
	}
}

// FirestoreStore implements Store on Firestore. Reservations run inside a
// transaction so two racing requests with the same key cannot both claim it.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore binds the store to a Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) keyRef(key string) *firestore.DocumentRef {
	return s.client.Collection(keysCollection).Doc(docID(key))
}

// Reserve claims the key for this fingerprint, returning any recorded
// response. A record past its expiry counts as absent.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.keyRef(key)

	var reservation Reservation
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if err == nil {
			var doc keyDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			if doc.ExpiresAt.IsZero() || now.Before(doc.ExpiresAt) {
				if doc.Status == string(StatusCompleted) {
					reservation = Reservation{Outcome: OutcomeReplay, Record: doc.record()}
				} else {
					reservation = Reservation{Outcome: OutcomeInFlight, Record: doc.record()}
				}
				return nil
			}
			// Lapsed record; fall through and reserve afresh.
		}

		doc := keyDocument{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      string(StatusPending),
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		reservation = Reservation{Outcome: OutcomeNew, Record: doc.record()}
		return nil
	}, firestore.MaxAttempts(txAttempts))

	return reservation, err
}

// SaveResponse records the handler's response under the key.
func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.keyRef(key)
	headers := storableHeaders(resp.Headers)
	body := append([]byte(nil), resp.Body...)

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var doc keyDocument
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
		case status.Code(err) == codes.NotFound:
			doc = keyDocument{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		default:
			return err
		}
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
		}

		doc.Status = string(StatusCompleted)
		doc.ResponseStatus = resp.Status
		doc.ResponseHeaders = headers
		doc.ResponseBody = body
		doc.UpdatedAt = now
		doc.ExpiresAt = now.Add(ttl)
		return tx.Set(ref, doc)
	}, firestore.MaxAttempts(txAttempts))
}

// Release drops the reservation so the client may retry after a failure.
func (s *FirestoreStore) Release(ctx context.Context, key, fingerprint string) error {
	_, err := s.keyRef(key).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// CleanupExpired deletes up to limit lapsed records. Called from a ticker
// in main; Firestore has no native TTL on this collection.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = 100
	}

	docs, err := s.client.Collection(keysCollection).
		Where("expiresAt", "<=", now).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}
	return len(docs), nil
}
