package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It backs tests and local
// development; production wiring uses FirestoreStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := docID(key)
	if rec, ok := s.records[id]; ok {
		if rec.Fingerprint != fingerprint {
			return Reservation{}, ErrFingerprintMismatch
		}
		if rec.ExpiresAt.IsZero() || now.Before(rec.ExpiresAt) {
			if rec.Status == StatusCompleted {
				return Reservation{Outcome: OutcomeReplay, Record: rec}, nil
			}
			return Reservation{Outcome: OutcomeInFlight, Record: rec}, nil
		}
	}

	rec := Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	s.records[id] = rec
	return Reservation{Outcome: OutcomeNew, Record: rec}, nil
}

func (s *MemoryStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := docID(key)
	rec, ok := s.records[id]
	if ok && rec.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !ok {
		rec = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	}

	rec.Status = StatusCompleted
	rec.ResponseStatus = resp.Status
	rec.ResponseHeaders = storableHeaders(resp.Headers)
	rec.ResponseBody = append([]byte(nil), resp.Body...)
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(ttl)
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key, fingerprint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, docID(key))
	return nil
}

func (s *MemoryStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now = now.UTC()
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if removed >= limit {
			break
		}
		if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
