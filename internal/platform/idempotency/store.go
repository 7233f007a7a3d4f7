// Package idempotency gives the order mutation endpoints replay protection.
// A client sends an Idempotency-Key header with each mutation; the first
// request reserves the key and records the response, and retries carrying
// the same key get that response replayed byte for byte instead of running
// the transition again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a recorded response stays replayable. Client
// retries happen within minutes; a day covers queued mobile clients.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of a key record.
type Status string

const (
	// StatusPending marks a key reserved by an in-flight request.
	StatusPending Status = "pending"
	// StatusCompleted marks a key whose response is recorded and replayable.
	StatusCompleted Status = "completed"
)

// Outcome tells the middleware what to do after reserving a key.
type Outcome int

const (
	// OutcomeNew means the key is fresh; run the handler.
	OutcomeNew Outcome = iota
	// OutcomeReplay means a recorded response exists; replay it.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key right now.
	OutcomeInFlight
)

// Reservation is the result of attempting to claim a key.
type Reservation struct {
	Outcome Outcome
	Record  Record
}

// Record is the persisted state for one idempotency key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Response is the handler output recorded for replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists key reservations and recorded responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch reports a key reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused for a different request")

// docID hashes the scoped key so raw client keys never become document ids.
func docID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// storableHeaders drops hop-by-hop and length headers before persisting;
// the replay writer recomputes those.
func storableHeaders(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	stored := make(map[string][]string, len(header))
	for name, values := range header {
		if omitOnReplay(name) {
			continue
		}
		stored[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if len(stored) == 0 {
		return nil
	}
	return stored
}

func omitOnReplay(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "date", "connection", "keep-alive",
		"proxy-authenticate", "proxy-authorization", "te", "trailers",
		"transfer-encoding", "upgrade":
		return true
	}
	return false
}
