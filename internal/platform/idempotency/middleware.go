package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/makebelieve-imprints/api/internal/platform/auth"
	"github.com/makebelieve-imprints/api/internal/platform/httpx"
)

// DefaultHeader is the request header carrying the client's idempotency key.
const DefaultHeader = "Idempotency-Key"

// ReplayHeader marks responses served from a stored record rather than the
// handler.
const ReplayHeader = "X-Idempotent-Replay"

// Logger is the minimal logging surface the middleware needs. The zap
// adapter in observability satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type options struct {
	header string
	ttl    time.Duration
	logger Logger
	clock  func() time.Time
}

// Option configures the middleware.
type Option func(*options)

// WithHeader overrides the header the key is read from.
func WithHeader(header string) Option {
	return func(o *options) {
		if h := strings.TrimSpace(header); h != "" {
			o.header = h
		}
	}
}

// WithTTL sets how long recorded responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithLogger attaches a logger for store failures.
func WithLogger(logger Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source. Tests use a fixed clock.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Middleware enforces idempotency keys on order mutation requests. Reads
// pass through untouched. A mutation must carry a key: the first delivery
// runs the handler and records its response, replays serve the record, and
// a key reused with a different payload is rejected.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	o := options{
		header: DefaultHeader,
		ttl:    DefaultTTL,
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutatesState(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()

			key := strings.TrimSpace(r.Header.Get(o.header))
			if key == "" {
				httpx.WriteError(ctx, w, httpx.NewError(
					"idempotency_key_required",
					"mutation requests must carry an "+o.header+" header",
					http.StatusBadRequest,
				))
				return
			}

			body, err := readAndReplayBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError(
					"invalid_request_body",
					"failed to read request body",
					http.StatusBadRequest,
				))
				return
			}

			requester := requesterID(r)
			scoped := scopedKey(key, requester)
			fingerprint := requestFingerprint(r, requester, body)
			now := o.clock()

			reservation, err := store.Reserve(ctx, scoped, fingerprint, now, o.ttl)
			if err != nil {
				if errors.Is(err, ErrFingerprintMismatch) {
					httpx.WriteError(ctx, w, httpx.NewError(
						"idempotency_key_conflict",
						"idempotency key was already used for a different request",
						http.StatusConflict,
					))
					return
				}
				o.logf("idempotency reserve failed: %v", err)
				httpx.WriteError(ctx, w, httpx.NewError(
					"idempotency_store_error",
					"failed to check idempotency key",
					http.StatusInternalServerError,
				))
				return
			}

			switch reservation.Outcome {
			case OutcomeReplay:
				writeReplay(w, reservation.Record)
				return
			case OutcomeInFlight:
				httpx.WriteError(ctx, w, httpx.NewError(
					"idempotency_in_progress",
					"a request with this idempotency key is still being processed",
					http.StatusConflict,
				))
				return
			}

			recorder := newResponseRecorder(w)
			next.ServeHTTP(recorder, r)

			resp := Response{
				Status:  recorder.status(),
				Headers: recorder.Header(),
				Body:    recorder.body(),
			}
			if err := store.SaveResponse(ctx, scoped, fingerprint, resp, o.clock(), o.ttl); err != nil {
				o.logf("idempotency save failed, releasing key: %v", err)
				if relErr := store.Release(ctx, scoped, fingerprint); relErr != nil {
					o.logf("idempotency release failed: %v", relErr)
				}
				httpx.WriteError(ctx, w, httpx.NewError(
					"idempotency_store_error",
					"failed to record response for idempotency key",
					http.StatusInternalServerError,
				))
				return
			}
			recorder.Commit()
		})
	}
}

func (o options) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

func mutatesState(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// requesterID scopes keys per caller so two customers cannot collide on the
// same key value.
func requesterID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

func scopedKey(key, requester string) string {
	return key + "|" + requester
}

// requestFingerprint binds the key to the shape of the request, so the same
// key replayed with a different payload is flagged instead of served.
func requestFingerprint(r *http.Request, requester string, body []byte) string {
	parts := []string{
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		r.Host,
		r.Header.Get("Content-Type"),
		requester,
		sha256Hex(body),
	}
	return sha256Hex([]byte(strings.Join(parts, "|")))
}

func readAndReplayBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	closeErr := r.Body.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func writeReplay(w http.ResponseWriter, rec Record) {
	header := w.Header()
	for name, values := range rec.ResponseHeaders {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	header.Set(ReplayHeader, "true")
	status := rec.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(rec.ResponseBody)
}

// responseRecorder buffers the handler's output so it can be stored before
// the client sees it. Commit flushes the buffer to the real writer.
type responseRecorder struct {
	dst        http.ResponseWriter
	header     http.Header
	buf        bytes.Buffer
	statusCode int
}

func newResponseRecorder(dst http.ResponseWriter) *responseRecorder {
	return &responseRecorder{dst: dst, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.statusCode == 0 {
		r.statusCode = status
	}
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	return r.buf.Write(p)
}

func (r *responseRecorder) status() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

func (r *responseRecorder) body() []byte {
	return append([]byte(nil), r.buf.Bytes()...)
}

// Commit writes the buffered response to the underlying writer.
func (r *responseRecorder) Commit() {
	dstHeader := r.dst.Header()
	for name, values := range r.header {
		for _, v := range values {
			dstHeader.Add(name, v)
		}
	}
	r.dst.WriteHeader(r.status())
	_, _ = r.dst.Write(r.buf.Bytes())
}
