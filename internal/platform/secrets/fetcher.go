// Package secrets resolves secret:// references for the API's credentials,
// covering the Stripe keys, webhook signing secrets, the staff token key,
// and the invoice signing service account. Values come from Google Secret
// Manager, with a local key=value file standing in when the service is
// unreachable or the process runs without cloud credentials.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	scheme          = "secret"
	latestVersion   = "latest"
	defaultEnvName  = "local"
	defaultFilePath = ".secrets.local"
	meterName       = "github.com/makebelieve-imprints/api/internal/platform/secrets"
)

// versionClient is the slice of the Secret Manager API the fetcher needs.
type versionClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

var newVersionClient = func(ctx context.Context, opts ...option.ClientOption) (versionClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// Fetcher resolves secret references against Secret Manager, caching each
// resolved version for the lifetime of the process. Config values are read
// once at startup, so there is no TTL on the cache.
type Fetcher struct {
	client     versionClient
	ownsClient bool
	clientOpts []option.ClientOption
	logger     *zap.Logger

	env        string
	defaultPrj string
	projects   map[string]string
	pins       map[string]string

	fallback localFile

	mu    sync.RWMutex
	cache map[string]string

	metrics fetchMetrics
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEnvironment names the deployment environment used to pick a project
// from the project map and to scope version pins.
func WithEnvironment(env string) Option {
	return func(f *Fetcher) {
		if e := strings.ToLower(strings.TrimSpace(env)); e != "" {
			f.env = e
		}
	}
}

// WithDefaultProject sets the project used when the environment has no
// mapping of its own.
func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher) {
		f.defaultPrj = strings.TrimSpace(projectID)
	}
}

// WithProjectMap maps environment names to Secret Manager project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(f *Fetcher) {
		f.projects = cloneMap(m)
	}
}

// WithFallbackFile points at the local key=value file consulted when Secret
// Manager cannot serve a reference.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) {
		f.fallback.path = strings.TrimSpace(path)
	}
}

// WithVersionPins pins references to fixed versions instead of latest. Keys
// are canonical references, optionally prefixed "env:" to pin only one
// environment.
func WithVersionPins(pins map[string]string) Option {
	return func(f *Fetcher) {
		f.pins = cloneMap(pins)
	}
}

// WithClientOptions forwards options to the Secret Manager client, such as
// a credentials file.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) {
		f.clientOpts = append(f.clientOpts, opts...)
	}
}

// WithClient injects a prebuilt client. Tests use this to avoid dialing.
func WithClient(client versionClient) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal:
// the fetcher then serves only from the fallback file, which is how local
// development runs.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:   zap.NewNop(),
		env:      defaultEnvName,
		projects: map[string]string{},
		pins:     map[string]string{},
		fallback: localFile{path: defaultFilePath},
		cache:    make(map[string]string),
	}
	if env := strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))); env != "" {
		f.env = env
	}

	for _, opt := range opts {
		opt(f)
	}

	f.metrics = newFetchMetrics(f.logger)

	if f.client == nil {
		client, err := newVersionClient(ctx, f.clientOpts...)
		if err != nil {
			f.logger.Warn("secret manager client unavailable, serving from fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}

	return f, nil
}

// Close releases the Secret Manager client if the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value for a secret:// reference. Resolution order is
// cache, then Secret Manager, then the fallback file for errors that local
// values can reasonably paper over.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()

	parsed, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	version := f.pinnedVersion(parsed)
	key := versionKey(parsed.canonical, version)

	if value, ok := f.cached(key); ok {
		f.metrics.cacheHit(ctx, parsed.canonical)
		f.metrics.latency(ctx, time.Since(start), "cache")
		return value, nil
	}

	project := f.projectFor(parsed)
	if project != "" && f.client != nil {
		value, err := f.access(ctx, project, parsed.name, version)
		if err == nil {
			f.remember(key, value)
			f.metrics.latency(ctx, time.Since(start), "remote")
			return value, nil
		}
		if !recoverableLocally(err) {
			f.metrics.latency(ctx, time.Since(start), "error")
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", parsed.canonical, err)
		}
		f.logger.Debug("secret manager error, trying fallback file",
			zap.String("ref", parsed.canonical), zap.Error(err))
	}

	value, ok := f.fallback.lookup(f.logger, parsed.canonical, version)
	if !ok {
		f.metrics.latency(ctx, time.Since(start), "error")
		return "", fmt.Errorf("secrets: no fallback value for %s", parsed.canonical)
	}
	f.remember(key, value)
	f.metrics.latency(ctx, time.Since(start), "fallback")
	return value, nil
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	value, ok := f.cache[key]
	return value, ok
}

func (f *Fetcher) remember(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) access(ctx context.Context, project, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("empty payload for %s", resource)
	}
	return string(resp.Payload.GetData()), nil
}

func (f *Fetcher) projectFor(ref secretRef) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projects[f.env]); id != "" {
		return id
	}
	return f.defaultPrj
}

func (f *Fetcher) pinnedVersion(ref secretRef) string {
	if ref.version != "" {
		return ref.version
	}
	if pin := strings.TrimSpace(f.pins[f.env+":"+ref.canonical]); pin != "" {
		return pin
	}
	if pin := strings.TrimSpace(f.pins[ref.canonical]); pin != "" {
		return pin
	}
	return latestVersion
}

// recoverableLocally reports whether a Secret Manager error should send the
// lookup to the fallback file instead of failing the boot. Auth and
// availability problems qualify; a genuinely missing secret does not.
func recoverableLocally(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

// secretRef is a parsed secret://name?version=N&project=P reference.
type secretRef struct {
	canonical string
	name      string
	version   string
	project   string
}

func parseRef(ref string) (secretRef, error) {
	if strings.TrimSpace(ref) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != scheme {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""
	q := u.Query()

	return secretRef{
		canonical: canonical.String(),
		name:      name,
		version:   strings.TrimSpace(q.Get("version")),
		project:   strings.TrimSpace(q.Get("project")),
	}, nil
}

func versionKey(canonical, version string) string {
	return canonical + "#" + version
}

// localFile holds the fallback secrets file, parsed lazily on first miss.
// Lines are KEY=VALUE; keys may be secret:// references (sm:// is accepted
// as an alias) or bare names. Blank lines and # comments are skipped.
type localFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func (l *localFile) lookup(logger *zap.Logger, canonical, version string) (string, bool) {
	l.once.Do(l.load)
	if l.err != nil {
		logger.Debug("fallback file unreadable", zap.Error(l.err))
		return "", false
	}
	if value, ok := l.values[versionKey(canonical, version)]; ok {
		return value, true
	}
	value, ok := l.values[canonical]
	return value, ok
}

func (l *localFile) load() {
	l.values = map[string]string{}
	path := strings.TrimSpace(l.path)
	if path == "" {
		return
	}

	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.err = fmt.Errorf("secrets: open fallback file %s: %w", path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if key == "" {
			continue
		}
		if strings.HasPrefix(key, "sm://") {
			key = "secret://" + strings.TrimPrefix(key, "sm://")
		}
		if ref, err := parseRef(key); err == nil {
			version := ref.version
			if version == "" {
				version = latestVersion
			}
			l.values[ref.canonical] = value
			l.values[versionKey(ref.canonical, version)] = value
		} else {
			l.values[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		l.err = fmt.Errorf("secrets: read fallback file %s: %w", path, err)
	}
}

// fetchMetrics records resolution latency and cache hits. Metric
// registration failures disable the instrument rather than the fetcher.
type fetchMetrics struct {
	latencyHist metric.Float64Histogram
	hits        metric.Int64Counter
}

func newFetchMetrics(logger *zap.Logger) fetchMetrics {
	meter := otel.GetMeterProvider().Meter(meterName)
	var m fetchMetrics

	hist, err := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution attempts"),
	)
	if err != nil {
		logger.Warn("secrets latency metric unavailable", zap.Error(err))
	} else {
		m.latencyHist = hist
	}

	hitsCounter, err := meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions served from the in-process cache"),
	)
	if err != nil {
		logger.Warn("secrets cache hit metric unavailable", zap.Error(err))
	} else {
		m.hits = hitsCounter
	}

	return m
}

func (m fetchMetrics) latency(ctx context.Context, d time.Duration, source string) {
	if m.latencyHist == nil {
		return
	}
	m.latencyHist.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

func (m fetchMetrics) cacheHit(ctx context.Context, canonical string) {
	if m.hits == nil {
		return
	}
	m.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskRef(canonical))))
}

// maskRef keeps secret names out of metric labels.
func maskRef(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:8])
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
