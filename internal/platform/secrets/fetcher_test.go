package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stubVersionClient struct {
	access func(req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	calls  int
}

func (c *stubVersionClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	c.calls++
	return c.access(req)
}

func (c *stubVersionClient) Close() error { return nil }

func payload(value string) *secretmanagerpb.AccessSecretVersionResponse {
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}
}

func writeFallbackFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.local")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func TestFetcherResolvesFromSecretManager(t *testing.T) {
	ctx := context.Background()
	client := &stubVersionClient{
		access: func(req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			want := "projects/imprints-prod/secrets/stripe-api-key/versions/latest"
			if req.Name != want {
				return nil, fmt.Errorf("resource = %q, want %q", req.Name, want)
			}
			return payload("sk_live_123"), nil
		},
	}

	fetcher, err := NewFetcher(ctx,
		WithClient(client),
		WithEnvironment("production"),
		WithProjectMap(map[string]string{"production": "imprints-prod"}),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://stripe-api-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "sk_live_123" {
		t.Fatalf("value = %q, want sk_live_123", value)
	}
}

func TestFetcherCachesResolvedValues(t *testing.T) {
	ctx := context.Background()
	client := &stubVersionClient{
		access: func(req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			return payload("whsec_abc"), nil
		},
	}

	fetcher, err := NewFetcher(ctx, WithClient(client), WithDefaultProject("imprints-staging"))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 3; i++ {
		value, err := fetcher.Resolve(ctx, "secret://stripe-webhook-secret")
		if err != nil {
			t.Fatalf("Resolve #%d: %v", i+1, err)
		}
		if value != "whsec_abc" {
			t.Fatalf("value = %q, want whsec_abc", value)
		}
	}

	if client.calls != 1 {
		t.Fatalf("client calls = %d, want 1", client.calls)
	}
}

func TestFetcherAppliesVersionPins(t *testing.T) {
	ctx := context.Background()
	client := &stubVersionClient{
		access: func(req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			if !strings.HasSuffix(req.Name, "/versions/7") {
				return nil, fmt.Errorf("resource = %q, want version 7", req.Name)
			}
			return payload("pinned"), nil
		},
	}

	fetcher, err := NewFetcher(ctx,
		WithClient(client),
		WithEnvironment("staging"),
		WithDefaultProject("imprints-staging"),
		WithVersionPins(map[string]string{"staging:secret://invoice-signing-key": "7"}),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://invoice-signing-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "pinned" {
		t.Fatalf("value = %q, want pinned", value)
	}
}

func TestFetcherExplicitVersionBeatsPin(t *testing.T) {
	ctx := context.Background()
	client := &stubVersionClient{
		access: func(req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			if !strings.HasSuffix(req.Name, "/versions/3") {
				return nil, fmt.Errorf("resource = %q, want version 3", req.Name)
			}
			return payload("explicit"), nil
		},
	}

	fetcher, err := NewFetcher(ctx,
		WithClient(client),
		WithDefaultProject("imprints-staging"),
		WithVersionPins(map[string]string{"secret://invoice-signing-key": "7"}),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://invoice-signing-key?version=3")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "explicit" {
		t.Fatalf("value = %q, want explicit", value)
	}
}

func TestFetcherFallsBackWhenAccessDenied(t *testing.T) {
	ctx := context.Background()
	client := &stubVersionClient{
		access: func(req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			return nil, status.Error(codes.PermissionDenied, "denied")
		},
	}
	fallback := writeFallbackFile(t, strings.Join([]string{
		"# local development credentials",
		"secret://stripe-api-key=sk_test_local",
	}, "\n"))

	fetcher, err := NewFetcher(ctx,
		WithClient(client),
		WithDefaultProject("imprints-staging"),
		WithFallbackFile(fallback),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://stripe-api-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "sk_test_local" {
		t.Fatalf("value = %q, want sk_test_local", value)
	}
}

func TestFetcherMissingSecretDoesNotFallBack(t *testing.T) {
	ctx := context.Background()
	client := &stubVersionClient{
		access: func(req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			return nil, status.Error(codes.NotFound, "no such secret")
		},
	}
	fallback := writeFallbackFile(t, "secret://stripe-api-key=sk_test_local\n")

	fetcher, err := NewFetcher(ctx,
		WithClient(client),
		WithDefaultProject("imprints-staging"),
		WithFallbackFile(fallback),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	if _, err := fetcher.Resolve(ctx, "secret://stripe-api-key"); err == nil {
		t.Fatal("Resolve must fail when the secret does not exist")
	}
}

func TestFetcherWithoutClientServesFallbackOnly(t *testing.T) {
	ctx := context.Background()
	fallback := writeFallbackFile(t, strings.Join([]string{
		"sm://staff-token-key=hs256-local-key",
		"BARE_KEY=ignored-format",
	}, "\n"))

	orig := newVersionClient
	newVersionClient = func(ctx context.Context, opts ...option.ClientOption) (versionClient, error) {
		return nil, errors.New("no application default credentials")
	}
	defer func() { newVersionClient = orig }()

	fetcher, err := NewFetcher(ctx, WithFallbackFile(fallback))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://staff-token-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "hs256-local-key" {
		t.Fatalf("value = %q, want hs256-local-key", value)
	}
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		name    string
		ref     string
		wantErr bool
		want    secretRef
	}{
		{
			name: "bare name",
			ref:  "secret://stripe-api-key",
			want: secretRef{canonical: "secret://stripe-api-key", name: "stripe-api-key"},
		},
		{
			name: "version and project",
			ref:  "secret://stripe-api-key?version=4&project=imprints-prod",
			want: secretRef{canonical: "secret://stripe-api-key", name: "stripe-api-key", version: "4", project: "imprints-prod"},
		},
		{name: "empty", ref: "   ", wantErr: true},
		{name: "wrong scheme", ref: "vault://stripe-api-key", wantErr: true},
		{name: "missing name", ref: "secret://", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseRef(tc.ref)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseRef(%q) succeeded, want error", tc.ref)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRef(%q): %v", tc.ref, err)
			}
			if got != tc.want {
				t.Fatalf("parseRef(%q) = %+v, want %+v", tc.ref, got, tc.want)
			}
		})
	}
}
