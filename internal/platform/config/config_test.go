package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "mbi-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "mbi-dev" {
		t.Errorf("unexpected firestore project %s", cfg.Firestore.ProjectID)
	}
	if cfg.Jobs.ProjectID != "mbi-dev" {
		t.Errorf("expected jobs project to default to firestore project, got %s", cfg.Jobs.ProjectID)
	}
	if cfg.Jobs.AccountingTopic != defaultAccountingTopic {
		t.Errorf("unexpected default accounting topic %s", cfg.Jobs.AccountingTopic)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.StaffTokenIssuer != defaultStaffTokenIssuer {
		t.Errorf("unexpected default staff token issuer %s", cfg.Security.StaffTokenIssuer)
	}
	if cfg.Shipping.FailureThreshold != defaultShippingFailures {
		t.Errorf("unexpected default shipping failure threshold %d", cfg.Shipping.FailureThreshold)
	}
	if cfg.Shipping.Timeout != defaultShippingTimeout {
		t.Errorf("unexpected default shipping timeout %s", cfg.Shipping.Timeout)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != defaultIdempotencyInterval {
		t.Errorf("unexpected default cleanup interval: %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatchSize {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                        "9090",
		"API_SERVER_READ_TIMEOUT":                "20s",
		"API_SERVER_WRITE_TIMEOUT":               "25s",
		"API_SERVER_IDLE_TIMEOUT":                "2m",
		"API_FIRESTORE_PROJECT_ID":               "mbi-prod",
		"API_STORAGE_INVOICES_BUCKET":            "invoices-prod",
		"API_PSP_STRIPE_API_KEY":                 "secret://stripe/api",
		"API_PSP_STRIPE_PAYMENTS_WEBHOOK_SECRET": "secret://stripe/payments-webhook",
		"API_PSP_STRIPE_ISSUING_WEBHOOK_SECRET":  "secret://stripe/issuing-webhook",
		"API_SHIPPING_BASE_URL":                  "https://api.royalmail.com",
		"API_SHIPPING_API_KEY":                   "secret://shipping/key",
		"API_SHIPPING_TIMEOUT":                   "3s",
		"API_SHIPPING_BREAKER_FAILURES":          "5",
		"API_SHIPPING_BREAKER_RESET":             "90s",
		"API_SHIPPING_BREAKER_SUCCESSES":         "3",
		"API_JOBS_PROJECT_ID":                    "mbi-jobs",
		"API_JOBS_ACCOUNTING_TOPIC":              "accounting-prod",
		"API_JOBS_NOTIFICATIONS_TOPIC":           "notifications-prod",
		"API_SECURITY_ENVIRONMENT":               "prod",
		"API_SECURITY_STAFF_TOKEN_KEY":           "secret://staff/token-key",
		"API_SECURITY_STAFF_TOKEN_ISSUER":        "admin.makebelieve.example",
		"API_IDEMPOTENCY_HEADER":                 "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":                    "48h",
		"API_IDEMPOTENCY_CLEANUP_INTERVAL":       "30m",
		"API_IDEMPOTENCY_CLEANUP_BATCH":          "500",
	}

	secrets := map[string]string{
		"secret://stripe/api":              "stripe-key",
		"secret://stripe/payments-webhook": "whsec_payments",
		"secret://stripe/issuing-webhook":  "whsec_issuing",
		"secret://shipping/key":            "rm-key",
		"secret://staff/token-key":         "staff-signing-key",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.PSP.StripeAPIKey != "stripe-key" {
		t.Errorf("expected resolved stripe api key, got %s", cfg.PSP.StripeAPIKey)
	}
	if cfg.PSP.StripePaymentsWebhookSecret != "whsec_payments" {
		t.Errorf("expected resolved payments webhook secret, got %s", cfg.PSP.StripePaymentsWebhookSecret)
	}
	if cfg.PSP.StripeIssuingWebhookSecret != "whsec_issuing" {
		t.Errorf("expected resolved issuing webhook secret, got %s", cfg.PSP.StripeIssuingWebhookSecret)
	}
	if cfg.Shipping.APIKey != "rm-key" {
		t.Errorf("expected resolved shipping key, got %s", cfg.Shipping.APIKey)
	}
	if cfg.Shipping.FailureThreshold != 5 {
		t.Errorf("unexpected shipping failure threshold %d", cfg.Shipping.FailureThreshold)
	}
	if cfg.Shipping.ResetTimeout != 90*time.Second {
		t.Errorf("unexpected shipping reset timeout %s", cfg.Shipping.ResetTimeout)
	}
	if cfg.Jobs.ProjectID != "mbi-jobs" {
		t.Errorf("unexpected jobs project %s", cfg.Jobs.ProjectID)
	}
	if cfg.Jobs.NotificationsTopic != "notifications-prod" {
		t.Errorf("unexpected notifications topic %s", cfg.Jobs.NotificationsTopic)
	}
	if cfg.Security.StaffTokenSigningKey != "staff-signing-key" {
		t.Errorf("expected resolved staff token key, got %s", cfg.Security.StaffTokenSigningKey)
	}
	if cfg.Security.StaffTokenIssuer != "admin.makebelieve.example" {
		t.Errorf("unexpected staff token issuer %s", cfg.Security.StaffTokenIssuer)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" {
		t.Errorf("unexpected idempotency header %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != 30*time.Minute {
		t.Errorf("unexpected cleanup interval %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != 500 {
		t.Errorf("unexpected cleanup batch size %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nAPI_FIRESTORE_PROJECT_ID=mbi-dot\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "mbi-dot" {
		t.Errorf("expected firestore project from dotenv, got %s", cfg.Firestore.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "mbi-dev",
		"API_PSP_STRIPE_API_KEY":   "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIRESTORE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIRESTORE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "override-project",
		"API_SECRET_VERSION_PINS":  "secret://stripe/api=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIRESTORE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
	if got := values["API_SECRET_VERSION_PINS"]; got != "secret://stripe/api=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "mbi-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripePaymentsWebhookSecret"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("PSP.StripePaymentsWebhookSecret")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "mbi-dev",
	}

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "PSP.StripeAPIKey" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID":               "mbi-dev",
		"API_PSP_STRIPE_PAYMENTS_WEBHOOK_SECRET": "sm://stripe/payments-webhook",
	}

	secrets := map[string]string{
		"secret://stripe/payments-webhook": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PSP.StripePaymentsWebhookSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.PSP.StripePaymentsWebhookSecret)
	}
}
