package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("EMISSARY_API_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid EMISSARY_API_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "EMISSARY_API_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention EMISSARY_API_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("EMISSARY_API_PORT", "abc")
	t.Setenv("INDEXER_REORG_WINDOW", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "EMISSARY_API_PORT") {
		t.Fatalf("error should mention EMISSARY_API_PORT, got: %s", got)
	}
	if !strings.Contains(got, "INDEXER_REORG_WINDOW") {
		t.Fatalf("error should mention INDEXER_REORG_WINDOW, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.PollInterval != 1500*time.Millisecond {
		t.Fatalf("expected default poll interval 1.5s, got %s", cfg.PollInterval)
	}
	if cfg.Confirmations != 0 {
		t.Fatalf("expected default confirmations 0, got %d", cfg.Confirmations)
	}
	if cfg.ReorgWindow != 10 {
		t.Fatalf("expected default reorg window 10, got %d", cfg.ReorgWindow)
	}
	if cfg.QueueSweepInterval != 30*time.Second {
		t.Fatalf("expected default sweep interval 30s, got %s", cfg.QueueSweepInterval)
	}
	if len(cfg.GenericAddresses) != 0 {
		t.Fatalf("expected no generic addresses by default, got %v", cfg.GenericAddresses)
	}
}

func TestLoadFailsOnNonPositiveReorgWindow(t *testing.T) {
	t.Setenv("INDEXER_REORG_WINDOW", "0")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with zero reorg window")
	}
	if !strings.Contains(err.Error(), "INDEXER_REORG_WINDOW") {
		t.Fatalf("error should mention INDEXER_REORG_WINDOW, got: %s", err.Error())
	}
}

func TestLoad_GenericAddressesParsing(t *testing.T) {
	t.Setenv("INDEXER_GENERIC_ADDRESSES", "0xAbC, 0xdef ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}
	if len(cfg.GenericAddresses) != 2 {
		t.Fatalf("expected 2 generic addresses, got %v", cfg.GenericAddresses)
	}
	if cfg.GenericAddresses[0] != "0xAbC" || cfg.GenericAddresses[1] != "0xdef" {
		t.Fatalf("unexpected generic addresses: %v", cfg.GenericAddresses)
	}
}

func TestLoad_OTELEndpointParsing(t *testing.T) {
	endpoint := "https://otel.example.com:4317"
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", endpoint)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}
	if cfg.OTELEndpoint != endpoint {
		t.Fatalf("expected OTELEndpoint %q, got %q", endpoint, cfg.OTELEndpoint)
	}
}

func TestLoad_AllEnvVarsHonored(t *testing.T) {
	t.Setenv("EMISSARY_API_PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/testdb")
	t.Setenv("NOTIFY_URL", "postgres://test:test@db:5432/testdb_notify")
	t.Setenv("REDIS_URL", "redis://queue:6379/1")
	t.Setenv("QUEUE_STREAM_NAME", "test:notifications")
	t.Setenv("FLARE_CHAIN", "coston2")
	t.Setenv("FLARE_RPC_URL", "https://rpc.example.com")
	t.Setenv("FLARE_RPC_FALLBACK_URL", "https://rpc2.example.com")
	t.Setenv("INDEXER_POLL_INTERVAL_MS", "500")
	t.Setenv("INDEXER_CONFIRMATIONS", "2")
	t.Setenv("INDEXER_REORG_WINDOW", "20")
	t.Setenv("INDEXER_BATCH_SIZE", "5")
	t.Setenv("JWT_EXPIRY_HOURS", "12")
	t.Setenv("QUEUE_SWEEP_INTERVAL", "45s")
	t.Setenv("QUEUE_RETRY_AFTER", "5m")
	t.Setenv("OTEL_SERVICE_NAME", "emissary-test")
	t.Setenv("EMISSARY_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}

	if cfg.Port != 9090 {
		t.Fatalf("expected Port 9090, got %d", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://test:test@db:5432/testdb" {
		t.Fatalf("unexpected DatabaseURL %q", cfg.DatabaseURL)
	}
	if cfg.NotifyURL != "postgres://test:test@db:5432/testdb_notify" {
		t.Fatalf("unexpected NotifyURL %q", cfg.NotifyURL)
	}
	if cfg.RedisURL != "redis://queue:6379/1" {
		t.Fatalf("unexpected RedisURL %q", cfg.RedisURL)
	}
	if cfg.QueueStreamName != "test:notifications" {
		t.Fatalf("unexpected QueueStreamName %q", cfg.QueueStreamName)
	}
	if cfg.Chain != "coston2" {
		t.Fatalf("unexpected Chain %q", cfg.Chain)
	}
	if cfg.FlareRPCURL != "https://rpc.example.com" {
		t.Fatalf("unexpected FlareRPCURL %q", cfg.FlareRPCURL)
	}
	if cfg.FlareRPCFallbackURL != "https://rpc2.example.com" {
		t.Fatalf("unexpected FlareRPCFallbackURL %q", cfg.FlareRPCFallbackURL)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Fatalf("expected PollInterval 500ms, got %s", cfg.PollInterval)
	}
	if cfg.Confirmations != 2 {
		t.Fatalf("expected Confirmations 2, got %d", cfg.Confirmations)
	}
	if cfg.ReorgWindow != 20 {
		t.Fatalf("expected ReorgWindow 20, got %d", cfg.ReorgWindow)
	}
	if cfg.BatchSize != 5 {
		t.Fatalf("expected BatchSize 5, got %d", cfg.BatchSize)
	}
	if cfg.JWTExpiration != 12*time.Hour {
		t.Fatalf("expected JWTExpiration 12h, got %s", cfg.JWTExpiration)
	}
	if cfg.QueueSweepInterval != 45*time.Second {
		t.Fatalf("expected QueueSweepInterval 45s, got %s", cfg.QueueSweepInterval)
	}
	if cfg.QueueRetryAfter != 5*time.Minute {
		t.Fatalf("expected QueueRetryAfter 5m, got %s", cfg.QueueRetryAfter)
	}
	if cfg.ServiceName != "emissary-test" {
		t.Fatalf("expected ServiceName %q, got %q", "emissary-test", cfg.ServiceName)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected LogLevel %q, got %q", "debug", cfg.LogLevel)
	}
}
