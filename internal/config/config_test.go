package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "admissions-api" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Definitions.ActivateLatest {
		t.Error("Definitions.ActivateLatest = true, want false")
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSNEnv != "ADMISSIONS_DATABASE_URL" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Status.CircuitBreaker.FailureThreshold != 4 {
		t.Errorf("Status.CircuitBreaker.FailureThreshold = %d, want 4", cfg.Status.CircuitBreaker.FailureThreshold)
	}
	if cfg.Status.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("Status.CircuitBreaker.SuccessThreshold = %d, want default 2", cfg.Status.CircuitBreaker.SuccessThreshold)
	}
	if cfg.Scheduler.Schedule != "@every 30s" {
		t.Errorf("Scheduler.Schedule = %q", cfg.Scheduler.Schedule)
	}
	if cfg.Scheduler.ChainLimit != 6 {
		t.Errorf("Scheduler.ChainLimit = %d, want 6", cfg.Scheduler.ChainLimit)
	}
	if cfg.Scheduler.Lease.Key != "admissions:scheduler:scan" {
		t.Errorf("Scheduler.Lease.Key = %q, want default", cfg.Scheduler.Lease.Key)
	}
	if cfg.Scheduler.Lease.TTL != 25*time.Second {
		t.Errorf("Scheduler.Lease.TTL = %v", cfg.Scheduler.Lease.TTL)
	}
	if cfg.Notifications.NATS.SubjectPrefix != "uni.admissions" {
		t.Errorf("Notifications.NATS.SubjectPrefix = %q", cfg.Notifications.NATS.SubjectPrefix)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer is required") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_identity_disabled(t *testing.T) {
	cfg, err := Load("testdata/identity_disabled.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Identity.Disabled {
		t.Error("Identity.Disabled = false")
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory default", cfg.Store.Driver)
	}
}

func TestLoad_bad_drivers_reports_all(t *testing.T) {
	_, err := Load("testdata/bad_drivers.yaml")
	if err == nil {
		t.Fatal("Load() with bad drivers should return error")
	}
	msg := err.Error()
	for _, want := range []string{
		`store.driver "mongo" is not supported`,
		"notifications.sns.topic_arn is required",
		"audit.driver postgres requires store.driver postgres",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Scheduler.ChainLimit != 10 {
		t.Errorf("default Scheduler.ChainLimit = %d, want 10", cfg.Scheduler.ChainLimit)
	}
	if cfg.Access.CacheTTL != 5*time.Minute {
		t.Errorf("default Access.CacheTTL = %v, want 5m", cfg.Access.CacheTTL)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ADMISSIONS_SERVER_PORT", "3000")
	t.Setenv("ADMISSIONS_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("ADMISSIONS_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("ADMISSIONS_SCHEDULER_SCHEDULE", "@every 5m")
	t.Setenv("ADMISSIONS_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Scheduler.Schedule != "@every 5m" {
		t.Errorf("Scheduler.Schedule = %q, want env override", cfg.Scheduler.Schedule)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Disabled = true
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_scheduler_disabled_skips_lease(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Disabled = true
	cfg.Scheduler.Enabled = false
	cfg.Scheduler.Lease.Driver = "zookeeper"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
