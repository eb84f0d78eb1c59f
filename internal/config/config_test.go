package config

import (
	"os"
	"testing"
)

func TestLoadWithDefaults_Succeeds(t *testing.T) {
	// Ensure envs are clean to use defaults
	os.Unsetenv("DB_PATH")
	os.Unsetenv("HTTP_ADDRESS")
	os.Unsetenv("JWT_SECRET")
	os.Unsetenv("REDIS_URL")
	cfg, err := LoadWithDefaults()
	if err != nil {
		t.Fatalf("LoadWithDefaults: %v", err)
	}
	if cfg.HTTP.Address == "" || cfg.Database.Path == "" || cfg.Auth.JWTSecret == "" {
		t.Fatalf("unexpected empty defaults: %+v", cfg)
	}
	if cfg.Queue.RedisURL != "" {
		t.Fatalf("expected in-memory queue default, got redis url %q", cfg.Queue.RedisURL)
	}
}

func TestLoad_RequiresJWTSecret(t *testing.T) {
	// Clear JWT_SECRET ensures error
	os.Unsetenv("JWT_SECRET")
	// Other vars can be set or default
	t.Setenv("DB_PATH", "test.db")
	t.Setenv("HTTP_ADDRESS", ":1234")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when JWT_SECRET is not set")
	}
	// When set, it should succeed
	t.Setenv("JWT_SECRET", "x")
	if _, err := Load(); err != nil {
		t.Fatalf("Load with secret set: %v", err)
	}
}

func TestLoad_OptimizerOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("SEARCH_ITERATION_CAP", "500")
	t.Setenv("SAFETY_BUFFER_M", "250")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Optimizer.SearchIterationCap != 500 {
		t.Fatalf("iteration cap = %d, want 500", cfg.Optimizer.SearchIterationCap)
	}
	if cfg.Optimizer.SafetyBufferM != 250 {
		t.Fatalf("safety buffer = %v, want 250", cfg.Optimizer.SafetyBufferM)
	}
}

func TestLoad_RejectsBadInt(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("WORKER_CONCURRENCY", "many")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for non-integer WORKER_CONCURRENCY")
	}
}
