// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8873 {
		t.Errorf("Server.Port = %d, want 8873", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if !cfg.NATS.Embedded {
		t.Error("NATS.Embedded should default to true")
	}
	if cfg.NATS.DurableName != "swipe-processor" {
		t.Errorf("NATS.DurableName = %q", cfg.NATS.DurableName)
	}
	if cfg.Ledger.ClaimLease != 2*time.Minute {
		t.Errorf("Ledger.ClaimLease = %v, want 2m", cfg.Ledger.ClaimLease)
	}
	if cfg.Ledger.CommitTTL != 30*time.Minute {
		t.Errorf("Ledger.CommitTTL = %v, want 30m", cfg.Ledger.CommitTTL)
	}
	if cfg.Filter.FalsePositiveRate != 0.01 {
		t.Errorf("Filter.FalsePositiveRate = %f, want 0.01", cfg.Filter.FalsePositiveRate)
	}
	if cfg.Sketch.Precision != 14 {
		t.Errorf("Sketch.Precision = %d, want 14", cfg.Sketch.Precision)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TURNSTILE_SERVER_PORT", "9000")
	t.Setenv("TURNSTILE_LOGGING_LEVEL", "debug")
	t.Setenv("TURNSTILE_FILTER_FALSE_POSITIVE_RATE", "0.05")
	t.Setenv("TURNSTILE_LEDGER_COMMIT_TTL", "1h")
	t.Setenv("TURNSTILE_NATS_EMBEDDED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Filter.FalsePositiveRate != 0.05 {
		t.Errorf("Filter.FalsePositiveRate = %f, want 0.05", cfg.Filter.FalsePositiveRate)
	}
	if cfg.Ledger.CommitTTL != time.Hour {
		t.Errorf("Ledger.CommitTTL = %v, want 1h", cfg.Ledger.CommitTTL)
	}
	if cfg.NATS.Embedded {
		t.Error("NATS.Embedded should be overridden to false")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9100
filter:
  capacity: 75000
population:
  mode: postgres
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Filter.Capacity != 75000 {
		t.Errorf("Filter.Capacity = %d, want 75000", cfg.Filter.Capacity)
	}
	if cfg.Population.Mode != PopulationModePostgres {
		t.Errorf("Population.Mode = %q, want postgres", cfg.Population.Mode)
	}
	// Unmentioned settings keep their defaults
	if cfg.Ledger.ClaimLease != 2*time.Minute {
		t.Errorf("Ledger.ClaimLease = %v, want default 2m", cfg.Ledger.ClaimLease)
	}
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("TURNSTILE_SERVER_PORT", "9200")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("Server.Port = %d, want env override 9200", cfg.Server.Port)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad log level", "TURNSTILE_LOGGING_LEVEL", "verbose"},
		{"port out of range", "TURNSTILE_SERVER_PORT", "70000"},
		{"fp rate out of range", "TURNSTILE_FILTER_FALSE_POSITIVE_RATE", "1.5"},
		{"bad population mode", "TURNSTILE_POPULATION_MODE", "ldap"},
		{"precision too high", "TURNSTILE_SKETCH_PRECISION", "20"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%s should fail validation", tc.key, tc.value)
			}
		})
	}
}

func TestEnvTransformFunc(t *testing.T) {
	cases := map[string]string{
		"TURNSTILE_NATS_URL":                   "nats.url",
		"TURNSTILE_FILTER_FALSE_POSITIVE_RATE": "filter.false_positive_rate",
		"TURNSTILE_LEDGER_COMMIT_TTL":          "ledger.commit_ttl",
		"TURNSTILE_DATABASE_URL":               "database.url",
	}
	for in, want := range cases {
		if got := envTransformFunc(in); got != want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", in, got, want)
		}
	}
}
