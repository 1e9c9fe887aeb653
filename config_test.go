// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package liverelay

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Environment: map[string]string{}})
	if err != nil {
		t.Fatalf("NewConfig() error: %v", err)
	}

	if cfg.Host != "localhost" || cfg.Port != "8000" {
		t.Errorf("address = %s:%s, want localhost:8000", cfg.Host, cfg.Port)
	}
	if cfg.AuthTimeout != 10*time.Second {
		t.Errorf("AuthTimeout = %v, want 10s", cfg.AuthTimeout)
	}
	if cfg.PingInterval != 20*time.Second {
		t.Errorf("PingInterval = %v, want 20s", cfg.PingInterval)
	}
	if cfg.TLSConfig != nil {
		t.Error("TLSConfig set without certificates")
	}

	want := "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
	if got := cfg.ServiceURL(); got != want {
		t.Errorf("ServiceURL() = %q, want %q", got, want)
	}
}

func TestNewConfigOverrides(t *testing.T) {
	cfg, err := NewConfig(env.Options{Environment: map[string]string{
		"LIVERELAY_PORT":            "9001",
		"LIVERELAY_SERVICE_HOST":    "relay.test",
		"LIVERELAY_SERVICE_PATH":    "/v1/{model}:stream",
		"LIVERELAY_MODEL":           "m2",
		"LIVERELAY_AUTH_TIMEOUT":    "3s",
		"LIVERELAY_DIAL_RETRIES":    "2",
		"LIVERELAY_KEY_RATE_REFILL": "4",
		"OTHER_PORT":                "1",
	}})
	if err != nil {
		t.Fatalf("NewConfig() error: %v", err)
	}

	if cfg.Port != "9001" {
		t.Errorf("Port = %q, want 9001", cfg.Port)
	}
	if cfg.AuthTimeout != 3*time.Second {
		t.Errorf("AuthTimeout = %v, want 3s", cfg.AuthTimeout)
	}
	if cfg.DialRetries != 2 {
		t.Errorf("DialRetries = %d, want 2", cfg.DialRetries)
	}
	if cfg.KeyRateRefill != 4 {
		t.Errorf("KeyRateRefill = %d, want 4", cfg.KeyRateRefill)
	}
	if got, want := cfg.ServiceURL(), "wss://relay.test/v1/m2:stream"; got != want {
		t.Errorf("ServiceURL() = %q, want %q", got, want)
	}
}

func TestNewConfigInvalid(t *testing.T) {
	cases := []struct {
		desc string
		env  map[string]string
	}{
		{
			desc: "bad duration",
			env:  map[string]string{"LIVERELAY_AUTH_TIMEOUT": "soon"},
		},
		{
			desc: "certificate without key",
			env:  map[string]string{"LIVERELAY_SERVER_CERT": "cert.pem"},
		},
		{
			desc: "missing certificate files",
			env: map[string]string{
				"LIVERELAY_SERVER_CERT": filepath.Join(t.TempDir(), "cert.pem"),
				"LIVERELAY_SERVER_KEY":  filepath.Join(t.TempDir(), "key.pem"),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := NewConfig(env.Options{Environment: tc.env}); err == nil {
				t.Error("NewConfig() returned nil error")
			}
		})
	}

	_, err := NewConfig(env.Options{Environment: map[string]string{"LIVERELAY_SERVER_KEY": "k.pem"}})
	if !errors.Is(err, errCertWithoutKey) {
		t.Errorf("key without certificate: got %v, want errCertWithoutKey", err)
	}
}

func TestSetupTemplate(t *testing.T) {
	cfg := Config{Model: "m1"}
	tmpl, err := cfg.SetupTemplate()
	if err != nil {
		t.Fatalf("SetupTemplate() error: %v", err)
	}
	if tmpl.Model != "models/m1" {
		t.Errorf("Model = %q, want models/m1", tmpl.Model)
	}

	path := filepath.Join(t.TempDir(), "setup.yaml")
	if err := os.WriteFile(path, []byte("generation_config:\n  temperature: 0.2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.SetupFile = path
	tmpl, err = cfg.SetupTemplate()
	if err != nil {
		t.Fatalf("SetupTemplate() error: %v", err)
	}
	if tmpl.GenerationConfig.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", tmpl.GenerationConfig.Temperature)
	}
}
