// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package liverelay holds the relay's environment configuration.
package liverelay

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/liverelay/pkg/setup"
	"github.com/absmach/liverelay/pkg/upstream"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every configuration variable.
const EnvPrefix = "LIVERELAY_"

var errCertWithoutKey = errors.New("server certificate and key must be set together")

// Config is the relay configuration.
type Config struct {
	Host string `env:"HOST" envDefault:"localhost"`
	Port string `env:"PORT" envDefault:"8000"`

	// Generation service
	ServiceHost string `env:"SERVICE_HOST" envDefault:"generativelanguage.googleapis.com"`
	ServicePath string `env:"SERVICE_PATH" envDefault:"/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"`
	Model       string `env:"MODEL"        envDefault:"gemini-2.0-flash-exp"`

	SetupFile     string        `env:"SETUP_FILE"`
	SetupDebounce time.Duration `env:"SETUP_DEBOUNCE" envDefault:"200ms"`

	// Timeouts
	AuthTimeout      time.Duration `env:"AUTH_TIMEOUT"      envDefault:"10s"`
	PingInterval     time.Duration `env:"PING_INTERVAL"     envDefault:"20s"`
	CloseTimeout     time.Duration `env:"CLOSE_TIMEOUT"     envDefault:"5s"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT"     envDefault:"30s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`

	DialRetries uint64 `env:"DIAL_RETRIES" envDefault:"0"`

	// Circuit Breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Rate Limiting, zero capacity disables a limiter
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"20"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"5"`
	KeyRateCapacity   int64 `env:"KEY_RATE_CAPACITY"   envDefault:"0"`
	KeyRateRefill     int64 `env:"KEY_RATE_REFILL"     envDefault:"1"`
	RateLimitMaxHosts int   `env:"RATE_LIMIT_MAX_HOSTS" envDefault:"10000"`

	// Observability, zero port disables a server
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// TLS
	ServerCert string `env:"SERVER_CERT"`
	ServerKey  string `env:"SERVER_KEY"`

	TLSConfig *tls.Config `env:"-"`
}

// NewConfig parses the environment. An empty opts.Prefix defaults to
// EnvPrefix. TLSConfig is set when a server certificate is configured.
func NewConfig(opts env.Options) (Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = EnvPrefix
	}

	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	if c.ServerCert == "" && c.ServerKey == "" {
		return c, nil
	}
	if c.ServerCert == "" || c.ServerKey == "" {
		return Config{}, errCertWithoutKey
	}

	cert, err := tls.LoadX509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load server certificate: %w", err)
	}
	c.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	return c, nil
}

// ServiceURL is the default upstream URL, without the API key.
func (c Config) ServiceURL() string {
	return upstream.DefaultURL(c.ServiceHost, c.ServicePath, c.Model)
}

// SetupTemplate loads the setup template from SetupFile, or returns the
// built-in template when no file is configured.
func (c Config) SetupTemplate() (setup.Template, error) {
	if c.SetupFile == "" {
		return setup.Default(c.Model), nil
	}
	return setup.Load(c.SetupFile, c.Model)
}
