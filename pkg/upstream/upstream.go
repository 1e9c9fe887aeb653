// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upstream opens the relay's connection to the generation service.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/absmach/liverelay/pkg/breaker"
	relayerrors "github.com/absmach/liverelay/pkg/errors"
	"github.com/absmach/liverelay/pkg/metrics"
	"github.com/absmach/liverelay/pkg/setup"
	"github.com/absmach/liverelay/pkg/wsconn"
	"github.com/cenkalti/backoff/v3"
	"github.com/gorilla/websocket"
)

const (
	// DefaultHost is the generation service host.
	DefaultHost = "generativelanguage.googleapis.com"

	// DefaultPath is the streaming endpoint path. A {model} placeholder, if
	// present, is replaced with the configured model.
	DefaultPath = "/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
)

// ErrSetupFrame is returned when the setup frame cannot be sent.
var ErrSetupFrame = errors.New("failed to send setup frame")

// Connector opens an upstream connection for one session.
type Connector interface {
	// Connect dials overrideURL, or the default service URL when it is
	// empty, authenticating with apiKey. The returned connection has
	// already received the setup frame. Errors are *errors.ProxyError.
	Connect(ctx context.Context, apiKey, overrideURL string) (*wsconn.Conn, error)
}

// DefaultURL builds the default service URL.
func DefaultURL(host, pathTemplate, model string) string {
	if host == "" {
		host = DefaultHost
	}
	if pathTemplate == "" {
		pathTemplate = DefaultPath
	}
	if !strings.HasPrefix(pathTemplate, "/") {
		pathTemplate = "/" + pathTemplate
	}
	path := strings.ReplaceAll(pathTemplate, "{model}", model)
	return "wss://" + host + path
}

// BuildURL appends the API key to base as the key query parameter.
func BuildURL(base, apiKey string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "key=" + url.QueryEscape(apiKey)
}

// Config holds the dialer configuration.
type Config struct {
	// URL is the default service URL used when a session carries no override.
	URL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	CloseTimeout     time.Duration

	// Retries is the number of extra dial attempts after a transport failure.
	Retries uint64

	// Setup supplies the frame sent right after the handshake.
	Setup *setup.Store

	// Breaker and Metrics are optional.
	Breaker *breaker.CircuitBreaker
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Dialer is the gorilla websocket Connector.
type Dialer struct {
	config Config
	dialer *websocket.Dialer
}

var _ Connector = (*Dialer)(nil)

// NewDialer creates a Dialer.
func NewDialer(cfg Config) *Dialer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL("", "", setup.DefaultModel)
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	return &Dialer{
		config: cfg,
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  cfg.HandshakeTimeout,
			EnableCompression: false,
		},
	}
}

// Connect implements Connector.
func (d *Dialer) Connect(ctx context.Context, apiKey, overrideURL string) (*wsconn.Conn, error) {
	base := overrideURL
	if base == "" {
		base = d.config.URL
	}
	target := BuildURL(base, apiKey)

	start := time.Now()
	var ws *websocket.Conn
	dial := func(ctx context.Context) error {
		var err error
		ws, err = d.dialWithRetry(ctx, target)
		return err
	}

	var err error
	if d.config.Breaker != nil {
		err = d.config.Breaker.Do(ctx, dial)
	} else {
		err = dial(ctx)
	}
	if err != nil {
		return nil, d.fail(base, err)
	}

	conn := wsconn.New(ws, wsconn.Config{
		WriteTimeout: d.config.WriteTimeout,
		CloseTimeout: d.config.CloseTimeout,
		Logger:       d.config.Logger,
	})

	if d.config.Setup != nil {
		if err := conn.WriteText(d.config.Setup.Frame()); err != nil {
			_ = conn.Close()
			return nil, d.fail(base, fmt.Errorf("%w: %w", ErrSetupFrame, err))
		}
	}

	if d.config.Metrics != nil {
		d.config.Metrics.UpstreamConnectDuration.Observe(time.Since(start).Seconds())
	}
	d.config.Logger.Debug("upstream connected",
		slog.String("url", redact(base)),
		slog.Duration("took", time.Since(start)))

	return conn, nil
}

// dialWithRetry retries transport failures only. A handshake answered by
// the service (bad key, wrong path) is final.
func (d *Dialer) dialWithRetry(ctx context.Context, target string) (*websocket.Conn, error) {
	var ws *websocket.Conn
	op := func() error {
		conn, resp, err := d.dialer.DialContext(ctx, target, nil)
		if err == nil {
			ws = conn
			return nil
		}
		if resp != nil {
			_ = resp.Body.Close()
			return backoff.Permanent(&HandshakeError{StatusCode: resp.StatusCode, Err: err})
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = backoff.NewExponentialBackOff()
	b = backoff.WithMaxRetries(b, d.config.Retries)
	b = backoff.WithContext(b, ctx)

	notify := func(err error, wait time.Duration) {
		d.config.Logger.Warn("upstream dial failed, retrying",
			slog.String("error", redact(err.Error())),
			slog.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return ws, nil
}

func (d *Dialer) fail(base string, err error) *relayerrors.ProxyError {
	reason := "transport"
	msg := "Failed to connect to upstream"
	var he *HandshakeError
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		reason = "circuit_open"
		msg = "upstream unavailable"
	case errors.As(err, &he):
		reason = "handshake"
	case errors.Is(err, ErrSetupFrame):
		reason = "setup"
	}

	if d.config.Metrics != nil {
		d.config.Metrics.UpstreamErrors.WithLabelValues(reason).Inc()
	}
	d.config.Logger.Warn("upstream connection failed",
		slog.String("url", redact(base)),
		slog.String("reason", reason),
		slog.String("error", redact(err.Error())))

	return relayerrors.New(relayerrors.CodeInternal, msg, errors.Join(relayerrors.ErrUpstreamConnect, err))
}

// HandshakeError is returned when the service answered the upgrade request
// with a non-101 status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("upstream handshake rejected with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsTransportFailure reports whether err says something about upstream
// reachability. It is the circuit breaker's failure filter.
func IsTransportFailure(err error) bool {
	var he *HandshakeError
	return err != nil && !errors.As(err, &he)
}

// redact strips the key query parameter from URLs embedded in s.
func redact(s string) string {
	i := strings.Index(s, "key=")
	if i < 0 {
		return s
	}
	end := strings.IndexAny(s[i:], "&\" ")
	if end < 0 {
		return s[:i] + "key=REDACTED"
	}
	return s[:i] + "key=REDACTED" + redact(s[i+end:])
}
