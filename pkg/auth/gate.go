// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	relayerrors "github.com/absmach/liverelay/pkg/errors"
	"github.com/absmach/liverelay/pkg/metrics"
	"github.com/absmach/liverelay/pkg/wsconn"
)

// DefaultTimeout is how long a client has to send its auth frame.
const DefaultTimeout = 10 * time.Second

const (
	msgAuthTimeout = "Authentication timeout"
	msgKeyMissing  = "API key not found"
)

// Credentials is the outcome of a successful authentication.
type Credentials struct {
	APIKey     string
	ServiceURL string
}

// GateConfig configures the Gate.
type GateConfig struct {
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Gate reads and validates the first client frame.
type Gate struct {
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGate creates a Gate. A zero timeout uses DefaultTimeout.
func NewGate(cfg GateConfig) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Authenticate waits for the first frame on conn. On failure the client
// has been sent an error frame and closed, and the returned error is a
// *errors.ProxyError; if the client left before authenticating the error
// is errors.ErrConnectionClosed.
func (g *Gate) Authenticate(ctx context.Context, conn *wsconn.Conn) (Credentials, error) {
	if g.metrics != nil {
		g.metrics.AuthAttempts.Inc()
	}

	if err := conn.SetReadDeadline(time.Now().Add(g.timeout)); err != nil {
		_ = conn.Close()
		return Credentials{}, relayerrors.ErrConnectionClosed
	}
	stop := context.AfterFunc(ctx, conn.CancelRead)
	defer stop()

	f, err := conn.ReadFrame()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && !conn.ReadCancelled() {
			return Credentials{}, g.reject(conn, "timeout",
				relayerrors.New(relayerrors.CodeAuthTimeout, msgAuthTimeout, relayerrors.ErrAuthTimeout))
		}
		g.logger.Debug("client left before authenticating", slog.String("error", err.Error()))
		_ = conn.Close()
		return Credentials{}, relayerrors.ErrConnectionClosed
	}

	// Clear the auth deadline for the relay loops.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return Credentials{}, relayerrors.ErrConnectionClosed
	}

	p := ParsePayload(f.Payload)
	creds := Credentials{
		APIKey:     p.APIKey(),
		ServiceURL: p.ServiceURL(),
	}
	if creds.APIKey == "" {
		return Credentials{}, g.reject(conn, "key_missing",
			relayerrors.New(relayerrors.CodeAPIKeyMissing, msgKeyMissing, relayerrors.ErrAuthFormat))
	}

	g.logger.Debug("client authenticated",
		slog.String("key", MaskKey(creds.APIKey)),
		slog.Bool("raw", p.IsRaw()),
		slog.Bool("override_url", creds.ServiceURL != ""))

	return creds, nil
}

// reject sends the error frame and closes the client with pe's code.
func (g *Gate) reject(conn *wsconn.Conn, reason string, pe *relayerrors.ProxyError) error {
	if g.metrics != nil {
		g.metrics.AuthFailures.WithLabelValues(reason).Inc()
	}
	g.logger.Info("authentication failed",
		slog.String("reason", reason),
		slog.Int("code", pe.Code))

	if err := conn.WriteError(pe.Message); err != nil {
		g.logger.Debug("failed to send error frame", slog.String("error", err.Error()))
	}
	_ = conn.CloseWithCode(pe.Code, pe.Message)
	return pe
}
