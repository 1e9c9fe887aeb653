// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/liverelay/pkg/auth"
	relayerrors "github.com/absmach/liverelay/pkg/errors"
	"github.com/absmach/liverelay/pkg/frame"
	"github.com/absmach/liverelay/pkg/handler"
	"github.com/absmach/liverelay/pkg/metrics"
	"github.com/absmach/liverelay/pkg/ratelimit"
	"github.com/absmach/liverelay/pkg/session"
	"github.com/absmach/liverelay/pkg/upstream"
	"github.com/absmach/liverelay/pkg/wsconn"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketConfig holds configuration for the relay listener.
type WebSocketConfig struct {
	Host      string
	Port      string
	TLSConfig *tls.Config

	// ShutdownTimeout bounds how long Listen waits for sessions to close.
	ShutdownTimeout time.Duration

	AuthTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	CloseTimeout time.Duration

	// Connector opens upstream connections. Required.
	Connector upstream.Connector

	// Limiter limits upgrades per remote host. Optional.
	Limiter *ratelimit.Limiter

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// WebSocketProxy accepts client connections and runs one relay session
// per connection.
type WebSocketProxy struct {
	config   WebSocketConfig
	server   *http.Server
	upgrader websocket.Upgrader
	gate     *auth.Gate
	handler  handler.Handler
	logger   *slog.Logger

	// sessionCtx is cancelled on shutdown to close every live session.
	sessionCtx    context.Context
	cancelSession context.CancelFunc

	// mu orders sessions.Add against the Wait in shutdown.
	mu       sync.Mutex
	draining bool
	sessions sync.WaitGroup
	active   atomic.Int64
}

var _ http.Handler = (*WebSocketProxy)(nil)

// NewWebSocket creates a new relay listener.
func NewWebSocket(cfg WebSocketConfig, h handler.Handler) (*WebSocketProxy, error) {
	if cfg.Connector == nil {
		return nil, errors.New("upstream connector is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "8000"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WebSocketProxy{
		config: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			EnableCompression: false,
		},
		gate: auth.NewGate(auth.GateConfig{
			Timeout: cfg.AuthTimeout,
			Metrics: cfg.Metrics,
			Logger:  cfg.Logger,
		}),
		handler:       h,
		logger:        cfg.Logger,
		sessionCtx:    ctx,
		cancelSession: cancel,
	}

	p.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:           p,
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return p, nil
}

// ActiveSessions returns the number of connections being served.
func (p *WebSocketProxy) ActiveSessions() int64 {
	return p.active.Load()
}

// ServeHTTP upgrades the request and runs a relay session on it.
func (p *WebSocketProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.config.Limiter != nil && !p.config.Limiter.Allow(r.RemoteAddr) {
		if p.config.Metrics != nil {
			p.config.Metrics.RateLimited.WithLabelValues("remote").Inc()
		}
		p.logger.Warn("upgrade rate limit exceeded", slog.String("remote", r.RemoteAddr))
		http.Error(w, relayerrors.ErrRateLimited.Error(), http.StatusTooManyRequests)
		return
	}

	if !p.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer p.untrack()

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Error("failed to upgrade client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	sessionID := uuid.New().String()
	logger := p.logger.With(slog.String("session", sessionID))
	logger.Debug("websocket connection upgraded", slog.String("remote", r.RemoteAddr))

	conn := wsconn.New(ws, wsconn.Config{
		WriteTimeout: p.config.WriteTimeout,
		CloseTimeout: p.config.CloseTimeout,
		Logger:       logger,
	})
	defer conn.Close()

	ctx := p.sessionCtx
	creds, err := p.gate.Authenticate(ctx, conn)
	if err != nil {
		logger.Debug("session not authenticated", slog.String("error", err.Error()))
		return
	}

	hctx := &handler.Context{
		SessionID:  sessionID,
		APIKey:     creds.APIKey,
		ServiceURL: creds.ServiceURL,
		RemoteAddr: r.RemoteAddr,
		Protocol:   "ws",
	}
	if r.TLS != nil {
		hctx.Protocol = "wss"
		if len(r.TLS.PeerCertificates) > 0 {
			hctx.Cert = r.TLS.PeerCertificates[0]
		}
	}

	if err := p.handler.AuthConnect(ctx, hctx); err != nil {
		p.reject(logger, conn, err)
		return
	}

	sess := session.New(conn, hctx.APIKey, hctx.ServiceURL, session.Config{
		ID:           sessionID,
		PingInterval: p.config.PingInterval,
		Metrics:      p.config.Metrics,
		Logger:       p.logger,
		OnRelaying: func(ctx context.Context) {
			if err := p.handler.OnConnect(ctx, hctx); err != nil {
				logger.Error("connect handler error", slog.String("error", err.Error()))
			}
		},
		OnForward: func(ctx context.Context, dir frame.Direction, f frame.Frame) {
			if err := p.handler.OnForward(ctx, hctx, dir, f); err != nil {
				logger.Error("forward handler error",
					slog.String("direction", dir.String()),
					slog.String("error", err.Error()))
			}
		},
	})

	run := func() int {
		if err := sess.Run(ctx, p.config.Connector); err != nil {
			logger.Debug("session ended with error", slog.String("error", err.Error()))
		}
		return sess.Code()
	}
	if p.config.Metrics != nil {
		p.config.Metrics.ObserveSession(run)
	} else {
		run()
	}

	hctx.CloseCode = sess.Code()
	if err := p.handler.OnDisconnect(context.Background(), hctx); err != nil {
		logger.Error("disconnect handler error", slog.String("error", err.Error()))
	}
}

// track registers a connection unless shutdown has begun.
func (p *WebSocketProxy) track() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return false
	}
	p.sessions.Add(1)
	p.active.Add(1)
	return true
}

func (p *WebSocketProxy) untrack() {
	p.active.Add(-1)
	p.sessions.Done()
}

// reject closes a session the handler did not authorize.
func (p *WebSocketProxy) reject(logger *slog.Logger, conn *wsconn.Conn, err error) {
	msg := err.Error()
	logger.Info("session rejected by handler", slog.String("reason", msg))

	if werr := conn.WriteError(msg); werr != nil {
		logger.Debug("failed to send error frame", slog.String("error", werr.Error()))
	}
	_ = conn.CloseWithCode(relayerrors.CodePolicyViolation, msg)
}

// Listen starts the relay server and blocks until ctx is cancelled. Live
// sessions are then closed with 1001 and waited for up to ShutdownTimeout.
func (p *WebSocketProxy) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.server.Addr, err)
	}

	return p.Serve(ctx, ln)
}

// Serve is Listen on an existing listener.
func (p *WebSocketProxy) Serve(ctx context.Context, ln net.Listener) error {
	p.logger.Info("WebSocket server started",
		slog.String("address", ln.Addr().String()),
		slog.Bool("tls", p.server.TLSConfig != nil))

	errCh := make(chan error, 1)
	go func() {
		if p.server.TLSConfig != nil {
			// WSS
			errCh <- p.server.ServeTLS(ln, "", "")
		} else {
			// WS
			errCh <- p.server.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		p.logger.Info("shutdown signal received, closing WebSocket server")
		return p.shutdown()

	case err := <-errCh:
		p.cancelSession()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (p *WebSocketProxy) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout)
	defer cancel()

	// Hijacked connections are not tracked by the server.
	if err := p.server.Shutdown(shutdownCtx); err != nil {
		p.logger.Error("error during shutdown", slog.String("error", err.Error()))
	}

	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
	p.cancelSession()

	done := make(chan struct{})
	go func() {
		p.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("WebSocket server shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		p.logger.Warn("sessions still open after shutdown timeout",
			slog.Int64("active", p.active.Load()))
		return shutdownCtx.Err()
	}
}
