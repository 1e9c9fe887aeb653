// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session relays frames between an authenticated client and the
// generation service until either side finishes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	relayerrors "github.com/absmach/liverelay/pkg/errors"
	"github.com/absmach/liverelay/pkg/frame"
	"github.com/absmach/liverelay/pkg/metrics"
	"github.com/absmach/liverelay/pkg/upstream"
	"github.com/absmach/liverelay/pkg/wsconn"
	"github.com/gorilla/websocket"
)

// State is the session lifecycle state.
type State int32

const (
	Authenticating State = iota
	ConnectingUpstream
	Relaying
	TearingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case ConnectingUpstream:
		return "connecting_upstream"
	case Relaying:
		return "relaying"
	case TearingDown:
		return "tearing_down"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ForwardFunc observes a frame after it has been forwarded.
type ForwardFunc func(ctx context.Context, dir frame.Direction, f frame.Frame)

// Config holds per-session settings.
type Config struct {
	// ID identifies the session in logs.
	ID string

	// PingInterval enables keep-alive pings on both connections.
	PingInterval time.Duration

	// OnRelaying and OnForward are optional.
	OnRelaying func(ctx context.Context)
	OnForward  ForwardFunc

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Session is one client paired with at most one upstream connection.
type Session struct {
	client     *wsconn.Conn
	upstream   atomic.Pointer[wsconn.Conn]
	apiKey     string
	serviceURL string
	config     Config
	logger     *slog.Logger

	state        atomic.Int32
	stop         chan struct{}
	stopOnce     sync.Once
	teardownOnce sync.Once
	result       atomic.Pointer[relayerrors.ProxyError]
	code         atomic.Int32
}

// New creates a session for an authenticated client. serviceURL overrides
// the connector's default when not empty.
func New(client *wsconn.Conn, apiKey, serviceURL string, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ID != "" {
		logger = logger.With(slog.String("session", cfg.ID))
	}

	s := &Session{
		client:     client,
		apiKey:     apiKey,
		serviceURL: serviceURL,
		config:     cfg,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	s.state.Store(int32(Authenticating))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.config.ID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(to State) {
	for {
		cur := s.state.Load()
		if State(cur) >= to {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			s.logger.Debug("session state changed",
				slog.String("from", State(cur).String()),
				slog.String("to", to.String()))
			return
		}
	}
}

// Run connects upstream, relays until either side finishes and tears the
// session down. It returns nil on a clean finish and a *errors.ProxyError
// otherwise. Cancelling ctx ends the relay cleanly and closes the client
// with 1001.
func (s *Session) Run(ctx context.Context, connector upstream.Connector) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.setState(ConnectingUpstream)

	up, err := connector.Connect(ctx, s.apiKey, s.serviceURL)
	if err != nil {
		if ctx.Err() != nil {
			s.teardown(nil, true)
			return nil
		}
		s.teardown(asProxyError(err), false)
		return s.err()
	}
	s.upstream.Store(up)

	s.setState(Relaying)
	s.logger.Info("session relaying")
	if s.config.OnRelaying != nil {
		s.config.OnRelaying(ctx)
	}

	kaCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	s.client.StartKeepAlive(kaCtx, s.config.PingInterval)
	up.StartKeepAlive(kaCtx, s.config.PingInterval)

	s.teardown(s.relay(ctx, up), ctx.Err() != nil)
	return s.err()
}

// Close asks a running session to stop. Run then closes the client with
// 1001. It is idempotent.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Err returns the error the session finished with, if any.
func (s *Session) Err() *relayerrors.ProxyError {
	return s.result.Load()
}

// err returns the recorded result as an error interface, nil when clean.
func (s *Session) err() error {
	if pe := s.result.Load(); pe != nil {
		return pe
	}
	return nil
}

// relay runs both directions and stops the survivor once either finishes.
func (s *Session) relay(ctx context.Context, up *wsconn.Conn) *relayerrors.ProxyError {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopClient := context.AfterFunc(ctx, s.client.CancelRead)
	defer stopClient()
	stopUpstream := context.AfterFunc(ctx, up.CancelRead)
	defer stopUpstream()

	results := make(chan *relayerrors.ProxyError, 2)
	go func() {
		results <- s.forward(ctx, s.client, up, frame.ClientToUpstream)
	}()
	go func() {
		results <- s.forward(ctx, up, s.client, frame.UpstreamToClient)
	}()

	first := <-results
	cancel()
	second := <-results

	if first != nil {
		return first
	}
	return second
}

// forward copies frames from src to dst in order until src ends.
func (s *Session) forward(ctx context.Context, src, dst *wsconn.Conn, dir frame.Direction) *relayerrors.ProxyError {
	logger := s.logger.With(slog.String("direction", dir.String()))

	for {
		f, err := src.ReadFrame()
		if err != nil {
			return s.readFailure(src, dir, err)
		}

		if !wsconn.IsOpen(dst) {
			logger.Debug("destination no longer open, dropping frame", slog.Any("frame", f))
			return nil
		}

		if logger.Enabled(ctx, slog.LevelDebug) {
			f = f.Decode()
			if f.Kind == frame.Text && f.ParseErr != nil {
				logger.Debug("forwarding non-JSON text frame", slog.Any("frame", f))
			} else {
				logger.Debug("forwarding frame", slog.Any("frame", f))
			}
		}

		if err := dst.WriteFrame(f); err != nil {
			if errors.Is(err, relayerrors.ErrConnectionClosed) {
				return nil
			}
			logger.Warn("failed to forward frame", slog.String("error", err.Error()))
			return relayerrors.New(relayerrors.CodeInternal, "",
				fmt.Errorf("%w: send: %w", relayerrors.ErrRelay, err)).WithDirection(dir.String())
		}

		if s.config.Metrics != nil {
			s.config.Metrics.ObserveFrame(dir, f)
		}
		if s.config.OnForward != nil {
			s.config.OnForward(ctx, dir, f)
		}
	}
}

// readFailure maps the end of a read loop to a session result.
func (s *Session) readFailure(src *wsconn.Conn, dir frame.Direction, err error) *relayerrors.ProxyError {
	if src.ReadCancelled() {
		return nil
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case isNormalClose(ce.Code):
			s.logger.Debug("peer closed", slog.String("direction", dir.String()), slog.Int("code", ce.Code))
			return nil
		case isSendable(ce.Code):
			msg := ce.Text
			if msg == "" {
				msg = fmt.Sprintf("peer closed with code %d", ce.Code)
			}
			return relayerrors.New(ce.Code, msg,
				fmt.Errorf("%w: %w", relayerrors.ErrRelay, err)).WithDirection(dir.String())
		}
	}

	s.logger.Warn("relay read failed", slog.String("direction", dir.String()), slog.String("error", err.Error()))
	return relayerrors.New(relayerrors.CodeInternal, "",
		fmt.Errorf("%w: receive: %w", relayerrors.ErrRelay, err)).WithDirection(dir.String())
}

// teardown closes both connections exactly once. With an error the client
// first receives an error frame and is then closed with the error's code.
func (s *Session) teardown(pe *relayerrors.ProxyError, goingAway bool) {
	s.teardownOnce.Do(func() {
		s.setState(TearingDown)
		if pe != nil {
			s.result.Store(pe)
		}

		if up := s.upstream.Load(); up != nil {
			_ = up.CloseWithCode(relayerrors.CodeNormal, "")
		}

		code, reason := relayerrors.CodeNormal, ""
		switch {
		case pe != nil:
			code, reason = pe.Code, pe.Message
			s.logger.Warn("session failed", slog.Int("code", pe.Code), slog.String("error", pe.Error()))
			if wsconn.IsOpen(s.client) {
				if err := s.client.WriteError(pe.Message); err != nil {
					s.logger.Debug("failed to send error frame", slog.String("error", err.Error()))
				}
			}
		case goingAway:
			code, reason = relayerrors.CodeGoingAway, "server shutting down"
		}
		s.code.Store(int32(code))
		_ = s.client.CloseWithCode(code, reason)

		s.setState(Closed)
		s.logger.Info("session closed")
	})
}

// Code returns the close code the client was sent, zero before teardown.
func (s *Session) Code() int {
	return int(s.code.Load())
}

func asProxyError(err error) *relayerrors.ProxyError {
	var pe *relayerrors.ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	return relayerrors.New(relayerrors.CodeInternal, "", fmt.Errorf("%w: %w", relayerrors.ErrUpstreamConnect, err))
}

func isNormalClose(code int) bool {
	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}

// isSendable reports whether code is an error code that may appear in a
// close frame we send.
func isSendable(code int) bool {
	switch code {
	case websocket.CloseProtocolError, websocket.CloseUnsupportedData,
		websocket.CloseInvalidFramePayloadData, websocket.ClosePolicyViolation,
		websocket.CloseMessageTooBig, websocket.CloseMandatoryExtension,
		websocket.CloseInternalServerErr, websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater:
		return true
	}
	return code >= 3000 && code <= 4999
}
