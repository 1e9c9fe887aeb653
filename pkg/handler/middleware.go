// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	relayerrors "github.com/absmach/liverelay/pkg/errors"
	"github.com/absmach/liverelay/pkg/frame"
	"github.com/absmach/liverelay/pkg/metrics"
	"github.com/absmach/liverelay/pkg/ratelimit"
)

var (
	_ Handler = (*RateLimitedHandler)(nil)
	_ Handler = (*InstrumentedHandler)(nil)
)

// RateLimitedHandler wraps a handler with per API key session limiting.
type RateLimitedHandler struct {
	handler Handler
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// RateLimited limits how fast sessions may start with the same API key.
// m may be nil.
func RateLimited(h Handler, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) *RateLimitedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitedHandler{
		handler: h,
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
}

// AuthConnect implements Handler with rate limiting.
func (h *RateLimitedHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	if !h.limiter.Allow(keyID(hctx.APIKey)) {
		if h.metrics != nil {
			h.metrics.RateLimited.WithLabelValues("api_key").Inc()
		}
		h.logger.Warn("Per-key rate limit exceeded",
			slog.String("session", hctx.SessionID),
			slog.String("remote", hctx.RemoteAddr))
		return relayerrors.ErrRateLimited
	}

	return h.handler.AuthConnect(ctx, hctx)
}

// OnConnect implements Handler.
func (h *RateLimitedHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

// OnForward implements Handler.
func (h *RateLimitedHandler) OnForward(ctx context.Context, hctx *Context, dir frame.Direction, f frame.Frame) error {
	return h.handler.OnForward(ctx, hctx, dir, f)
}

// OnDisconnect implements Handler.
func (h *RateLimitedHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return h.handler.OnDisconnect(ctx, hctx)
}

// keyID keeps raw keys out of the limiter's table.
func keyID(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}

// InstrumentedHandler wraps a handler with metrics instrumentation.
type InstrumentedHandler struct {
	handler Handler
	metrics *metrics.Metrics
}

// Instrumented records hook latency and authorization rejections.
func Instrumented(h Handler, m *metrics.Metrics) *InstrumentedHandler {
	return &InstrumentedHandler{
		handler: h,
		metrics: m,
	}
}

func (h *InstrumentedHandler) observe(hook string, start time.Time) {
	h.metrics.HookDuration.WithLabelValues(hook).Observe(time.Since(start).Seconds())
}

// AuthConnect implements Handler with metrics.
func (h *InstrumentedHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	defer h.observe("auth_connect", time.Now())

	err := h.handler.AuthConnect(ctx, hctx)
	if err != nil {
		h.metrics.AuthFailures.WithLabelValues("unauthorized").Inc()
	}
	return err
}

// OnConnect implements Handler with metrics.
func (h *InstrumentedHandler) OnConnect(ctx context.Context, hctx *Context) error {
	defer h.observe("on_connect", time.Now())
	return h.handler.OnConnect(ctx, hctx)
}

// OnForward implements Handler with metrics.
func (h *InstrumentedHandler) OnForward(ctx context.Context, hctx *Context, dir frame.Direction, f frame.Frame) error {
	defer h.observe("on_forward", time.Now())
	return h.handler.OnForward(ctx, hctx, dir, f)
}

// OnDisconnect implements Handler with metrics.
func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	defer h.observe("on_disconnect", time.Now())
	return h.handler.OnDisconnect(ctx, hctx)
}
