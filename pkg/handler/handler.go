// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"

	"github.com/absmach/liverelay/pkg/frame"
)

// Context contains session metadata passed to Handler methods.
type Context struct {
	// SessionID is a unique identifier for this session
	SessionID string

	// APIKey is the key the client authenticated with. Never log it in full.
	APIKey string

	// ServiceURL is the client's upstream override, empty for the default
	ServiceURL string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Protocol is ws or wss
	Protocol string

	// Cert is the client's TLS certificate (if using mTLS)
	Cert *x509.Certificate

	// CloseCode is the code the client was closed with. It is set before
	// OnDisconnect.
	CloseCode int
}

// Handler defines authorization and notification callbacks for relay
// sessions.
//
// AuthConnect is called after the client authenticated and BEFORE the
// upstream connection is opened. Returning an error rejects the session with
// close code 1008. It may update the handler context, for example to
// replace ServiceURL.
//
// Notification methods (OnConnect, OnForward, OnDisconnect) are called for
// audit logging, metrics, or post-processing. Errors from these methods are
// logged but don't affect the session.
type Handler interface {
	// AuthConnect authorizes a session.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnConnect is called once the session starts relaying.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnForward is called after each forwarded frame. It runs on the
	// forwarding goroutine, so it should return quickly. f must not be
	// modified.
	OnForward(ctx context.Context, hctx *Context, dir frame.Direction, f frame.Frame) error

	// OnDisconnect is called when an authorized session ends, whatever the
	// reason.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

var _ Handler = (*NoopHandler)(nil)

// NoopHandler is a pass-through handler that allows everything.
type NoopHandler struct{}

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnForward(ctx context.Context, hctx *Context, dir frame.Direction, f frame.Frame) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
