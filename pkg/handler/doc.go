// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks that link relay sessions to
// application logic.
//
// # Architecture Overview
//
// The relay itself only checks that a client supplied an API key. The
// Handler interface lets an application authorize sessions and observe
// their traffic without touching the forwarding code.
//
// # Data Flow
//
//	Client → Auth Gate (extracts key) → Handler.AuthConnect → Upstream
//	Client ⇄ Session (forwards frames) → Handler.OnForward
//	Teardown → Handler.OnDisconnect
//
// # Handler Methods
//
// AuthConnect is called before the upstream connection is opened; an error
// closes the client with 1008. Notification methods (OnConnect, OnForward,
// OnDisconnect) never affect the session; their errors are logged.
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this session
//   - APIKey, ServiceURL: What the client authenticated with
//   - RemoteAddr: Client's network address
//   - Protocol: ws or wss
//   - Cert: Client certificate for mTLS connections
//   - CloseCode: Set before OnDisconnect
//
// # Wrappers
//
// RateLimited and Instrumented wrap another Handler with per-key admission
// control and hook metrics. NoopHandler allows everything.
//
// # Example
//
//	type KeyAllowList struct {
//		handler.NoopHandler
//		allowed map[string]bool
//	}
//
//	func (h *KeyAllowList) AuthConnect(ctx context.Context, hctx *handler.Context) error {
//		if !h.allowed[hctx.APIKey] {
//			return errors.ErrUnauthorized
//		}
//		return nil
//	}
package handler
