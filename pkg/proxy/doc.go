// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides the relay listener that wires together the auth
// gate, the handler, the upstream connector and relay sessions.
//
// # Architecture
//
//	Client
//	     ↓
//	┌────────────────┐
//	│ WebSocketProxy │  (rate limit, upgrade)
//	└────────────────┘
//	     ↓
//	┌────────────────┐
//	│   auth.Gate    │  (first frame, 4000/4001)
//	└────────────────┘
//	     ↓
//	┌────────────────┐
//	│    Handler     │  (AuthConnect, 1008)
//	└────────────────┘
//	     ↓
//	┌────────────────┐
//	│    Session     │  (upstream connect, relay, teardown)
//	└────────────────┘
//	     ↓
//	Generation service
//
// # Configuration
//
//	WebSocketConfig:
//	  - Host, Port: Listen address (default localhost:8000)
//	  - TLSConfig: Optional TLS termination
//	  - AuthTimeout: Wait for the auth frame (default 10s)
//	  - PingInterval, WriteTimeout, CloseTimeout: Per-connection I/O
//	  - Connector: Upstream connector
//	  - Limiter: Optional per-host upgrade limiter
//	  - ShutdownTimeout: Graceful shutdown timeout
//	  - Logger: Structured logger
//
// # Usage
//
//	connector := upstream.NewDialer(upstream.Config{Setup: store})
//
//	p, err := proxy.NewWebSocket(proxy.WebSocketConfig{
//		Host:      "localhost",
//		Port:      "8000",
//		Connector: connector,
//	}, simple.New(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := p.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// Cancelling the Listen context stops accepting connections, closes every
// live session with 1001 and waits for teardown up to ShutdownTimeout.
package proxy
