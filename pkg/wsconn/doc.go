// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wsconn wraps gorilla websocket connections for the relay.
//
// # Connection State
//
// Every Conn owns one State that only moves forward:
//
//	Open → Closing → Closed
//
// Closing is entered when either side sends a close frame, Closed when the
// socket is released or a write fails. The relay asks a single question of
// a connection, through the StateReporter capability:
//
//	wsconn.IsOpen(conn) // true only if a send would currently be attempted
//
// IsOpen never blocks and treats nil reporters and panicking probes as
// closed.
//
// # Cancellation
//
// gorilla reads cannot take a context. CancelRead abandons a pending
// ReadFrame by expiring the read deadline; the write side stays usable so
// the relay can still send an error frame and close frame afterwards.
//
// # Closing
//
// CloseWithCode writes at most one close frame per connection, waits up to
// CloseTimeout for the peer's reply and releases the socket. Repeated calls
// are no-ops.
package wsconn
