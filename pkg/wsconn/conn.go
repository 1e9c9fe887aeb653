// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	relayerrors "github.com/absmach/liverelay/pkg/errors"
	"github.com/absmach/liverelay/pkg/frame"
	"github.com/gorilla/websocket"
)

// maxReasonLen is the largest close reason that fits a control frame
// (125 byte payload minus the 2 byte code).
const maxReasonLen = 123

// Config holds per-connection I/O settings.
type Config struct {
	// WriteTimeout bounds every data frame write. Zero disables the deadline.
	WriteTimeout time.Duration

	// CloseTimeout bounds the close frame write and the wait for the
	// peer's close reply.
	CloseTimeout time.Duration

	Logger *slog.Logger
}

// Conn wraps a gorilla websocket connection with a monotonic state.
// Reads must come from a single goroutine and data writes from a single
// (possibly different) goroutine; control frames may be written from any
// goroutine.
type Conn struct {
	ws     *websocket.Conn
	config Config

	state         atomic.Int32
	readCancelled atomic.Bool
	lastPong      atomic.Int64

	closeOnce   sync.Once
	releaseOnce sync.Once
}

var _ StateReporter = (*Conn)(nil)

// New wraps an established websocket connection. The returned Conn is Open.
func New(ws *websocket.Conn, cfg Config) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 5 * time.Second
	}

	c := &Conn{
		ws:     ws,
		config: cfg,
	}
	c.state.Store(int32(Open))
	c.lastPong.Store(time.Now().UnixNano())

	ws.SetCloseHandler(func(code int, text string) error {
		// Peer initiated the closing handshake; echo its code once.
		c.advance(Closing)
		c.closeOnce.Do(func() {
			msg := websocket.FormatCloseMessage(code, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.config.CloseTimeout))
		})
		return nil
	})
	ws.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	return c
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsOpen reports whether a data frame write would currently be attempted.
func (c *Conn) IsOpen() bool {
	if c == nil {
		return false
	}
	return c.State() == Open
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// advance moves the state forward; it never moves backward.
func (c *Conn) advance(to State) {
	for {
		cur := c.state.Load()
		if State(cur) >= to {
			return
		}
		if c.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// SetReadDeadline sets the deadline for the next ReadFrame.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// ReadFrame blocks until the next message arrives. The frame is not
// decoded; see frame.Frame.Decode.
func (c *Conn) ReadFrame() (frame.Frame, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		var ne net.Error
		switch {
		case errors.As(err, &ce):
			c.advance(Closing)
		case errors.As(err, &ne) && ne.Timeout():
			// Deadline expiry leaves the write side usable.
		default:
			c.advance(Closed)
		}
		return frame.Frame{}, err
	}
	return frame.New(mt, data), nil
}

// CancelRead abandons a pending ReadFrame. The blocked read returns a
// timeout error and ReadCancelled reports true afterwards.
func (c *Conn) CancelRead() {
	c.readCancelled.Store(true)
	_ = c.ws.SetReadDeadline(time.Now())
}

// ReadCancelled reports whether CancelRead was called.
func (c *Conn) ReadCancelled() bool {
	return c.readCancelled.Load()
}

// WriteFrame sends f unchanged.
func (c *Conn) WriteFrame(f frame.Frame) error {
	if !c.IsOpen() {
		return relayerrors.ErrConnectionClosed
	}
	if c.config.WriteTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			c.advance(Closed)
			return err
		}
	}
	if err := c.ws.WriteMessage(f.MessageType(), f.Payload); err != nil {
		c.advance(Closed)
		return err
	}
	return nil
}

// WriteText sends a text frame.
func (c *Conn) WriteText(payload []byte) error {
	return c.WriteFrame(frame.Frame{Kind: frame.Text, Payload: payload})
}

// WriteError sends a {"error": msg} text frame.
func (c *Conn) WriteError(msg string) error {
	payload, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return err
	}
	return c.WriteText(payload)
}

// CloseWithCode performs the closing handshake and releases the socket.
// Only the first call (or a peer-initiated close) writes a close frame;
// later calls are no-ops. It reads while waiting for the peer's reply, so
// it must not run concurrently with ReadFrame.
func (c *Conn) CloseWithCode(code int, reason string) error {
	var err error
	initiated := false
	c.closeOnce.Do(func() {
		if c.State() == Closed {
			return
		}
		initiated = true
		c.advance(Closing)
		msg := websocket.FormatCloseMessage(code, truncateReason(reason))
		err = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.config.CloseTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})

	if initiated && err == nil {
		c.awaitPeerClose()
	}

	if rerr := c.Close(); err == nil {
		err = rerr
	}
	return err
}

// awaitPeerClose drains the connection until the peer's close reply
// arrives, the read side fails, or CloseTimeout elapses.
func (c *Conn) awaitPeerClose() {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.config.CloseTimeout)); err != nil {
		return
	}
	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			return
		}
	}
}

// Close releases the underlying socket without a closing handshake.
// It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.releaseOnce.Do(func() {
		c.advance(Closed)
		err = c.ws.Close()
	})
	return err
}

func truncateReason(reason string) string {
	if len(reason) <= maxReasonLen {
		return reason
	}
	cut := maxReasonLen
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
