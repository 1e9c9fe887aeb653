// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newPair returns the server side of a websocket connection wrapped in a
// Conn together with the raw client side.
func newPair(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case ws := <-accepted:
		return New(ws, Config{WriteTimeout: time.Second, CloseTimeout: time.Second}), client
	case <-time.After(2 * time.Second):
		t.Fatal("server side not accepted")
	}
	return nil, nil
}

type panickingReporter struct{}

func (panickingReporter) IsOpen() bool { panic("probe failed") }

func TestIsOpen(t *testing.T) {
	var nilConn *Conn

	tests := []struct {
		name string
		r    StateReporter
		want bool
	}{
		{name: "nil reporter", r: nil, want: false},
		{name: "nil conn", r: nilConn, want: false},
		{name: "panicking probe", r: panickingReporter{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOpen(tt.r); got != tt.want {
				t.Errorf("IsOpen() = %v, want %v", got, tt.want)
			}
		})
	}

	conn, _ := newPair(t)
	if !IsOpen(conn) {
		t.Error("expected new connection to be open")
	}
	conn.Close()
	if IsOpen(conn) {
		t.Error("expected released connection to be closed")
	}
	if conn.State() != Closed {
		t.Errorf("State() = %v, want %v", conn.State(), Closed)
	}
}

func TestReadWriteFrame(t *testing.T) {
	conn, client := newPair(t)

	if err := client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	f, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if err := conn.WriteFrame(f); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	mt, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if mt != websocket.BinaryMessage || string(data) != "\x01\x02\x03" {
		t.Errorf("got (%d, %v), want binary [1 2 3]", mt, data)
	}
}

func TestCancelRead(t *testing.T) {
	conn, client := newPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := conn.ReadFrame()
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	conn.CancelRead()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error from cancelled read")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled read did not return")
	}

	if !conn.ReadCancelled() {
		t.Error("expected ReadCancelled() to be true")
	}
	if !conn.IsOpen() {
		t.Error("cancelled read must leave the connection open for writes")
	}
	if err := conn.WriteText([]byte(`{"ok":true}`)); err != nil {
		t.Fatalf("write after cancel failed: %v", err)
	}
	if _, data, err := client.ReadMessage(); err != nil || string(data) != `{"ok":true}` {
		t.Errorf("client read = %q, %v", data, err)
	}
}

func TestPeerClose(t *testing.T) {
	conn, client := newPair(t)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("client close failed: %v", err)
	}

	_, err := conn.ReadFrame()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseNormalClosure)
	}
	if conn.IsOpen() {
		t.Error("expected connection not to be open after peer close")
	}
	if err := conn.WriteText([]byte("late")); err == nil {
		t.Error("expected write to closing connection to fail")
	}
}

func TestCloseWithCodeIdempotent(t *testing.T) {
	conn, client := newPair(t)

	readErr := make(chan error, 1)
	go func() {
		_, _, err := client.ReadMessage()
		readErr <- err
	}()

	if err := conn.CloseWithCode(4001, "Authentication timeout"); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := conn.CloseWithCode(1011, "second"); err != nil {
		t.Fatalf("second close returned error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close after CloseWithCode returned error: %v", err)
	}

	select {
	case err := <-readErr:
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close error, got %v", err)
		}
		if ce.Code != 4001 || ce.Text != "Authentication timeout" {
			t.Errorf("got close (%d, %q), want (4001, %q)", ce.Code, ce.Text, "Authentication timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe close")
	}

	if conn.State() != Closed {
		t.Errorf("State() = %v, want %v", conn.State(), Closed)
	}
}

func TestTruncateReason(t *testing.T) {
	short := "upstream unavailable"
	if got := truncateReason(short); got != short {
		t.Errorf("truncateReason(%q) = %q", short, got)
	}

	long := strings.Repeat("é", 100)
	got := truncateReason(long)
	if len(got) > maxReasonLen {
		t.Errorf("len = %d, want <= %d", len(got), maxReasonLen)
	}
	if !strings.HasPrefix(long, got) || len(got)%2 != 0 {
		t.Errorf("truncation split a rune: %q", got)
	}
}

func TestWriteError(t *testing.T) {
	conn, client := newPair(t)
	defer conn.Close()

	if err := conn.WriteError(`bad "key"`); err != nil {
		t.Fatalf("WriteError() error = %v", err)
	}

	mt, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if mt != websocket.TextMessage {
		t.Errorf("message type = %d, want text", mt)
	}
	if want := `{"error":"bad \"key\""}`; string(data) != want {
		t.Errorf("payload = %s, want %s", data, want)
	}
}

func TestKeepAliveAfterIdleStart(t *testing.T) {
	conn, client := newPair(t)

	// Both sides read so pings are answered and pongs observed.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if _, err := conn.ReadFrame(); err != nil {
				return
			}
		}
	}()

	// Time spent before relaying must not count against the pong window.
	time.Sleep(250 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.StartKeepAlive(ctx, 100*time.Millisecond)

	time.Sleep(450 * time.Millisecond)
	if got := conn.State(); got != Open {
		t.Errorf("responsive connection state = %v, want %v", got, Open)
	}
}

func TestKeepAliveClosesSilentPeer(t *testing.T) {
	conn, _ := newPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.StartKeepAlive(ctx, 50*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != Closed {
		if time.Now().After(deadline) {
			t.Fatalf("silent peer not closed, state = %v", conn.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
