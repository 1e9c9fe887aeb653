// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	relayerrors "github.com/absmach/liverelay/pkg/errors"
	"github.com/absmach/liverelay/pkg/wsconn"
	"github.com/gorilla/websocket"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantRaw bool
		wantKey string
		wantURL string
	}{
		{
			name:    "raw key",
			data:    "AIzaRawKey",
			wantRaw: true,
			wantKey: "AIzaRawKey",
		},
		{
			name:    "json scalar is raw",
			data:    `"quoted"`,
			wantRaw: true,
			wantKey: `"quoted"`,
		},
		{
			name:    "api key with service url",
			data:    `{"api_key":"K","service_url":"wss://x"}`,
			wantKey: "K",
			wantURL: "wss://x",
		},
		{
			name:    "bearer token wrapping json",
			data:    `{"bearer_token":"{\"api_key\":\"B\"}","api_key":"ignored"}`,
			wantKey: "B",
		},
		{
			name:    "opaque bearer token",
			data:    `{"bearer_token":"tok-123"}`,
			wantKey: "tok-123",
		},
		{
			name:    "empty bearer falls back to api key",
			data:    `{"bearer_token":"","api_key":"K2"}`,
			wantKey: "K2",
		},
		{
			name:    "no key",
			data:    `{"service_url":"wss://x"}`,
			wantKey: "",
			wantURL: "wss://x",
		},
		{
			name:    "non string key ignored",
			data:    `{"api_key":42}`,
			wantKey: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParsePayload([]byte(tt.data))
			if p.IsRaw() != tt.wantRaw {
				t.Errorf("IsRaw() = %v, want %v", p.IsRaw(), tt.wantRaw)
			}
			if got := p.APIKey(); got != tt.wantKey {
				t.Errorf("APIKey() = %q, want %q", got, tt.wantKey)
			}
			if got := p.ServiceURL(); got != tt.wantURL {
				t.Errorf("ServiceURL() = %q, want %q", got, tt.wantURL)
			}
		})
	}
}

func TestMaskKey(t *testing.T) {
	if got := MaskKey("AIzaSecret1234"); got != "****1234" {
		t.Errorf("MaskKey() = %q", got)
	}
	if got := MaskKey("abc"); got != "****" {
		t.Errorf("MaskKey(short) = %q", got)
	}
}

func newPair(t *testing.T) (*wsconn.Conn, *websocket.Conn) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
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
		conn := wsconn.New(ws, wsconn.Config{WriteTimeout: time.Second, CloseTimeout: time.Second})
		t.Cleanup(func() { conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side not accepted")
	}
	return nil, nil
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantKey string
		wantURL string
	}{
		{name: "raw", frame: "k1", wantKey: "k1"},
		{name: "structured", frame: `{"api_key":"k2","service_url":"wss://custom/x"}`, wantKey: "k2", wantURL: "wss://custom/x"},
		{name: "bearer", frame: `{"bearer_token":"{\"api_key\":\"k3\"}"}`, wantKey: "k3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, client := newPair(t)
			if err := client.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
				t.Fatal(err)
			}

			g := NewGate(GateConfig{Timeout: time.Second})
			creds, err := g.Authenticate(context.Background(), conn)
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if creds.APIKey != tt.wantKey || creds.ServiceURL != tt.wantURL {
				t.Errorf("creds = %+v, want key %q url %q", creds, tt.wantKey, tt.wantURL)
			}
			if !conn.IsOpen() {
				t.Error("connection must stay open after authentication")
			}
		})
	}
}

// expectRejection reads the error frame and close frame the client receives.
func expectRejection(t *testing.T, client *websocket.Conn, wantCode int, wantMsg string) {
	t.Helper()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("expected error frame, got %v", err)
	}
	if want := `{"error":"` + wantMsg + `"}`; string(data) != want {
		t.Errorf("error frame = %s, want %s", data, want)
	}

	_, _, err = client.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close, got %v", err)
	}
	if ce.Code != wantCode || ce.Text != wantMsg {
		t.Errorf("close = %d %q, want %d %q", ce.Code, ce.Text, wantCode, wantMsg)
	}
}

func TestAuthenticateTimeout(t *testing.T) {
	conn, client := newPair(t)

	g := NewGate(GateConfig{Timeout: 50 * time.Millisecond})
	_, err := g.Authenticate(context.Background(), conn)

	if !errors.Is(err, relayerrors.ErrAuthTimeout) {
		t.Errorf("error = %v, want ErrAuthTimeout", err)
	}
	if code := relayerrors.CodeOf(err); code != relayerrors.CodeAuthTimeout {
		t.Errorf("code = %d, want %d", code, relayerrors.CodeAuthTimeout)
	}
	expectRejection(t, client, relayerrors.CodeAuthTimeout, "Authentication timeout")
}

func TestAuthenticateMissingKey(t *testing.T) {
	conn, client := newPair(t)
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"service_url":"wss://x"}`)); err != nil {
		t.Fatal(err)
	}

	g := NewGate(GateConfig{Timeout: time.Second})
	_, err := g.Authenticate(context.Background(), conn)

	if !errors.Is(err, relayerrors.ErrAuthFormat) {
		t.Errorf("error = %v, want ErrAuthFormat", err)
	}
	expectRejection(t, client, relayerrors.CodeAPIKeyMissing, "API key not found")
}

func TestAuthenticateClientGone(t *testing.T) {
	conn, client := newPair(t)
	client.Close()

	g := NewGate(GateConfig{Timeout: time.Second})
	_, err := g.Authenticate(context.Background(), conn)
	if !errors.Is(err, relayerrors.ErrConnectionClosed) {
		t.Errorf("error = %v, want ErrConnectionClosed", err)
	}
}

func TestAuthenticateCancelled(t *testing.T) {
	conn, _ := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	g := NewGate(GateConfig{Timeout: time.Minute})
	_, err := g.Authenticate(ctx, conn)
	if !errors.Is(err, relayerrors.ErrConnectionClosed) {
		t.Errorf("error = %v, want ErrConnectionClosed", err)
	}
}
