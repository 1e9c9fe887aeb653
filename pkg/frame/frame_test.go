// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"bytes"
	"testing"

	"github.com/gorilla/websocket"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		messageType int
		payload     []byte
		wantKind    Kind
		wantParsed  bool
		wantErr     bool
	}{
		{
			name:        "json object",
			messageType: websocket.TextMessage,
			payload:     []byte(`{"realtime_input":{"media_chunks":[]}}`),
			wantKind:    Text,
			wantParsed:  true,
		},
		{
			name:        "json scalar",
			messageType: websocket.TextMessage,
			payload:     []byte(`42`),
			wantKind:    Text,
			wantParsed:  true,
		},
		{
			name:        "invalid json text",
			messageType: websocket.TextMessage,
			payload:     []byte(`not json {`),
			wantKind:    Text,
			wantErr:     true,
		},
		{
			name:        "binary",
			messageType: websocket.BinaryMessage,
			payload:     []byte{0x00, 0xff, 0x10},
			wantKind:    Binary,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := append([]byte(nil), tt.payload...)
			f := Classify(tt.messageType, tt.payload)

			if f.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", f.Kind, tt.wantKind)
			}
			if (f.Parsed != nil) != tt.wantParsed {
				t.Errorf("Parsed = %v, wantParsed %v", f.Parsed, tt.wantParsed)
			}
			if (f.ParseErr != nil) != tt.wantErr {
				t.Errorf("ParseErr = %v, wantErr %v", f.ParseErr, tt.wantErr)
			}
			if !bytes.Equal(f.Payload, original) {
				t.Errorf("payload modified: got %q, want %q", f.Payload, original)
			}
			if f.MessageType() != tt.messageType {
				t.Errorf("MessageType() = %d, want %d", f.MessageType(), tt.messageType)
			}
		})
	}
}

func TestDirectionString(t *testing.T) {
	if got := ClientToUpstream.String(); got != "client→upstream" {
		t.Errorf("ClientToUpstream.String() = %q", got)
	}
	if got := UpstreamToClient.String(); got != "upstream→client" {
		t.Errorf("UpstreamToClient.String() = %q", got)
	}
}

func TestNewDefersDecode(t *testing.T) {
	f := New(websocket.TextMessage, []byte(`{"a":1}`))
	if f.Decoded() || f.Parsed != nil {
		t.Fatalf("New() decoded the payload: %+v", f)
	}

	d := f.Decode()
	if !d.Decoded() || d.Parsed == nil {
		t.Errorf("Decode() did not parse valid JSON: %+v", d)
	}
	if f.Parsed != nil {
		t.Error("Decode() modified the receiver")
	}

	bad := New(websocket.TextMessage, []byte("not json")).Decode()
	if bad.ParseErr == nil || !bad.Decoded() {
		t.Errorf("Decode() of invalid JSON: %+v", bad)
	}

	bin := New(websocket.BinaryMessage, []byte{0x01}).Decode()
	if bin.Kind != Binary || bin.Decoded() {
		t.Errorf("binary frame decoded: %+v", bin)
	}
}
