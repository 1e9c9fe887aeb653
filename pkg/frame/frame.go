// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frame classifies relayed WebSocket messages. Classification is
// diagnostic only: the payload is never modified.
package frame

import (
	"encoding/json"
	"log/slog"

	"github.com/gorilla/websocket"
)

// Kind is the framing of a WebSocket message.
type Kind int

const (
	Text Kind = iota
	Binary
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Binary:
		return "binary"
	default:
		return "unknown"
	}
}

// Direction indicates the direction of frame flow through a session.
type Direction int

const (
	// ClientToUpstream represents frames flowing from the client to the remote service.
	ClientToUpstream Direction = iota

	// UpstreamToClient represents frames flowing from the remote service to the client.
	UpstreamToClient
)

// String returns the direction name used in logs and errors.
func (d Direction) String() string {
	switch d {
	case ClientToUpstream:
		return "client→upstream"
	case UpstreamToClient:
		return "upstream→client"
	default:
		return "unknown"
	}
}

// Frame is one message read from a connection.
type Frame struct {
	Kind    Kind
	Payload []byte

	// Parsed holds the decoded JSON value of a text frame, nil if the
	// payload is not JSON.
	Parsed any

	// ParseErr is the reason a text frame could not be decoded.
	ParseErr error
}

// New builds an undecoded Frame from a gorilla message type and payload.
func New(messageType int, payload []byte) Frame {
	if messageType != websocket.TextMessage {
		return Frame{Kind: Binary, Payload: payload}
	}
	return Frame{Kind: Text, Payload: payload}
}

// Classify builds a Frame from a gorilla message type and payload. Text
// payloads are decoded as generic JSON for logging; decode failures are kept
// on the frame and never reported as errors.
func Classify(messageType int, payload []byte) Frame {
	return New(messageType, payload).Decode()
}

// Decode returns f with its text payload decoded. Binary frames and frames
// already decoded are returned as is.
func (f Frame) Decode() Frame {
	if f.Kind != Text || f.Decoded() {
		return f
	}
	var v any
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		f.ParseErr = err
		return f
	}
	f.Parsed = v
	return f
}

// Decoded reports whether Decode has run on a text frame.
func (f Frame) Decoded() bool {
	return f.Parsed != nil || f.ParseErr != nil
}

// MessageType returns the gorilla message type to forward the frame with.
func (f Frame) MessageType() int {
	if f.Kind == Text {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

// Size returns the payload length in bytes.
func (f Frame) Size() int {
	return len(f.Payload)
}

// LogValue implements slog.LogValuer.
func (f Frame) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", f.Kind.String()),
		slog.Int("size", len(f.Payload)),
	}
	if f.Kind == Text && f.Decoded() {
		attrs = append(attrs, slog.Bool("json", f.ParseErr == nil))
		if f.ParseErr != nil {
			attrs = append(attrs, slog.String("parse_error", f.ParseErr.Error()))
		}
	}
	return slog.GroupValue(attrs...)
}
