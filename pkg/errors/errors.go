// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for liverelay.
package errors

import (
	"errors"
	"fmt"
)

// WebSocket close codes used by the relay.
const (
	CodeNormal          = 1000
	CodeGoingAway       = 1001
	CodePolicyViolation = 1008
	CodeInternal        = 1011
	CodeAPIKeyMissing   = 4000
	CodeAuthTimeout     = 4001
)

// Common error types
var (
	// ErrAuthTimeout indicates the client sent no auth frame in time.
	ErrAuthTimeout = errors.New("authentication timeout")

	// ErrAuthFormat indicates no API key could be extracted from the auth frame.
	ErrAuthFormat = errors.New("API key not found")

	// ErrUnauthorized indicates the authorization hook rejected the session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUpstreamConnect indicates the upstream connection could not be established.
	ErrUpstreamConnect = errors.New("upstream connection failed")

	// ErrRelay indicates a send or receive failure while relaying.
	ErrRelay = errors.New("relay failed")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")
)

// ProxyError is a fatal session condition together with the close code
// that is reported to the client.
type ProxyError struct {
	Code      int    // WebSocket close code
	Message   string // Human readable reason, sent to the client
	Direction string // Forwarding direction, empty outside the relay loops
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Direction != "" {
		return fmt.Sprintf("%s [%d]: %s", e.Direction, e.Code, msg)
	}
	return fmt.Sprintf("[%d]: %s", e.Code, msg)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError. A zero code defaults to CodeInternal and an
// empty message defaults to the cause's text.
func New(code int, message string, err error) *ProxyError {
	if code == 0 {
		code = CodeInternal
	}
	if message == "" && err != nil {
		message = err.Error()
	}
	return &ProxyError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDirection returns a copy of e tagged with a forwarding direction.
func (e *ProxyError) WithDirection(dir string) *ProxyError {
	c := *e
	c.Direction = dir
	return &c
}

// CodeOf returns the close code carried by err, or CodeInternal when err is
// not a ProxyError.
func CodeOf(err error) int {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
