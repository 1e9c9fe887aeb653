// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestProxyError(t *testing.T) {
	cause := errors.New("dial tcp: refused")

	cases := []struct {
		desc     string
		err      *ProxyError
		wantCode int
		wantMsg  string
		wantStr  string
	}{
		{
			desc:     "explicit code and message",
			err:      New(CodeAuthTimeout, "Authentication timeout", ErrAuthTimeout),
			wantCode: CodeAuthTimeout,
			wantMsg:  "Authentication timeout",
			wantStr:  "[4001]: Authentication timeout",
		},
		{
			desc:     "zero code defaults to internal",
			err:      New(0, "Failed to connect to upstream", cause),
			wantCode: CodeInternal,
			wantMsg:  "Failed to connect to upstream",
			wantStr:  "[1011]: Failed to connect to upstream",
		},
		{
			desc:     "empty message uses cause",
			err:      New(CodeInternal, "", cause),
			wantCode: CodeInternal,
			wantMsg:  "dial tcp: refused",
			wantStr:  "[1011]: dial tcp: refused",
		},
		{
			desc:     "direction tag",
			err:      New(CodeInternal, "relay failed", ErrRelay).WithDirection("client→upstream"),
			wantCode: CodeInternal,
			wantMsg:  "relay failed",
			wantStr:  "client→upstream [1011]: relay failed",
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			if tc.err.Code != tc.wantCode {
				t.Errorf("Code = %d, want %d", tc.err.Code, tc.wantCode)
			}
			if tc.err.Message != tc.wantMsg {
				t.Errorf("Message = %q, want %q", tc.err.Message, tc.wantMsg)
			}
			if got := tc.err.Error(); got != tc.wantStr {
				t.Errorf("Error() = %q, want %q", got, tc.wantStr)
			}
		})
	}
}

func TestWithDirectionCopies(t *testing.T) {
	orig := New(CodeInternal, "x", nil)
	tagged := orig.WithDirection("upstream→client")
	if orig.Direction != "" {
		t.Errorf("original mutated: Direction = %q", orig.Direction)
	}
	if tagged.Direction != "upstream→client" {
		t.Errorf("Direction = %q", tagged.Direction)
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("session: %w", New(CodeAPIKeyMissing, "API key not found", ErrAuthFormat))

	if got := CodeOf(wrapped); got != CodeAPIKeyMissing {
		t.Errorf("CodeOf(wrapped) = %d, want %d", got, CodeAPIKeyMissing)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %d, want %d", got, CodeInternal)
	}
	if !errors.Is(wrapped, ErrAuthFormat) {
		t.Error("errors.Is does not reach the sentinel")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) != nil")
	}
	err := Wrap(ErrConnectionClosed, "forward")
	if !errors.Is(err, ErrConnectionClosed) {
		t.Error("Wrap lost the cause")
	}
	if err.Error() != "forward: connection closed" {
		t.Errorf("Error() = %q", err.Error())
	}
}
