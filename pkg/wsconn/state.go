// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsconn

// State is the lifecycle state of a connection. States only move forward.
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateReporter is implemented by anything that can tell whether a frame
// sent to it right now would be attempted.
type StateReporter interface {
	IsOpen() bool
}

// IsOpen reports whether r is usable for I/O. It never blocks or panics: a
// nil reporter or a panicking probe counts as closed.
func IsOpen(r StateReporter) (open bool) {
	if r == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			open = false
		}
	}()
	return r.IsOpen()
}
