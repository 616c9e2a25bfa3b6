// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
)

// ErrAlreadyAccepted reports a second Accept on a one-shot server.
var ErrAlreadyAccepted = errors.New("capchan: one-shot server already accepted")

// ConnectionError reports a failure to allocate transport resources
// or resolve a bootstrap name. Callers discriminate the cause through
// the wrapped error:
//
//	if errors.Is(err, transport.ErrNoListener) { ... }
type ConnectionError struct {
	// Op is the operation that failed: "channel", "connect",
	// "listen", or "clone".
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("capchan: %s: %v", e.Op, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError reports a failed Send: either the value could not be
// encoded (unsupported shape) or the transport could not deliver it
// (peer gone — errors.Is(err, transport.ErrDisconnected)).
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("capchan: send: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// RecvError reports a failed Recv. The wrapped error distinguishes
// the causes callers branch on:
//
//	errors.Is(err, transport.ErrDisconnected)  peer closed every sender clone
//	errors.Is(err, transport.ErrClosed)        this receiver closed locally
//	errors.Is(err, codec.ErrCapabilityIndex)   index out of range
//
// anything else wrapped is a malformed payload. Local close is a
// distinct cause, not a form of disconnection: a caller aborting a
// blocked Recv by closing the receiver from another goroutine sees
// ErrClosed, and code treating the two alike must test both
// sentinels.
type RecvError struct {
	Err error
}

func (e *RecvError) Error() string { return fmt.Sprintf("capchan: recv: %v", e.Err) }
func (e *RecvError) Unwrap() error { return e.Err }

// AcceptError reports a failed one-shot Accept: listener failure,
// first-message decode failure, or a repeated Accept
// (errors.Is(err, ErrAlreadyAccepted)).
type AcceptError struct {
	Err error
}

func (e *AcceptError) Error() string { return fmt.Sprintf("capchan: accept: %v", e.Err) }
func (e *AcceptError) Unwrap() error { return e.Err }
