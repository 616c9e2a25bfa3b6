// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"

	"github.com/bureau-foundation/capchan/codec"
	"github.com/bureau-foundation/capchan/transport"
)

// Compile-time checks that senders participate in capability passing.
var (
	_ codec.CapabilityMarshaler   = Sender[int]{}
	_ codec.CapabilityUnmarshaler = (*Sender[int])(nil)
)

// New creates a connected typed channel pair over tp. The two ends
// are independent after creation; closing one side makes subsequent
// operations on the peer fail, but has no other effect on it.
func New[T any](tp transport.Transport) (*Sender[T], *Receiver[T], error) {
	rawSender, rawReceiver, err := tp.Pair()
	if err != nil {
		return nil, nil, &ConnectionError{Op: "channel", Err: err}
	}
	return &Sender[T]{raw: rawSender}, &Receiver[T]{raw: rawReceiver}, nil
}

// Connect resolves a bootstrap name published by a [OneShotServer]
// into a usable sender. Fails when no listener is live at the name
// (errors.Is(err, transport.ErrNoListener)).
func Connect[T any](tp transport.Transport, name string) (*Sender[T], error) {
	raw, err := tp.Connect(name)
	if err != nil {
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	return &Sender[T]{raw: raw}, nil
}

// Sender is the typed sending end of a channel. The type parameter
// fixes the payload type at compile time and has no runtime
// representation. Senders are cloneable, and travel as capabilities
// when placed inside a payload sent on another channel.
//
// A Sender is safe for use from multiple goroutines only to the
// extent the underlying transport endpoint is; clone it instead of
// sharing it.
type Sender[T any] struct {
	raw transport.Sender
}

// Send encodes value and delivers it to the peer as one atomic
// message. Each call uses a fresh capability table: nested senders
// inside value are recorded in it during encoding and handed to the
// transport alongside the bytes, then the table is discarded —
// success or failure, nothing carries over to a later Send.
//
// Fails with *SendError when the value has an unsupported shape or
// the peer receiver is gone.
func (s *Sender[T]) Send(value T) error {
	if s.raw == nil {
		return &SendError{Err: transport.ErrClosed}
	}
	table := codec.NewCapTable()
	payload, err := codec.MarshalWithCaps(value, table)
	if err != nil {
		return &SendError{Err: err}
	}
	if err := s.raw.Send(payload, table.Handles()); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

// Clone returns an independent sender for the same channel. Closing
// one clone does not affect the others; the receiver observes
// disconnection only after every clone is closed.
func (s *Sender[T]) Clone() (*Sender[T], error) {
	if s.raw == nil {
		return nil, &ConnectionError{Op: "clone", Err: transport.ErrClosed}
	}
	raw, err := s.raw.Clone()
	if err != nil {
		return nil, &ConnectionError{Op: "clone", Err: err}
	}
	return &Sender[T]{raw: raw}, nil
}

// Close releases the sender. Safe to call more than once.
func (s *Sender[T]) Close() error {
	if s.raw == nil {
		return nil
	}
	return s.raw.Close()
}

// MarshalCapability implements [codec.CapabilityMarshaler]: a sender
// inside a payload transmits as its raw handle, not as bytes.
func (s Sender[T]) MarshalCapability() (transport.Sender, error) {
	if s.raw == nil {
		return nil, errors.New("capchan: cannot transmit a zero Sender")
	}
	return s.raw, nil
}

// UnmarshalCapability implements [codec.CapabilityUnmarshaler],
// taking ownership of raw. The decoded sender is independent of the
// one the peer holds.
func (s *Sender[T]) UnmarshalCapability(raw transport.Sender) error {
	s.raw = raw
	return nil
}

// Receiver is the typed receiving end of a channel. Receivers are
// not cloneable and are owned by exactly one logical consumer.
type Receiver[T any] struct {
	raw transport.Receiver
}

// Recv blocks until the peer's next message arrives, then decodes it.
// The capability list delivered with the message becomes the call's
// capability table: senders decoded out of the payload hold
// independent clones of its handles, and the table itself is closed
// before Recv returns — success or failure, no handle state survives
// the call.
//
// Fails with *RecvError wrapping transport.ErrDisconnected when the
// peer has closed every sender clone and the buffer is drained,
// transport.ErrClosed when this receiver was closed locally (the way
// a blocked Recv is aborted), codec.ErrCapabilityIndex when the
// payload references a capability that was not delivered, and a
// decode error when the payload is malformed.
func (r *Receiver[T]) Recv() (T, error) {
	var zero T
	if r.raw == nil {
		return zero, &RecvError{Err: transport.ErrClosed}
	}
	payload, caps, err := r.raw.Recv()
	if err != nil {
		return zero, &RecvError{Err: err}
	}

	table := codec.NewCapTable(caps...)
	defer table.Close()

	var value T
	if err := codec.UnmarshalWithCaps(payload, table, &value); err != nil {
		return zero, &RecvError{Err: err}
	}
	return value, nil
}

// Close releases the receiver and unblocks a pending Recv. Messages
// never received are discarded. Safe to call more than once.
func (r *Receiver[T]) Close() error {
	if r.raw == nil {
		return nil
	}
	return r.raw.Close()
}
