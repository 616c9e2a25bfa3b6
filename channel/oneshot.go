// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"sync"

	"github.com/bureau-foundation/capchan/codec"
	"github.com/bureau-foundation/capchan/transport"
)

// OneShotServer is an ephemeral bootstrap endpoint: it accepts
// exactly one connection and that connection's first message, then
// its name is dead. Used to establish a first channel between
// processes that do not yet share one — the first message typically
// carries the senders for all further traffic.
type OneShotServer[T any] struct {
	mu       sync.Mutex
	accepted bool
	listener transport.Listener
}

// NewOneShotServer allocates a bootstrap endpoint on tp and returns
// it with its transport-assigned name. Publishing the name is the
// caller's concern; it is an opaque token meaningful only to
// [Connect] on the same transport.
func NewOneShotServer[T any](tp transport.Transport) (*OneShotServer[T], string, error) {
	listener, err := tp.Listen()
	if err != nil {
		return nil, "", &ConnectionError{Op: "listen", Err: err}
	}
	return &OneShotServer[T]{listener: listener}, listener.Name(), nil
}

// Accept blocks for the one incoming connection, decodes its first
// message the same way [Receiver.Recv] does, and returns a regular
// receiver for all subsequent traffic plus the decoded first value.
//
// A server accepts once. A second call fails immediately with
// *AcceptError wrapping ErrAlreadyAccepted, and once Accept has
// returned, connecting to the server's name fails with
// transport.ErrNoListener.
func (s *OneShotServer[T]) Accept() (*Receiver[T], T, error) {
	var zero T

	s.mu.Lock()
	if s.accepted {
		s.mu.Unlock()
		return nil, zero, &AcceptError{Err: ErrAlreadyAccepted}
	}
	s.accepted = true
	s.mu.Unlock()

	raw, payload, caps, err := s.listener.Accept()
	if err != nil {
		return nil, zero, &AcceptError{Err: err}
	}

	table := codec.NewCapTable(caps...)
	defer table.Close()

	var first T
	if err := codec.UnmarshalWithCaps(payload, table, &first); err != nil {
		raw.Close()
		return nil, zero, &AcceptError{Err: err}
	}
	return &Receiver[T]{raw: raw}, first, nil
}

// Close retires the server without accepting; its name dies and a
// pending Accept unblocks with an error.
func (s *OneShotServer[T]) Close() error {
	return s.listener.Close()
}
