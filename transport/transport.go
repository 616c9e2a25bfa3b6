// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "errors"

// Sentinel errors shared by all transport implementations. Callers
// discriminate with errors.Is; implementations may wrap these with
// additional context.
var (
	// ErrDisconnected reports that the peer end of a connection is
	// gone: a Send whose receiver has closed, or a Recv after every
	// sender clone has closed and all buffered messages are drained.
	ErrDisconnected = errors.New("transport: peer disconnected")

	// ErrClosed reports an operation on an endpoint that was closed
	// locally. Closing a Receiver unblocks a pending Recv with this
	// error.
	ErrClosed = errors.New("transport: endpoint closed")

	// ErrNoListener reports a Connect to a bootstrap name with no
	// live listener behind it — never created, already accepted, or
	// closed.
	ErrNoListener = errors.New("transport: no listener at name")
)

// Sender is the raw sending end of a point-to-point connection.
// Senders are cloneable and may themselves travel as capabilities
// inside another sender's message.
type Sender interface {
	// Send delivers payload and caps to the peer as one atomic
	// message. The caps arrive together with the payload and in the
	// same order: position i on the sending side is position i on
	// the receiving side. Send duplicates the caps into the message
	// — the caller keeps ownership of the handles it passed and may
	// close them afterwards without invalidating the in-flight
	// message. Fails with ErrDisconnected when the peer receiver is
	// closed.
	Send(payload []byte, caps []Sender) error

	// Clone returns an independent handle to the same connection.
	// Closing one clone does not affect the others; the peer
	// observes disconnection only after every clone is closed.
	Clone() (Sender, error)

	// Close releases the handle. Safe to call more than once.
	Close() error
}

// Receiver is the raw receiving end of a point-to-point connection.
// Receivers are not cloneable: exactly one logical consumer owns a
// receiver at a time.
type Receiver interface {
	// Recv blocks until a message arrives, the peer disconnects
	// (ErrDisconnected, after buffered messages are drained), or the
	// receiver is closed from another goroutine (ErrClosed). The
	// returned caps are owned by the caller, which must close them.
	Recv() (payload []byte, caps []Sender, err error)

	// Close releases the endpoint and unblocks a pending Recv.
	// Buffered messages that were never received are discarded and
	// their capability handles closed.
	Close() error
}

// Listener is a one-shot bootstrap endpoint. It accepts exactly one
// connection; afterwards its name is dead and further Connect calls
// against it fail with ErrNoListener.
type Listener interface {
	// Accept blocks for one inbound connection and that connection's
	// first message, then retires the listener's name. A second call
	// fails with ErrClosed. The returned caps are owned by the
	// caller.
	Accept() (Receiver, []byte, []Sender, error)

	// Name returns the transport-assigned bootstrap name to publish
	// out of band. Opaque: meaningful only to Connect on the same
	// transport.
	Name() string

	// Close retires the listener without accepting. Unblocks a
	// pending Accept with ErrClosed.
	Close() error
}

// Transport creates connected endpoint pairs and resolves bootstrap
// names. Implementations must guarantee point-to-point FIFO ordering
// per connection and atomic joint delivery of payload bytes and
// capability handles; see the package documentation.
type Transport interface {
	// Pair allocates a connected Sender/Receiver pair.
	Pair() (Sender, Receiver, error)

	// Connect resolves a bootstrap name published by a Listener into
	// a sender for that connection. Fails with ErrNoListener when no
	// listener is live at the name.
	Connect(name string) (Sender, error)

	// Listen allocates a one-shot bootstrap endpoint with a fresh
	// transport-assigned name.
	Listen() (Listener, error)
}
