// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel provides typed, cross-process communication
// channels over a [transport.Transport], without either side knowing
// which concrete OS primitive backs the connection.
//
// [New] creates a connected [Sender] / [Receiver] pair. The type
// parameter is a compile-time tag fixing the payload type; it has no
// runtime representation. Values sent on one end arrive on the other
// in order, one logical value per message.
//
// Payloads may carry channel endpoints themselves: a Sender field
// inside a sent value arrives on the peer as an immediately usable,
// independent Sender for the same connection ("capability passing").
// The codec package handles the index substitution; this package
// just threads a fresh capability table through each Send and Recv.
//
// Two processes that do not yet share a channel bootstrap through a
// [OneShotServer]: one side creates the server and publishes its
// transport-assigned name out of band (argv, an environment of its
// choosing — not this package's concern); the other side resolves
// the name with [Connect] and sends a first message, typically
// carrying the senders for all further traffic.
//
// All operations are synchronous: Send is as blocking as the
// transport makes it, Recv and Accept block the calling goroutine
// until a message or connection arrives or the peer disconnects.
// There are no timeouts at this layer; close the receiver from
// another goroutine to abort a blocked Recv.
package channel
