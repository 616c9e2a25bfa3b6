// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the raw endpoint contract that typed
// channels are layered on, plus two implementations of it.
//
// A transport moves one logical message at a time between two
// processes (or two ends of one process). Each message is a byte
// payload plus an ordered list of capability handles, delivered
// together and in order by a single Send. That joint delivery is the
// invariant the channel layer's index substitution depends on: the
// handle at position i on the sending side is the handle at position
// i on the receiving side, always.
//
// [Unix] is the production implementation: SOCK_SEQPACKET unix-domain
// sockets, with capability handles carried as SCM_RIGHTS ancillary
// data on the same sendmsg call as the payload. Payloads too large
// for a single datagram are compressed and spilled into an anonymous
// memory segment whose descriptor rides along after the capability
// descriptors. Linux only.
//
// [Memory] is an in-process implementation for tests and same-process
// wiring. It has the same blocking, ordering, and disconnection
// semantics as the unix transport, enforced by the shared contract
// test, so code exercised against Memory behaves identically over
// Unix.
package transport
