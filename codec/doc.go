// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec converts typed values to and from the CBOR wire
// payload of a channel message, interleaving an in-band byte stream
// with an out-of-band capability list.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Same logical data always produces identical bytes. Plain
// buffer operations use [Marshal] and [Unmarshal], identical in
// behavior to any other CBOR value.
//
// Channel payloads go through [MarshalWithCaps] and
// [UnmarshalWithCaps] instead. These thread a [CapTable] — the
// per-message capability table — through the traversal of the value.
// Any field implementing [CapabilityMarshaler] (a channel sending
// endpoint) is not written as bytes: its raw handle is appended to
// the table and the handle's 0-based position is written in its place
// as a CBOR tag. Index assignment order is first-encountered order,
// which is deterministic for a given value shape (struct fields in
// declaration order). Decoding resolves each tag by position against
// the capability list delivered with the message; an index with no
// matching entry fails with [ErrCapabilityIndex], never a panic.
//
// The table is an explicit per-call object, created by the channel
// layer for one encode or one decode and discarded afterwards. There
// is no package-level or per-goroutine serialization state; two
// concurrent sends cannot observe each other's tables because no
// shared table exists.
//
// # Struct Tag Rules
//
// Field naming follows the `cbor` struct tag, falling back to the
// `json` tag, falling back to the field name. "-" skips a field and
// ",omitempty" elides zero values. Map keys must be strings.
package codec
