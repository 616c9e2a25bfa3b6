// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for capchan packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout
// safety valve pattern (select with time.After fallback) so that
// individual tests do not need direct time.After calls. Every
// blocking channel receive and completion wait in the test suite
// goes through one of them; a transport bug then fails a test
// instead of hanging it.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation. Use it instead of time.Now() when tests need
// payload values that must be distinguishable across messages.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
