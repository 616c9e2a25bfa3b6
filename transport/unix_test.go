// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"bytes"
	"testing"
)

func TestUnixContract(t *testing.T) {
	testTransportContract(t, func(t *testing.T) Transport {
		tp, err := NewUnix()
		if err != nil {
			t.Fatalf("NewUnix: %v", err)
		}
		t.Cleanup(func() { tp.Cleanup() })
		return tp
	})
}

// TestUnixSegmentSpill sends a payload well past the inline limit and
// verifies it round-trips through the memfd segment path, with a
// capability riding along on the same message (the segment descriptor
// must not disturb capability indices).
func TestUnixSegmentSpill(t *testing.T) {
	tp, err := NewUnix()
	if err != nil {
		t.Fatalf("NewUnix: %v", err)
	}
	t.Cleanup(func() { tp.Cleanup() })

	sender, receiver, err := tp.Pair()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	defer sender.Close()
	defer receiver.Close()

	innerSender, innerReceiver, err := tp.Pair()
	if err != nil {
		t.Fatalf("inner Pair: %v", err)
	}
	defer innerSender.Close()
	defer innerReceiver.Close()

	// Incompressible-ish payload: repeating but long enough that the
	// spill path engages regardless of what zstd makes of it.
	want := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB
	if err := sender.Send(want, []Sender{innerSender}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, caps, err := receiver.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(want))
	}
	if len(caps) != 1 {
		t.Fatalf("got %d capabilities, want 1", len(caps))
	}
	if err := caps[0].Send([]byte("cap survived the spill"), nil); err != nil {
		t.Fatalf("send on received capability: %v", err)
	}
	marker, _, err := innerReceiver.Recv()
	if err != nil {
		t.Fatalf("inner Recv: %v", err)
	}
	if string(marker) != "cap survived the spill" {
		t.Errorf("got %q", marker)
	}
	caps[0].Close()
}

// TestUnixSpillBoundary exercises payloads just below and just above
// the inline limit.
func TestUnixSpillBoundary(t *testing.T) {
	tp, err := NewUnix()
	if err != nil {
		t.Fatalf("NewUnix: %v", err)
	}
	t.Cleanup(func() { tp.Cleanup() })

	sender, receiver, err := tp.Pair()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	defer sender.Close()
	defer receiver.Close()

	for _, size := range []int{maxInlinePayload - 1, maxInlinePayload, maxInlinePayload + 1} {
		want := bytes.Repeat([]byte{0xAB}, size)
		if err := sender.Send(want, nil); err != nil {
			t.Fatalf("Send %d bytes: %v", size, err)
		}
		got, _, err := receiver.Recv()
		if err != nil {
			t.Fatalf("Recv %d bytes: %v", size, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%d-byte payload mismatch: got %d bytes", size, len(got))
		}
	}
}

// TestUnixCloneIndependence verifies clones hold independent
// descriptors: closing one leaves the other connected.
func TestUnixCloneIndependence(t *testing.T) {
	tp, err := NewUnix()
	if err != nil {
		t.Fatalf("NewUnix: %v", err)
	}
	t.Cleanup(func() { tp.Cleanup() })

	sender, receiver, err := tp.Pair()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	defer receiver.Close()

	clone, err := sender.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	sender.Close()

	if err := clone.Send([]byte("via clone"), nil); err != nil {
		t.Fatalf("Send on clone: %v", err)
	}
	got, _, err := receiver.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "via clone" {
		t.Errorf("got %q", got)
	}
	clone.Close()
}
