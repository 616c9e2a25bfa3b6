// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/capchan/testutil"
)

// recvResult carries one Recv outcome across a goroutine boundary.
type recvResult struct {
	payload []byte
	caps    []Sender
	err     error
}

func recvAsync(r Receiver) <-chan recvResult {
	results := make(chan recvResult, 1)
	go func() {
		payload, caps, err := r.Recv()
		results <- recvResult{payload: payload, caps: caps, err: err}
	}()
	return results
}

// testTransportContract runs the full endpoint contract against one
// Transport implementation. Every implementation must pass every
// case: the channel layer's correctness rests on these guarantees,
// in particular atomic in-order joint delivery of payload bytes and
// capability handles.
func testTransportContract(t *testing.T, newTransport func(t *testing.T) Transport) {
	t.Run("RoundTrip", func(t *testing.T) {
		tp := newTransport(t)
		sender, receiver, err := tp.Pair()
		if err != nil {
			t.Fatalf("Pair: %v", err)
		}
		defer sender.Close()
		defer receiver.Close()

		want := []byte("hello across the boundary")
		if err := sender.Send(want, nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
		got, caps, err := receiver.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("payload mismatch: got %q, want %q", got, want)
		}
		if len(caps) != 0 {
			t.Errorf("unexpected capabilities: %d", len(caps))
		}
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		tp := newTransport(t)
		sender, receiver, err := tp.Pair()
		if err != nil {
			t.Fatalf("Pair: %v", err)
		}
		defer sender.Close()
		defer receiver.Close()

		if err := sender.Send(nil, nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
		got, _, err := receiver.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("payload mismatch: got %v", got)
		}
	})

	t.Run("FIFO", func(t *testing.T) {
		tp := newTransport(t)
		sender, receiver, err := tp.Pair()
		if err != nil {
			t.Fatalf("Pair: %v", err)
		}
		defer sender.Close()
		defer receiver.Close()

		const messages = 10
		for i := 0; i < messages; i++ {
			if err := sender.Send([]byte(fmt.Sprintf("message-%d", i)), nil); err != nil {
				t.Fatalf("Send %d: %v", i, err)
			}
		}
		for i := 0; i < messages; i++ {
			got, _, err := receiver.Recv()
			if err != nil {
				t.Fatalf("Recv %d: %v", i, err)
			}
			if want := fmt.Sprintf("message-%d", i); string(got) != want {
				t.Errorf("message %d: got %q, want %q", i, got, want)
			}
		}
	})

	t.Run("CapsDeliveredInOrder", func(t *testing.T) {
		tp := newTransport(t)
		sender, receiver, err := tp.Pair()
		if err != nil {
			t.Fatalf("Pair: %v", err)
		}
		defer sender.Close()
		defer receiver.Close()

		// Two inner connections whose senders travel as capabilities.
		innerSenders := make([]Sender, 2)
		innerReceivers := make([]Receiver, 2)
		for i := range innerSenders {
			innerSenders[i], innerReceivers[i], err = tp.Pair()
			if err != nil {
				t.Fatalf("inner Pair %d: %v", i, err)
			}
			defer innerSenders[i].Close()
			defer innerReceivers[i].Close()
		}

		if err := sender.Send([]byte("carrying"), innerSenders); err != nil {
			t.Fatalf("Send: %v", err)
		}
		_, caps, err := receiver.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if len(caps) != 2 {
			t.Fatalf("got %d capabilities, want 2", len(caps))
		}

		// Position i must reach inner receiver i.
		for i, capability := range caps {
			marker := []byte(fmt.Sprintf("via-cap-%d", i))
			if err := capability.Send(marker, nil); err != nil {
				t.Fatalf("send on received capability %d: %v", i, err)
			}
			got, _, err := innerReceivers[i].Recv()
			if err != nil {
				t.Fatalf("inner Recv %d: %v", i, err)
			}
			if !bytes.Equal(got, marker) {
				t.Errorf("capability %d routed to the wrong connection: got %q", i, got)
			}
			capability.Close()
		}
	})

	t.Run("SendDoesNotConsumeCaps", func(t *testing.T) {
		tp := newTransport(t)
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
		defer innerReceiver.Close()

		if err := sender.Send([]byte("m"), []Sender{innerSender}); err != nil {
			t.Fatalf("Send: %v", err)
		}
		// Closing the local handle must not invalidate the in-flight
		// duplicate.
		innerSender.Close()

		_, caps, err := receiver.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if len(caps) != 1 {
			t.Fatalf("got %d capabilities, want 1", len(caps))
		}
		if err := caps[0].Send([]byte("still alive"), nil); err != nil {
			t.Fatalf("send on received capability: %v", err)
		}
		got, _, err := innerReceiver.Recv()
		if err != nil {
			t.Fatalf("inner Recv: %v", err)
		}
		if string(got) != "still alive" {
			t.Errorf("got %q", got)
		}
		caps[0].Close()
	})

	t.Run("SenderAsItsOwnCapability", func(t *testing.T) {
		tp := newTransport(t)
		sender, receiver, err := tp.Pair()
		if err != nil {
			t.Fatalf("Pair: %v", err)
		}
		defer sender.Close()
		defer receiver.Close()

		// A sender travelling on its own connection is the standard
		// way to hand a peer the means to talk back through a router.
		// Must complete, not deadlock, and the transferred handle
		// must reach the same receiver.
		if err := sender.Send([]byte("introduce"), []Sender{sender}); err != nil {
			t.Fatalf("Send of own sender: %v", err)
		}
		payload, caps, err := receiver.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if string(payload) != "introduce" {
			t.Errorf("got %q", payload)
		}
		if len(caps) != 1 {
			t.Fatalf("got %d capabilities, want 1", len(caps))
		}
		if err := caps[0].Send([]byte("via transferred self"), nil); err != nil {
			t.Fatalf("send on transferred handle: %v", err)
		}
		got, _, err := receiver.Recv()
		if err != nil {
			t.Fatalf("Recv via transferred handle: %v", err)
		}
		if string(got) != "via transferred self" {
			t.Errorf("got %q", got)
		}
		caps[0].Close()
	})

	t.Run("DisconnectedAfterDrain", func(t *testing.T) {
		tp := newTransport(t)
		sender, receiver, err := tp.Pair()
		if err != nil {
			t.Fatalf("Pair: %v", err)
		}
		defer receiver.Close()

		clone, err := sender.Clone()
		if err != nil {
			t.Fatalf("Clone: %v", err)
		}

		if err := sender.Send([]byte("buffered"), nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
		sender.Close()

		// One clone still open: the connection is alive.
		if err := clone.Send([]byte("from clone"), nil); err != nil {
			t.Fatalf("Send on clone after closing original: %v", err)
		}
		clone.Close()

		// Buffered messages drain first, then disconnection.
		for _, want := range []string{"buffered", "from clone"} {
			got, _, err := receiver.Recv()
			if err != nil {
				t.Fatalf("Recv %q: %v", want, err)
			}
			if string(got) != want {
				t.Errorf("got %q, want %q", got, want)
			}
		}
		_, _, err = receiver.Recv()
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Recv after all senders closed: got %v, want ErrDisconnected", err)
		}
	})

	t.Run("SendAfterReceiverClose", func(t *testing.T) {
		tp := newTransport(t)
		sender, receiver, err := tp.Pair()
		if err != nil {
			t.Fatalf("Pair: %v", err)
		}
		defer sender.Close()

		receiver.Close()
		if err := sender.Send([]byte("into the void"), nil); !errors.Is(err, ErrDisconnected) {
			t.Errorf("Send after receiver close: got %v, want ErrDisconnected", err)
		}
	})

	t.Run("CloseUnblocksRecv", func(t *testing.T) {
		tp := newTransport(t)
		sender, receiver, err := tp.Pair()
		if err != nil {
			t.Fatalf("Pair: %v", err)
		}
		defer sender.Close()

		results := recvAsync(receiver)
		// Give the goroutine a moment to block in Recv before the
		// close lands.
		time.Sleep(20 * time.Millisecond)
		receiver.Close()

		result := testutil.RequireReceive(t, results, 5*time.Second, "Recv unblocked by Close")
		if !errors.Is(result.err, ErrClosed) {
			t.Errorf("Recv after local close: got %v, want ErrClosed", result.err)
		}
	})

	t.Run("Bootstrap", func(t *testing.T) {
		tp := newTransport(t)
		listener, err := tp.Listen()
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
		name := listener.Name()
		if name == "" {
			t.Fatal("empty bootstrap name")
		}

		sender, err := tp.Connect(name)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := sender.Send([]byte("first"), nil); err != nil {
			t.Fatalf("Send: %v", err)
		}

		receiver, first, caps, err := listener.Accept()
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		defer receiver.Close()
		if string(first) != "first" {
			t.Errorf("first message: got %q", first)
		}
		if len(caps) != 0 {
			t.Errorf("unexpected capabilities: %d", len(caps))
		}

		// Same connection keeps working after accept.
		if err := sender.Send([]byte("second"), nil); err != nil {
			t.Fatalf("Send after accept: %v", err)
		}
		second, _, err := receiver.Recv()
		if err != nil {
			t.Fatalf("Recv after accept: %v", err)
		}
		if string(second) != "second" {
			t.Errorf("second message: got %q", second)
		}
		sender.Close()

		// The name died with the accept.
		if _, err := tp.Connect(name); !errors.Is(err, ErrNoListener) {
			t.Errorf("Connect after accept: got %v, want ErrNoListener", err)
		}
		// And the listener is consumed.
		if _, _, _, err := listener.Accept(); !errors.Is(err, ErrClosed) {
			t.Errorf("second Accept: got %v, want ErrClosed", err)
		}
	})

	t.Run("ConnectUnknownName", func(t *testing.T) {
		tp := newTransport(t)
		listener, err := tp.Listen()
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
		listener.Close()

		if _, err := tp.Connect(listener.Name()); !errors.Is(err, ErrNoListener) {
			t.Errorf("Connect to closed listener: got %v, want ErrNoListener", err)
		}
	})

	t.Run("CloseUnblocksAccept", func(t *testing.T) {
		tp := newTransport(t)
		listener, err := tp.Listen()
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}

		errs := make(chan error, 1)
		go func() {
			_, _, _, err := listener.Accept()
			errs <- err
		}()
		time.Sleep(20 * time.Millisecond)
		listener.Close()

		err = testutil.RequireReceive(t, errs, 5*time.Second, "Accept unblocked by Close")
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Accept after Close: got %v, want ErrClosed", err)
		}
	})
}
