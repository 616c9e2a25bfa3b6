// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"sync"
)

// Compile-time interface checks.
var (
	_ Transport = (*Memory)(nil)
	_ Sender    = (*memorySender)(nil)
	_ Receiver  = (*memoryReceiver)(nil)
	_ Listener  = (*memoryListener)(nil)
)

// Memory is an in-process Transport for tests and same-process wiring.
// Messages move through internal queues, bypassing the OS entirely.
// Bootstrap names are only meaningful to Connect on the same Memory
// instance.
type Memory struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
	nextName  uint64
}

// NewMemory creates a new in-process transport.
func NewMemory() *Memory {
	return &Memory{listeners: make(map[string]*memoryListener)}
}

// Pair allocates a connected in-process Sender/Receiver pair.
func (m *Memory) Pair() (Sender, Receiver, error) {
	q := newMemoryQueue()
	return &memorySender{queue: q}, &memoryReceiver{queue: q}, nil
}

// Connect resolves name to a live listener and opens a connection to
// it. The listener holds at most one pending connection; a second
// Connect before Accept is refused.
func (m *Memory) Connect(name string) (Sender, error) {
	m.mu.Lock()
	listener := m.listeners[name]
	m.mu.Unlock()
	if listener == nil {
		return nil, fmt.Errorf("connecting to %q: %w", name, ErrNoListener)
	}

	q := newMemoryQueue()
	if !listener.deliver(&memoryReceiver{queue: q}) {
		return nil, fmt.Errorf("connecting to %q: %w", name, ErrNoListener)
	}
	return &memorySender{queue: q}, nil
}

// Listen allocates a one-shot listener with a fresh name.
func (m *Memory) Listen() (Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextName++
	name := fmt.Sprintf("memory-%d", m.nextName)
	listener := &memoryListener{
		transport: m,
		name:      name,
		conns:     make(chan *memoryReceiver, 1),
	}
	m.listeners[name] = listener
	return listener, nil
}

func (m *Memory) retire(name string) {
	m.mu.Lock()
	delete(m.listeners, name)
	m.mu.Unlock()
}

// memoryMessage is one in-flight (payload, capability list) unit.
type memoryMessage struct {
	payload []byte
	caps    []Sender
}

// memoryQueue is the shared state of one connection: a FIFO of
// in-flight messages plus liveness counters for both ends. Sender
// clones share the queue and bump the refcount, so disconnection is
// observed only after the last clone closes.
type memoryQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	messages []memoryMessage

	senders        int // open sender clones
	receiverClosed bool
}

func newMemoryQueue() *memoryQueue {
	q := &memoryQueue{senders: 1}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *memoryQueue) push(payload []byte, caps []Sender) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.receiverClosed {
		return ErrDisconnected
	}
	q.messages = append(q.messages, memoryMessage{payload: payload, caps: caps})
	q.notEmpty.Signal()
	return nil
}

func (q *memoryQueue) pop() (memoryMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.messages) == 0 && q.senders > 0 && !q.receiverClosed {
		q.notEmpty.Wait()
	}
	if q.receiverClosed {
		return memoryMessage{}, ErrClosed
	}
	if len(q.messages) > 0 {
		message := q.messages[0]
		q.messages = q.messages[1:]
		return message, nil
	}
	// All sender clones closed and the buffer is drained.
	return memoryMessage{}, ErrDisconnected
}

func (q *memoryQueue) addSender() {
	q.mu.Lock()
	q.senders++
	q.mu.Unlock()
}

func (q *memoryQueue) dropSender() {
	q.mu.Lock()
	q.senders--
	if q.senders == 0 {
		q.notEmpty.Broadcast()
	}
	q.mu.Unlock()
}

func (q *memoryQueue) closeReceiver() {
	q.mu.Lock()
	q.receiverClosed = true
	pending := q.messages
	q.messages = nil
	q.notEmpty.Broadcast()
	q.mu.Unlock()

	// Undelivered messages are discarded; their capability handles
	// would otherwise leak.
	for _, message := range pending {
		for _, capability := range message.caps {
			capability.Close()
		}
	}
}

type memorySender struct {
	mu     sync.Mutex
	queue  *memoryQueue
	closed bool
}

func (s *memorySender) Send(payload []byte, caps []Sender) error {
	// Kernel-dup semantics: the message carries its own handles, so
	// the caller can close its copies without invalidating in-flight
	// messages. Duplicate before taking the endpoint lock: a message
	// may carry its own sender as a capability, and Clone on that
	// handle takes the same lock.
	dups := make([]Sender, 0, len(caps))
	for i, capability := range caps {
		dup, err := capability.Clone()
		if err != nil {
			for _, d := range dups {
				d.Close()
			}
			return fmt.Errorf("duplicating capability %d: %w", i, err)
		}
		dups = append(dups, dup)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		for _, d := range dups {
			d.Close()
		}
		return ErrClosed
	}

	buffered := append([]byte(nil), payload...)
	if err := s.queue.push(buffered, dups); err != nil {
		for _, d := range dups {
			d.Close()
		}
		return err
	}
	return nil
}

func (s *memorySender) Clone() (Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.queue.addSender()
	return &memorySender{queue: s.queue}, nil
}

func (s *memorySender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.queue.dropSender()
	return nil
}

type memoryReceiver struct {
	mu     sync.Mutex
	queue  *memoryQueue
	closed bool
}

func (r *memoryReceiver) Recv() ([]byte, []Sender, error) {
	message, err := r.queue.pop()
	if err != nil {
		return nil, nil, err
	}
	return message.payload, message.caps, nil
}

func (r *memoryReceiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.queue.closeReceiver()
	return nil
}

const (
	listenerListening = iota
	listenerAccepting
	listenerAccepted
	listenerClosed
)

type memoryListener struct {
	transport *Memory
	name      string

	mu    sync.Mutex
	state int
	conns chan *memoryReceiver
}

// deliver hands a fresh connection to the listener. Returns false
// once the listener is closed, already holds a pending connection,
// or has taken its one connection — a connect that resolved the
// listener just before its name was retired must not enqueue a
// connection nobody will ever accept.
func (l *memoryListener) deliver(r *memoryReceiver) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != listenerListening && l.state != listenerAccepting {
		return false
	}
	select {
	case l.conns <- r:
		return true
	default:
		return false
	}
}

func (l *memoryListener) Accept() (Receiver, []byte, []Sender, error) {
	l.mu.Lock()
	if l.state != listenerListening {
		l.mu.Unlock()
		return nil, nil, nil, fmt.Errorf("accept on consumed listener %q: %w", l.name, ErrClosed)
	}
	l.state = listenerAccepting
	l.mu.Unlock()

	r, ok := <-l.conns
	if !ok {
		return nil, nil, nil, fmt.Errorf("accept on closed listener %q: %w", l.name, ErrClosed)
	}

	l.mu.Lock()
	l.state = listenerAccepted
	l.mu.Unlock()
	l.transport.retire(l.name)

	// A connect racing the state change may have slipped a second
	// connection into the buffer; disconnect it.
	select {
	case stray, ok := <-l.conns:
		if ok {
			stray.Close()
		}
	default:
	}

	payload, caps, err := r.Recv()
	if err != nil {
		r.Close()
		return nil, nil, nil, fmt.Errorf("receiving bootstrap message: %w", err)
	}
	return r, payload, caps, nil
}

func (l *memoryListener) Name() string { return l.name }

func (l *memoryListener) Close() error {
	l.mu.Lock()
	if l.state == listenerClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = listenerClosed
	close(l.conns)
	l.mu.Unlock()
	l.transport.retire(l.name)

	// A connection delivered but never accepted would leak its queue;
	// close it so the connecting side observes disconnection.
	for r := range l.conns {
		r.Close()
	}
	return nil
}
