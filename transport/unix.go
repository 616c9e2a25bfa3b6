// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
)

// Compile-time interface checks.
var (
	_ Transport = (*Unix)(nil)
	_ Sender    = (*unixSender)(nil)
	_ Receiver  = (*unixReceiver)(nil)
	_ Listener  = (*unixListener)(nil)
)

// Frame layout. Every datagram starts with one flag byte.
//
//	frameInline:  flag ++ payload bytes
//	frameSegment: flag ++ uint64 big-endian uncompressed size; the
//	              zstd-compressed payload lives in a sealed memfd
//	              passed as the last SCM_RIGHTS descriptor, after the
//	              capability descriptors — so capability indices are
//	              unaffected by the spill.
const (
	frameInline  = 0x00
	frameSegment = 0x01

	// maxInlinePayload is the largest payload sent inline in the
	// datagram. Larger payloads spill to a memory segment. Keeps
	// datagrams comfortably under default SO_SNDBUF.
	maxInlinePayload = 64 * 1024

	// maxCapsPerMessage bounds the SCM_RIGHTS control buffer. The
	// kernel's own per-message limit (SCM_MAX_FD) is 253.
	maxCapsPerMessage = 64

	// maxSegmentPayload bounds the uncompressed size a received
	// segment header may claim, so a malformed or adversarial header
	// cannot trigger an arbitrary allocation.
	maxSegmentPayload = 1 << 30
)

// segmentEncoder and segmentDecoder are package-level zstd codecs
// used with EncodeAll/DecodeAll; both are safe for concurrent use.
var (
	segmentEncoder *zstd.Encoder
	segmentDecoder *zstd.Decoder
)

func init() {
	var err error
	segmentEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}
	segmentDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transport: zstd decoder initialization failed: " + err.Error())
	}
}

// Unix is the production Transport: SOCK_SEQPACKET unix-domain
// sockets with SCM_RIGHTS capability passing. SEQPACKET preserves
// message boundaries and connection semantics, and ancillary
// descriptors arrive on exactly the datagram they were sent with —
// that kernel guarantee is what makes payload and capability list
// atomic.
//
// Bootstrap names are socket paths under a private temporary
// directory. All descriptors are close-on-exec.
type Unix struct {
	dir string
}

// NewUnix creates a unix transport. Bootstrap sockets live under a
// fresh directory in the system temp dir; Cleanup removes it.
func NewUnix() (*Unix, error) {
	// Socket paths must stay under the 108-byte sun_path limit, so
	// the directory goes directly in the system temp dir rather than
	// any nested test/build directory.
	dir, err := os.MkdirTemp("", "capchan-*")
	if err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	return &Unix{dir: dir}, nil
}

// Cleanup removes the transport's socket directory. Endpoints already
// connected are unaffected.
func (u *Unix) Cleanup() error {
	return os.RemoveAll(u.dir)
}

// Pair allocates a connected socketpair.
func (u *Unix) Pair() (Sender, Receiver, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return &unixSender{fd: fds[0]}, &unixReceiver{fd: fds[1]}, nil
}

// Connect opens a connection to the listener at name (a socket path).
func (u *Unix) Connect(name string) (Sender, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: name}); err != nil {
		unix.Close(fd)
		if err == unix.ENOENT || err == unix.ECONNREFUSED {
			return nil, fmt.Errorf("connecting to %q: %w", name, ErrNoListener)
		}
		return nil, fmt.Errorf("connecting to %q: %w", name, err)
	}
	return &unixSender{fd: fd}, nil
}

// Listen binds a one-shot listening socket at a fresh path.
func (u *Unix) Listen() (Listener, error) {
	dir, err := os.MkdirTemp(u.dir, "boot-*")
	if err != nil {
		return nil, fmt.Errorf("creating bootstrap directory: %w", err)
	}
	path := filepath.Join(dir, "s")

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		os.RemoveAll(dir)
		return nil, fmt.Errorf("binding %q: %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		os.RemoveAll(dir)
		return nil, fmt.Errorf("listening on %q: %w", path, err)
	}
	return &unixListener{fd: fd, path: path, dir: dir}, nil
}

type unixSender struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

func (s *unixSender) Send(payload []byte, caps []Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(caps) > maxCapsPerMessage {
		return fmt.Errorf("transport: message carries %d capabilities, limit is %d", len(caps), maxCapsPerMessage)
	}

	// Capability descriptors first, in index order. The fd field is
	// immutable for the life of the handle; a handle closed while a
	// concurrent Send references it surfaces as EBADF from sendmsg.
	fds := make([]int, 0, len(caps)+1)
	for i, capability := range caps {
		peer, ok := capability.(*unixSender)
		if !ok {
			return fmt.Errorf("transport: capability %d is %T, not a unix sender", i, capability)
		}
		fds = append(fds, peer.fd)
	}

	frame := make([]byte, 1, 1+min(len(payload), maxInlinePayload))
	if len(payload) > maxInlinePayload {
		segment, err := newPayloadSegment(payload)
		if err != nil {
			return err
		}
		defer unix.Close(segment)
		frame[0] = frameSegment
		frame = binary.BigEndian.AppendUint64(frame, uint64(len(payload)))
		fds = append(fds, segment)
	} else {
		frame[0] = frameInline
		frame = append(frame, payload...)
	}

	var rights []byte
	if len(fds) > 0 {
		rights = unix.UnixRights(fds...)
	}
	if err := unix.Sendmsg(s.fd, frame, rights, nil, unix.MSG_NOSIGNAL); err != nil {
		if err == unix.EPIPE || err == unix.ECONNRESET {
			return ErrDisconnected
		}
		return fmt.Errorf("sendmsg: %w", err)
	}
	return nil
}

func (s *unixSender) Clone() (Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	fd, err := unix.FcntlInt(uintptr(s.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("duplicating sender: %w", err)
	}
	return &unixSender{fd: fd}, nil
}

func (s *unixSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

type unixReceiver struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

func (r *unixReceiver) Recv() ([]byte, []Sender, error) {
	buf := make([]byte, 1+8+maxInlinePayload)
	oob := make([]byte, unix.CmsgSpace((maxCapsPerMessage+1)*4))

	n, oobn, flags, _, err := unix.Recvmsg(r.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		if r.isClosed() {
			return nil, nil, ErrClosed
		}
		if err == unix.ECONNRESET {
			return nil, nil, ErrDisconnected
		}
		return nil, nil, fmt.Errorf("recvmsg: %w", err)
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, nil, err
	}

	if n == 0 && len(fds) == 0 {
		// SEQPACKET end-of-stream: either the peer closed its last
		// sender or this receiver was shut down locally.
		if r.isClosed() {
			return nil, nil, ErrClosed
		}
		return nil, nil, ErrDisconnected
	}
	if flags&unix.MSG_TRUNC != 0 || flags&unix.MSG_CTRUNC != 0 {
		closeAll(fds)
		return nil, nil, fmt.Errorf("transport: truncated message (%d bytes, flags %#x)", n, flags)
	}
	if n < 1 {
		closeAll(fds)
		return nil, nil, fmt.Errorf("transport: message missing frame flag")
	}

	frame := buf[:n]
	var payload []byte
	switch frame[0] {
	case frameInline:
		payload = frame[1:]
	case frameSegment:
		if len(frame) < 1+8 {
			closeAll(fds)
			return nil, nil, fmt.Errorf("transport: short segment header (%d bytes)", len(frame))
		}
		if len(fds) == 0 {
			return nil, nil, fmt.Errorf("transport: segment frame without segment descriptor")
		}
		segment := fds[len(fds)-1]
		fds = fds[:len(fds)-1]
		payload, err = readPayloadSegment(segment, binary.BigEndian.Uint64(frame[1:9]))
		if err != nil {
			closeAll(fds)
			return nil, nil, err
		}
	default:
		closeAll(fds)
		return nil, nil, fmt.Errorf("transport: unknown frame flag %#x", frame[0])
	}

	caps := make([]Sender, len(fds))
	for i, fd := range fds {
		caps[i] = &unixSender{fd: fd}
	}
	return payload, caps, nil
}

func (r *unixReceiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *unixReceiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	// Shutdown first: close alone does not wake a recvmsg blocked on
	// this descriptor.
	unix.Shutdown(r.fd, unix.SHUT_RDWR)
	return unix.Close(r.fd)
}

const (
	unixListening = iota
	unixAccepted
	unixClosed
)

type unixListener struct {
	mu    sync.Mutex
	state int
	fd    int
	path  string
	dir   string
}

func (l *unixListener) Accept() (Receiver, []byte, []Sender, error) {
	l.mu.Lock()
	if l.state != unixListening {
		l.mu.Unlock()
		return nil, nil, nil, fmt.Errorf("accept on consumed listener %q: %w", l.path, ErrClosed)
	}
	l.state = unixAccepted
	l.mu.Unlock()

	conn, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
	l.retire()
	if err != nil {
		if l.isClosed() {
			return nil, nil, nil, fmt.Errorf("accept on closed listener %q: %w", l.path, ErrClosed)
		}
		return nil, nil, nil, fmt.Errorf("accept: %w", err)
	}

	r := &unixReceiver{fd: conn}
	payload, caps, err := r.Recv()
	if err != nil {
		r.Close()
		return nil, nil, nil, fmt.Errorf("receiving bootstrap message: %w", err)
	}
	return r, payload, caps, nil
}

func (l *unixListener) Name() string { return l.path }

// retire closes the listening socket and unlinks the bootstrap path,
// so later Connect calls fail with ErrNoListener. Idempotent.
func (l *unixListener) retire() {
	l.mu.Lock()
	fd := l.fd
	l.fd = -1
	l.mu.Unlock()
	if fd >= 0 {
		unix.Close(fd)
		os.RemoveAll(l.dir)
	}
}

func (l *unixListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == unixClosed
}

func (l *unixListener) Close() error {
	l.mu.Lock()
	if l.state == unixClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = unixClosed
	if l.fd >= 0 {
		// Wake a blocked Accept before the descriptor goes away.
		unix.Shutdown(l.fd, unix.SHUT_RDWR)
	}
	l.mu.Unlock()
	l.retire()
	return nil
}

// parseRights extracts SCM_RIGHTS descriptors from control data.
func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control message: %w", err)
	}
	var fds []int
	for _, message := range messages {
		rights, err := unix.ParseUnixRights(&message)
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("parsing SCM_RIGHTS: %w", err)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// newPayloadSegment writes the zstd-compressed payload into a sealed
// memfd and returns its descriptor. Sealing prevents either side from
// resizing or rewriting the segment after it is in flight.
func newPayloadSegment(payload []byte) (int, error) {
	compressed := segmentEncoder.EncodeAll(payload, nil)

	fd, err := unix.MemfdCreate("capchan-segment", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	for off := 0; off < len(compressed); {
		n, err := unix.Write(fd, compressed[off:])
		if err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("writing payload segment: %w", err)
		}
		off += n
	}
	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sealing payload segment: %w", err)
	}
	return fd, nil
}

// readPayloadSegment reads and decompresses a received segment. The
// descriptor shares its file offset with the sender's (SCM_RIGHTS
// passes the open file description), so reads are positional.
func readPayloadSegment(fd int, uncompressedSize uint64) ([]byte, error) {
	defer unix.Close(fd)

	if uncompressedSize > maxSegmentPayload {
		return nil, fmt.Errorf("transport: segment claims %d bytes, limit is %d", uncompressedSize, maxSegmentPayload)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, fmt.Errorf("fstat payload segment: %w", err)
	}
	compressed := make([]byte, stat.Size)
	for off := 0; off < len(compressed); {
		n, err := unix.Pread(fd, compressed[off:], int64(off))
		if err != nil {
			return nil, fmt.Errorf("reading payload segment: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("transport: payload segment shorter than its size (%d of %d bytes)", off, len(compressed))
		}
		off += n
	}

	payload, err := segmentDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload segment: %w", err)
	}
	if uint64(len(payload)) != uncompressedSize {
		return nil, fmt.Errorf("transport: segment decompressed to %d bytes, header claims %d", len(payload), uncompressedSize)
	}
	return payload, nil
}
