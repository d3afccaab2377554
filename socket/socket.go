// Package socket implements the netconn facade (spec.md §4.5): a
// stream/datagram socket with event-driven receive readiness,
// serialised send, optional TLS, and thread-safe idempotent close.
//
// The embedded stack spec.md treats as an external collaborator is
// realized here by package stackrt (a gVisor pkg/tcpip stack); the
// Go net.Conn types stackrt.Runtime hands back (*gonet.TCPConn,
// *gonet.UDPConn) are already safe for concurrent Read and Write from
// different goroutines, but they do not expose lwIP's per-event
// RCVPLUS/RCVMINUS callback. Socket reconstructs that event model
// itself with a dedicated receive-pump goroutine per connected
// socket: the pump's own blocking Read calls play the role the
// original's netconn event callback played, incrementing the same
// atomic receive-event counter spec.md §3 describes and waking the
// same condition variable.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xevo/slipstack/config"
	"github.com/xevo/slipstack/errs"
	"github.com/xevo/slipstack/netbuf"
	"github.com/xevo/slipstack/stackrt"
	"github.com/xevo/slipstack/tlsmachine"
)

// Protocol is the socket protocol tag (spec.md §6).
type Protocol int

const (
	TCP Protocol = 0
	UDP Protocol = 1
)

// Role is the socket role tag (spec.md §3).
type Role int

const (
	RoleClient Role = iota
	RoleServerListening
	RoleServerAccepted
)

// Logf matches the teacher's plain function-value logging idiom.
type Logf func(format string, args ...any)

func discard(string, ...any) {}

// Socket is the netconn facade described by spec.md §3/§4.5.
type Socket struct {
	rt       *stackrt.Runtime
	protocol Protocol
	role     Role
	logf     Logf
	cfg      config.Config

	connMu sync.Mutex
	conn   net.Conn // *gonet.TCPConn or *gonet.UDPConn once connected/accepted
	ln     *tcpListener

	sendMu sync.Mutex
	sslMu  sync.Mutex

	recvMu             sync.Mutex
	recvCond           *sync.Cond
	recvEventCount     atomic.Int32
	closing            atomic.Bool
	peerHalfClosed     atomic.Bool
	errorLatched       atomic.Bool
	halfCloseDelivered atomic.Bool
	latchedErr         atomic.Pointer[error]

	agg *netbuf.Aggregator
	tls *tlsmachine.Session

	readerDone chan struct{}

	// Owner is an opaque back-reference for the embedding host; the
	// core never dereferences it (spec.md §3's "owner reference into
	// the host layer").
	Owner any
}

// tcpListener wraps the runtime's listener plus the accept-pump
// channel that lets Socket.Accept honor AcceptInternalTimeout while
// still benefiting from the runtime listener's real Close-cancels-
// Accept semantics.
type tcpListener struct {
	raw      net.Listener
	acceptCh chan acceptResult
	port     uint16
}

type acceptResult struct {
	sock *Socket
	err  error
}

// New constructs an unconnected client-role Socket for protocol p.
func New(rt *stackrt.Runtime, p Protocol, logf Logf, cfg config.Config) *Socket {
	if logf == nil {
		logf = discard
	}
	s := &Socket{rt: rt, protocol: p, role: RoleClient, logf: logf, cfg: cfg, agg: netbuf.New()}
	s.recvCond = sync.NewCond(&s.recvMu)
	return s
}

// Listen creates a listening TCP Socket on port. If serverTLSConfig is
// non-nil, every accepted connection is handed a cloned TLS session
// from it per spec.md §4.5 and a bounded inline handshake is
// performed before Accept returns the Socket.
func Listen(rt *stackrt.Runtime, port uint16, backlog int, serverTLSConfig func() *tlsmachine.Session, logf Logf, cfg config.Config) (*Socket, error) {
	if logf == nil {
		logf = discard
	}
	raw, err := rt.ListenTCP(port)
	if err != nil {
		return nil, fmt.Errorf("socket: listen: %w", err)
	}
	s := &Socket{rt: rt, protocol: TCP, role: RoleServerListening, logf: logf, cfg: cfg, agg: netbuf.New()}
	s.recvCond = sync.NewCond(&s.recvMu)
	lst := &tcpListener{raw: raw, acceptCh: make(chan acceptResult, backlog), port: port}
	s.ln = lst

	go func() {
		for {
			conn, err := raw.Accept()
			if err != nil {
				lst.acceptCh <- acceptResult{err: err}
				return
			}
			accepted := newAccepted(rt, TCP, conn, logf, cfg)
			if serverTLSConfig != nil {
				accepted.tls = serverTLSConfig()
				if err := accepted.driveHandshake(cfg.HandshakeAcceptPoll, cfg.AcceptSSLHandshakeTimeout); err != nil {
					logf("socket: inline accept handshake failed: %v", err)
					accepted.Close()
					continue
				}
			}
			lst.acceptCh <- acceptResult{sock: accepted}
		}
	}()

	return s, nil
}

func newAccepted(rt *stackrt.Runtime, p Protocol, conn net.Conn, logf Logf, cfg config.Config) *Socket {
	s := &Socket{rt: rt, protocol: p, role: RoleServerAccepted, logf: logf, cfg: cfg, agg: netbuf.New(), conn: conn}
	s.recvCond = sync.NewCond(&s.recvMu)
	s.startReceivePump()
	return s
}

// startReceivePump launches the goroutine that stands in for the
// stack's netconn event callback (spec.md §4.5 "Event callback").
func (s *Socket) startReceivePump() {
	s.readerDone = make(chan struct{})
	go func() {
		defer close(s.readerDone)
		buf := make([]byte, 64*1024)
		for {
			n, err := s.conn.Read(buf)
			if n > 0 {
				s.agg.Set([][]byte{append([]byte(nil), buf[:n]...)})
				s.recvMu.Lock()
				s.recvEventCount.Add(1)
				s.recvCond.Broadcast()
				s.recvMu.Unlock()
			}
			if err != nil {
				s.recvMu.Lock()
				if errors.Is(err, io.EOF) {
					s.peerHalfClosed.Store(true)
				} else {
					e := err
					s.latchedErr.Store(&e)
					s.errorLatched.Store(true)
				}
				s.recvCond.Broadcast()
				s.recvMu.Unlock()
				return
			}
		}
	}()
}

// Accept returns the next accepted connection, honoring
// AcceptInternalTimeout on each internal poll so Close() is observed
// promptly even though the runtime listener's own Close already
// cancels the pump's blocking Accept call directly (spec.md §4.5's
// "subtle" accept-cancellation case — see DESIGN.md for why both
// mechanisms are kept).
func (s *Socket) Accept() (*Socket, error) {
	if s.ln == nil {
		return nil, fmt.Errorf("socket: Accept called on non-listening socket")
	}
	for {
		if s.closing.Load() {
			return nil, errs.ErrClosed
		}
		select {
		case res := <-s.ln.acceptCh:
			if res.err != nil {
				if s.closing.Load() {
					return nil, errs.ErrClosed
				}
				return nil, fmt.Errorf("socket: accept: %w", res.err)
			}
			return res.sock, nil
		case <-time.After(s.cfg.AcceptInternalTimeout):
			continue
		}
	}
}

// Connect dials addr and, if tlsSession is non-nil, drives a client
// handshake to completion before returning (spec.md §4.5 "connect").
func (s *Socket) Connect(ctx context.Context, addr netip.AddrPort, tlsSession *tlsmachine.Session) error {
	s.connMu.Lock()
	conn, err := s.rt.DialContextTCP(ctx, addr)
	s.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("socket: connect: %w", err)
	}
	s.conn = conn
	s.role = RoleClient
	s.startReceivePump()

	if tlsSession != nil {
		s.tls = tlsSession
		if err := s.driveHandshake(s.cfg.HandshakeConnectPoll, s.cfg.AcceptSSLHandshakeTimeout); err != nil {
			s.Close()
			return fmt.Errorf("socket: tls handshake: %w", err)
		}
	}
	return nil
}

// driveHandshake alternates extracting pending handshake ciphertext
// and sending it, and polling recv for peer bytes to inject, until
// the session completes or timeout elapses (spec.md §4.5's connect
// handshake loop, reused for the inline accept handshake too).
func (s *Socket) driveHandshake(poll, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 64*1024)
	for !s.tls.IsHandshakeComplete() {
		if time.Now().After(deadline) {
			return errs.ErrTimeout
		}
		if err := s.tls.Err(); err != nil {
			return err
		}
		if n := s.tls.WriteExtract(buf); n > 0 {
			if err := s.sendPlain(buf[:n]); err != nil {
				return err
			}
		}
		rn, rerr := s.recvPlain(buf, poll)
		if rn > 0 {
			s.tls.ReadInject(buf[:rn])
		}
		if rerr != nil && !errors.Is(rerr, errs.ErrTimeout) {
			return rerr
		}
	}
	return nil
}

// Send writes data, dispatching to TLS or plaintext per socket
// configuration (spec.md §4.5 "send" / "TLS recv/send").
func (s *Socket) Send(data []byte) error {
	if s.closing.Load() {
		return errs.ErrClosed
	}
	if s.tls != nil {
		return s.sslSend(data)
	}
	return s.sendPlain(data)
}

func (s *Socket) sslSend(data []byte) error {
	s.sslMu.Lock()
	defer s.sslMu.Unlock()
	if err := s.tls.WriteInject(data); err != nil {
		return err
	}
	buf := make([]byte, 64*1024)
	for s.tls.IsWritePending() {
		n := s.tls.WriteExtract(buf)
		if n == 0 {
			break
		}
		if err := s.sendPlain(buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

// sendPlain implements spec.md §4.5's TCP send discipline: serialise
// under sendMu, retry on WOULDBLOCK-class errors with SendBackoff,
// propagate anything else immediately, abort at loop head if closing.
func (s *Socket) sendPlain(data []byte) error {
	if s.protocol == UDP {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		_, err := s.conn.Write(data)
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	remaining := data
	for len(remaining) > 0 {
		if s.closing.Load() {
			return errs.ErrClosed
		}
		s.connMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
		n, err := s.conn.Write(remaining)
		s.conn.SetWriteDeadline(time.Time{})
		s.connMu.Unlock()
		remaining = remaining[n:]
		if err != nil {
			if isWouldBlock(err) {
				time.Sleep(s.cfg.SendBackoff)
				continue
			}
			return err
		}
	}
	return nil
}

func isWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Recv implements spec.md §4.5's three-step recv, dispatching to TLS
// when configured.
func (s *Socket) Recv(dst []byte, timeout time.Duration) (int, error) {
	if s.tls != nil {
		return s.sslRecv(dst, timeout)
	}
	return s.recvPlain(dst, timeout)
}

func (s *Socket) sslRecv(dst []byte, timeout time.Duration) (int, error) {
	s.sslMu.Lock()
	defer s.sslMu.Unlock()

	n, err := s.tls.ReadExtract(dst)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return n, nil
	}

	buf := make([]byte, 16*1024)
	rn, rerr := s.recvPlain(buf, timeout)
	if rn > 0 {
		s.tls.ReadInject(buf[:rn])
	}

	n2, err2 := s.tls.ReadExtract(dst)
	if err2 != nil {
		return 0, err2
	}
	if n2 > 0 {
		return n2, nil
	}
	if rerr != nil && !errors.Is(rerr, errs.ErrTimeout) {
		return 0, rerr
	}
	return 0, errs.ErrTimeout
}

func (s *Socket) recvPlain(dst []byte, timeout time.Duration) (int, error) {
	if s.closing.Load() {
		return 0, errs.ErrClosed
	}
	if n := s.agg.Take(dst); n > 0 {
		return n, nil
	}

	if !s.waitRecvReady(timeout) {
		return 0, errs.ErrTimeout
	}

	switch {
	case s.closing.Load():
		return 0, errs.ErrClosed
	case s.errorLatched.Load():
		if ep := s.latchedErr.Load(); ep != nil {
			return 0, *ep
		}
		return 0, errs.ErrSSLSSL
	case s.peerHalfClosed.Load():
		if n := s.agg.Take(dst); n > 0 {
			return n, nil
		}
		if s.halfCloseDelivered.Swap(true) {
			return 0, errs.ErrClosed
		}
		return 0, nil
	}

	s.recvMu.Lock()
	if s.recvEventCount.Load() > 0 {
		s.recvEventCount.Add(-1)
	}
	s.recvMu.Unlock()
	return s.agg.Take(dst), nil
}

// waitRecvReady blocks until a receive event, a terminal flag, or
// timeout. timeout<=0 waits unboundedly. Returns false only on
// timeout.
func (s *Socket) waitRecvReady(timeout time.Duration) bool {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	ready := func() bool {
		return s.recvEventCount.Load() > 0 || s.closing.Load() || s.peerHalfClosed.Load() || s.errorLatched.Load()
	}
	if ready() {
		return true
	}
	if timeout <= 0 {
		for !ready() {
			s.recvCond.Wait()
		}
		return true
	}

	timedOut := false
	timer := time.AfterFunc(timeout, func() {
		s.recvMu.Lock()
		timedOut = true
		s.recvCond.Broadcast()
		s.recvMu.Unlock()
	})
	defer timer.Stop()
	for !ready() && !timedOut {
		s.recvCond.Wait()
	}
	return ready()
}

// Close implements spec.md §4.5 "close": idempotent, unblocks
// accept/recv promptly, then releases the underlying connection.
func (s *Socket) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return errs.ErrClosed
	}
	s.recvMu.Lock()
	s.recvCond.Broadcast()
	s.recvMu.Unlock()

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ln != nil {
		s.ln.raw.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.tls != nil {
		s.tls.Close()
	}
	return nil
}

// IsClosing reports whether Close has been called.
func (s *Socket) IsClosing() bool { return s.closing.Load() }

// Protocol returns the socket's protocol tag.
func (s *Socket) Protocol() Protocol { return s.protocol }

// Role returns the socket's role tag.
func (s *Socket) Role() Role { return s.role }
