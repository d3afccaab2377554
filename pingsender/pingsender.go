// Package pingsender sends periodic ICMP echo requests and reports
// replies/timeouts to a Listener, independent of any Socket.
//
// Grounded on original_source/sdl_android/jni/tcpip/PingSender.{h,cpp}:
// same two-state (send, then wait-for-reply-or-interval-elapsed) loop,
// the same sticky "got a reply at least once" CheckReply semantics,
// and the same Configure/Start/Stop(timeout) lifecycle. The original
// opens a raw lwIP socket (SOCK_RAW, IP_PROTO_ICMP); this port uses
// golang.org/x/net/icmp's unprivileged "udp4" ping socket instead of a
// privileged raw socket, since that is the idiomatic, non-root-requiring
// way the Go ecosystem sends ICMP echoes.
package pingsender

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// DefaultDataSize matches the original's default payload size.
const DefaultDataSize = 32

// maxDataSize is 65535 minus a 20-byte IP header and 8-byte ICMP
// header, exactly as the original clamps it.
const maxDataSize = 65507

const pingID = 0x0001

// Listener receives ICMP echo lifecycle events. Implementations must
// not block.
type Listener interface {
	OnReply()
	OnTimeout()
}

// NopListener implements Listener by discarding every event.
type NopListener struct{}

func (NopListener) OnReply()   {}
func (NopListener) OnTimeout() {}

// Sender periodically pings one destination on its own goroutine.
type Sender struct {
	dst      *net.IPAddr
	interval time.Duration
	dataSize int
	payload  []byte
	listener Listener

	seq      atomic.Uint32
	gotReply atomic.Bool
	running  atomic.Bool

	stopFlag atomic.Bool
	doneCh   chan struct{}
	mu       sync.Mutex
}

// New configures a Sender targeting dstAddr (a literal IPv4 address,
// matching the original's lwip_inet_aton-based validation). dataSize
// is clamped to maxDataSize, as in allocateMessage.
func New(dstAddr string, interval time.Duration, dataSize int, listener Listener) (*Sender, error) {
	ip := net.ParseIP(dstAddr)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("pingsender: invalid destination address %q", dstAddr)
	}
	if dataSize <= 0 {
		dataSize = DefaultDataSize
	}
	if dataSize > maxDataSize {
		dataSize = maxDataSize
	}
	if listener == nil {
		listener = NopListener{}
	}

	payload := make([]byte, dataSize)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	return &Sender{
		dst:      &net.IPAddr{IP: ip.To4()},
		interval: interval,
		dataSize: dataSize,
		payload:  payload,
		listener: listener,
	}, nil
}

// Start begins the send/receive loop on a new goroutine. It returns
// false if already running, matching Start()'s "already started"
// refusal.
func (s *Sender) Start() bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	s.stopFlag.Store(false)
	s.gotReply.Store(false)
	s.doneCh = make(chan struct{})
	go s.loop()
	return true
}

// Stop requests the loop to exit and waits up to timeout for it to
// do so. timeout < 0 waits indefinitely. It returns false if the
// timeout elapsed first, matching Stop(int timeout_msec)'s contract.
func (s *Sender) Stop(timeout time.Duration) bool {
	if !s.running.Load() {
		return true
	}
	s.stopFlag.Store(true)

	if timeout < 0 {
		<-s.doneCh
		return true
	}
	select {
	case <-s.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// CheckReply reports whether any reply has been received since Start.
// The result is sticky until the next Start.
func (s *Sender) CheckReply() bool { return s.gotReply.Load() }

func (s *Sender) loop() {
	defer func() {
		s.running.Store(false)
		close(s.doneCh)
	}()

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return
	}
	defer conn.Close()

	for !s.stopFlag.Load() {
		if err := s.send(conn); err != nil {
			return
		}
		sentAt := time.Now()

		for {
			remaining := s.interval - time.Since(sentAt)
			if remaining <= 0 {
				s.listener.OnTimeout()
				break
			}
			if s.stopFlag.Load() {
				return
			}
			ok, err := s.receive(conn, remaining)
			if err != nil {
				return
			}
			if ok {
				// A reply ends the wait early; the next echo still
				// goes out one interval after this one was sent.
				if rest := s.interval - time.Since(sentAt); rest > 0 {
					time.Sleep(rest)
				}
				break
			}
			// Timed out waiting for this poll slice; loop to
			// recompute the remaining budget against the interval.
		}
	}
}

func (s *Sender) send(conn *icmp.PacketConn) error {
	seq := uint16(s.seq.Add(1))
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   pingID,
			Seq:  int(seq),
			Data: s.payload,
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("pingsender: marshal: %w", err)
	}
	_, err = conn.WriteTo(wire, s.dst)
	if err != nil {
		return fmt.Errorf("pingsender: sendto: %w", err)
	}
	return nil
}

// receive waits up to timeout for one reply. It returns (true, nil)
// once a reply has been observed and the listener notified, or
// (false, nil) on a plain receive timeout (matching the original
// treating EAGAIN/EWOULDBLOCK as non-error).
func (s *Sender) receive(conn *icmp.PacketConn, timeout time.Duration) (bool, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, fmt.Errorf("pingsender: recvfrom: %w", err)
	}

	msg, err := icmp.ParseMessage(1 /* ipv4.ICMPTypeEchoReply.Protocol() */, buf[:n])
	if err != nil || msg.Type != ipv4.ICMPTypeEchoReply {
		return false, nil
	}

	s.gotReply.Store(true)
	s.listener.OnReply()
	return true, nil
}
