package stackrt

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"
)

// wireLoopback cross-connects two runtimes' link endpoints directly
// (no SLIP framing involved at this layer) so each runtime's outbound
// IP packets become the other's inbound ones, simulating two ends of
// a link.
func wireLoopback(t *testing.T, a, b *Runtime) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pump := func(from, to *Runtime) {
		for {
			raw := from.ReadOutbound(ctx)
			if raw == nil {
				return
			}
			if err := to.InjectIP(raw); err != nil {
				t.Logf("InjectIP: %v", err)
			}
		}
	}
	go pump(a, b)
	go pump(b, a)
	return cancel
}

func TestLoopbackTCPEcho(t *testing.T) {
	a, err := New(Config{LocalAddress: netip.MustParseAddr("10.0.0.1"), PrefixLen: 24, MTU: 1500, OutboundQueueDepth: 16})
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	defer a.Close()
	b, err := New(Config{LocalAddress: netip.MustParseAddr("10.0.0.2"), PrefixLen: 24, MTU: 1500, OutboundQueueDepth: 16})
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	defer b.Close()

	cancel := wireLoopback(t, a, b)
	defer cancel()

	ln, err := b.ListenTCP(9999)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := readFull(conn, buf); err != nil {
			acceptErrCh <- err
			return
		}
		if _, err := conn.Write(buf); err != nil {
			acceptErrCh <- err
			return
		}
		acceptErrCh <- nil
	}()

	ctx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDial()
	conn, err := a.DialContextTCP(ctx, netip.MustParseAddrPort("10.0.0.2:9999"))
	if err != nil {
		t.Fatalf("DialContextTCP: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	back := make([]byte, 5)
	if _, err := readFull(conn, back); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(back) != "hello" {
		t.Fatalf("echo = %q; want %q", back, "hello")
	}
	if err := <-acceptErrCh; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
