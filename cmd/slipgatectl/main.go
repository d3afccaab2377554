// Command slipgatectl wires the whole pipeline together: a SLIP device
// fd, the gVisor-backed stack runtime, the socket facade for a local
// TCP listener, and an optional PCAP capture of outbound traffic — the
// same composition an embedding host (spec.md §4.8's JNI boundary, or
// any other caller of hostcb.Callbacks) would perform, minus the JNI
// plumbing itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xevo/slipstack/config"
	"github.com/xevo/slipstack/hostcb"
	"github.com/xevo/slipstack/lifecycle"
	"github.com/xevo/slipstack/link"
	"github.com/xevo/slipstack/pcap"
	"github.com/xevo/slipstack/pingsender"
	"github.com/xevo/slipstack/socket"
	"github.com/xevo/slipstack/stackrt"
)

func main() {
	device := flag.String("device", "", "path to the SLIP character device")
	localAddr := flag.String("local", "10.0.0.1", "local IPv4 address for the stack's NIC")
	prefixLen := flag.Int("prefix", 24, "address prefix length")
	mtu := flag.Int("mtu", 1500, "link MTU")
	listenPort := flag.Int("listen", 0, "if non-zero, run a TCP echo listener on this port")
	capturePrefix := flag.String("pcap", "", "if set, capture outbound frames under this directory with pcap.OpenSession")
	pingTarget := flag.String("ping", "", "if set, periodically probe this IPv4 address over the host network and log reachability")
	pingInterval := flag.Duration("ping-interval", 5*time.Second, "interval between probes when -ping is set")
	flag.Parse()

	if *device == "" {
		fmt.Fprintln(os.Stderr, "slipgatectl: -device is required")
		os.Exit(2)
	}

	lifecycle.Init()
	defer lifecycle.Shutdown()

	addr, err := netip.ParseAddr(*localAddr)
	if err != nil {
		log.Fatalf("slipgatectl: parse -local: %v", err)
	}

	rt, err := stackrt.New(stackrt.Config{
		LocalAddress:       addr,
		PrefixLen:          *prefixLen,
		MTU:                uint32(*mtu),
		OutboundQueueDepth: 64,
	})
	if err != nil {
		log.Fatalf("slipgatectl: stackrt.New: %v", err)
	}
	defer rt.Close()

	fd, err := unix.Open(*device, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		log.Fatalf("slipgatectl: open %s: %v", *device, err)
	}
	defer unix.Close(fd)

	var capture *pcap.AsyncWriter
	if *capturePrefix != "" {
		w, err := pcap.OpenSession(*capturePrefix, pcap.DefaultConfig())
		if err != nil {
			log.Fatalf("slipgatectl: pcap.OpenSession: %v", err)
		}
		capture = pcap.NewAsyncWriter(w)
		defer capture.Close()
	}

	cfg := config.Default()
	cb := &loggingCallbacks{capture: capture}
	l := link.Attach(fd, rt, cfg, log.Printf, cb)
	defer l.Detach()

	go pumpOutbound(rt, l)

	if *listenPort != 0 {
		runEchoListener(rt, cfg, uint16(*listenPort))
	}

	if *pingTarget != "" {
		prober, err := pingsender.New(*pingTarget, *pingInterval, 0, pingLogger{target: *pingTarget})
		if err != nil {
			log.Fatalf("slipgatectl: pingsender.New: %v", err)
		}
		prober.Start()
		defer prober.Stop(2 * time.Second)
	}

	waitForSignal()
}

// pumpOutbound drains the stack's outbound packets and hands them to
// SlipLink for SLIP encoding and transmission; it is the counterpart
// to SlipLink's own reader goroutine injecting inbound packets.
func pumpOutbound(rt *stackrt.Runtime, l *link.SlipLink) {
	ctx := context.Background()
	for {
		raw := rt.ReadOutbound(ctx)
		if raw == nil {
			return
		}
		l.Enqueue(raw)
	}
}

// runEchoListener demonstrates the socket facade end to end: accept a
// connection, echo whatever arrives, in a loop, until the listener is
// closed.
func runEchoListener(rt *stackrt.Runtime, cfg config.Config, port uint16) {
	server, err := socket.Listen(rt, port, 8, nil, log.Printf, cfg)
	if err != nil {
		log.Fatalf("slipgatectl: socket.Listen: %v", err)
	}
	go func() {
		for {
			conn, err := server.Accept()
			if err != nil {
				log.Printf("slipgatectl: accept: %v", err)
				return
			}
			go echoConn(conn)
		}
	}()
}

func echoConn(conn *socket.Socket) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Recv(buf, 30*time.Second)
		if err != nil {
			return
		}
		if n == 0 {
			return
		}
		if err := conn.Send(buf[:n]); err != nil {
			return
		}
	}
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}

type loggingCallbacks struct {
	capture *pcap.AsyncWriter
}

func (c *loggingCallbacks) OnSlipPacketReady(frame []byte) {
	if c.capture != nil {
		c.capture.Enqueue(frame)
	}
}

func (c *loggingCallbacks) OnNativeError(code hostcb.NativeError) {
	log.Printf("slipgatectl: native error: %v", code)
}

func (c *loggingCallbacks) OnBufferEmpty(id int64) {
	log.Printf("slipgatectl: write buffer drained (id=%d)", id)
}

// pingLogger reports pingsender events independent of the tunnel's
// own socket traffic, matching the original's use of PingSender as a
// general reachability probe rather than a per-connection keepalive.
type pingLogger struct {
	target string
}

func (p pingLogger) OnReply()   { log.Printf("slipgatectl: ping reply from %s", p.target) }
func (p pingLogger) OnTimeout() { log.Printf("slipgatectl: ping timeout waiting for %s", p.target) }
