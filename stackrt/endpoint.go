package stackrt

import (
	"context"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// SlipEndpoint is the netif (spec.md glossary: "Stack abstraction of a
// network interface") that SlipLink attaches to. It is a
// stack.LinkEndpoint backed by a Go channel: SLIP-decoded inbound
// packets are injected directly via InjectInbound, and outbound
// packets the network stack produces are drained by ReadContext and
// handed to the SLIP encoder. Unlike gVisor's own channel endpoint,
// which drops packets when its queue is full, writes here block until
// the writer-side goroutine makes room — matching spec.md's decision
// to apply backpressure to the stack rather than silently drop and
// force a retransmit.
type SlipEndpoint struct {
	mtu      uint32
	linkAddr tcpip.LinkAddress

	mu         sync.RWMutex
	dispatcher stack.NetworkDispatcher

	outbound chan *stack.PacketBuffer
	closed   chan struct{}
	closeOne sync.Once
}

var _ stack.LinkEndpoint = (*SlipEndpoint)(nil)

// NewSlipEndpoint returns an endpoint whose outbound queue holds up
// to depth packets before Write blocks.
func NewSlipEndpoint(depth int, mtu uint32) *SlipEndpoint {
	return &SlipEndpoint{
		mtu:      mtu,
		outbound: make(chan *stack.PacketBuffer, depth),
		closed:   make(chan struct{}),
	}
}

// InjectInbound delivers a SLIP-decoded IP packet into the stack.
// protocol should be header.IPv4ProtocolNumber or
// header.IPv6ProtocolNumber depending on the packet's version nibble.
func (e *SlipEndpoint) InjectInbound(protocol tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()
	if d != nil {
		d.DeliverNetworkPacket(protocol, pkt)
	}
}

// ReadContext blocks for one outbound packet, or returns nil if ctx
// is cancelled or the endpoint is closed.
func (e *SlipEndpoint) ReadContext(ctx context.Context) *stack.PacketBuffer {
	select {
	case pkt := <-e.outbound:
		return pkt
	case <-e.closed:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Close stops accepting new outbound writes and releases anything
// still queued.
func (e *SlipEndpoint) Close() {
	e.closeOne.Do(func() { close(e.closed) })
	for {
		select {
		case pkt := <-e.outbound:
			pkt.DecRef()
		default:
			return
		}
	}
}

func (e *SlipEndpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

func (e *SlipEndpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

func (e *SlipEndpoint) MTU() uint32                                 { return e.mtu }
func (e *SlipEndpoint) Capabilities() stack.LinkEndpointCapabilities { return 0 }
func (e *SlipEndpoint) MaxHeaderLength() uint16                     { return 0 }
func (e *SlipEndpoint) LinkAddress() tcpip.LinkAddress              { return e.linkAddr }
func (*SlipEndpoint) Wait()                                         {}
func (*SlipEndpoint) ARPHardwareType() header.ARPHardwareType       { return header.ARPHardwareNone }
func (*SlipEndpoint) AddHeader(*stack.PacketBuffer)                 {}
func (*SlipEndpoint) ParseHeader(*stack.PacketBuffer) bool          { return true }

// WritePackets enqueues outbound packets, blocking when the queue is
// full rather than dropping, per the backpressure policy above.
func (e *SlipEndpoint) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	n := 0
	for _, pkt := range pkts.AsSlice() {
		select {
		case e.outbound <- pkt.IncRef():
			n++
		case <-e.closed:
			return n, &tcpip.ErrClosedForSend{}
		}
	}
	return n, nil
}
