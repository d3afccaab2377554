// Package stackrt is the concrete realization of the StackRuntime
// boundary (spec.md §4.7) this module commits to: a gVisor
// pkg/tcpip userspace network stack, the same library
// wgengine/netstack embeds in the teacher repo. SlipLink feeds
// SLIP-decoded packets into the stack via InjectIP (which calls the
// SlipEndpoint's InjectInbound); outbound packets are drained with
// ReadOutbound and handed to SlipLink.Enqueue for SLIP encoding.
// Package socket listens and dials through ListenTCP and
// DialContextTCP; ListenUDP and DialUDP open UDP endpoints.
package stackrt

import (
	"context"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const nicID = tcpip.NICID(1)

// Config configures a Runtime's single NIC.
type Config struct {
	// LocalAddress is this side's address on the link (e.g.
	// 10.0.0.1/24 style prefix supplied separately via PrefixLen).
	LocalAddress netip.Addr
	PrefixLen    int
	MTU          uint32
	// OutboundQueueDepth bounds how many packets may be queued for
	// the SLIP encoder before WritePackets blocks.
	OutboundQueueDepth int
}

// Runtime owns a gVisor network stack with a single NIC backed by a
// SlipEndpoint.
type Runtime struct {
	stack *stack.Stack
	ep    *SlipEndpoint
}

// New constructs and configures the stack: NIC creation, address
// assignment, and a default route through the one NIC, mirroring
// wgengine/netstack.Impl.Create's wiring.
func New(cfg Config) (*Runtime, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4, icmp.NewProtocol6},
	})

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1500
	}
	ep := NewSlipEndpoint(cfg.OutboundQueueDepth, mtu)

	if err := s.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("stackrt: create NIC: %s", err)
	}
	if err := s.SetSpoofing(nicID, true); err != nil {
		return nil, fmt.Errorf("stackrt: set spoofing: %s", err)
	}
	if err := s.SetPromiscuousMode(nicID, true); err != nil {
		return nil, fmt.Errorf("stackrt: set promiscuous: %s", err)
	}

	if cfg.LocalAddress.IsValid() {
		proto := ipv4.ProtocolNumber
		if cfg.LocalAddress.Is6() {
			proto = ipv6.ProtocolNumber
		}
		addr := tcpip.AddrFromSlice(cfg.LocalAddress.AsSlice())
		protoAddr := tcpip.ProtocolAddress{
			Protocol:          proto,
			AddressWithPrefix: tcpip.AddressWithPrefix{Address: addr, PrefixLen: cfg.PrefixLen},
		}
		if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
			return nil, fmt.Errorf("stackrt: add address: %s", err)
		}
	}

	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	return &Runtime{stack: s, ep: ep}, nil
}

// Endpoint returns the runtime's link endpoint. InjectIP and
// ReadOutbound are the raw-byte wrappers over it that SlipLink and its
// outbound pump use.
func (r *Runtime) Endpoint() *SlipEndpoint { return r.ep }

// InjectIP hands a raw, SLIP-decoded IP packet (v4 or v6, determined
// by the version nibble of the first byte) to the stack.
func (r *Runtime) InjectIP(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("stackrt: empty packet")
	}
	var proto tcpip.NetworkProtocolNumber
	switch raw[0] >> 4 {
	case 4:
		proto = header.IPv4ProtocolNumber
	case 6:
		proto = header.IPv6ProtocolNumber
	default:
		return fmt.Errorf("stackrt: unrecognised IP version nibble %#x", raw[0]>>4)
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), raw...)),
	})
	defer pkt.DecRef()
	r.ep.InjectInbound(proto, pkt)
	return nil
}

// ReadOutbound blocks for the next outbound packet's raw bytes, ready
// for SLIP encoding, or returns nil if ctx is cancelled.
func (r *Runtime) ReadOutbound(ctx context.Context) []byte {
	pkt := r.ep.ReadContext(ctx)
	if pkt == nil {
		return nil
	}
	defer pkt.DecRef()
	return pkt.ToBuffer().Flatten()
}

// ListenTCP binds and listens for TCP connections on port.
func (r *Runtime) ListenTCP(port uint16) (*gonet.TCPListener, error) {
	addr := tcpip.FullAddress{Port: port}
	return gonet.ListenTCP(r.stack, addr, ipv4.ProtocolNumber)
}

// DialContextTCP connects to a peer across the stack.
func (r *Runtime) DialContextTCP(ctx context.Context, addr netip.AddrPort) (*gonet.TCPConn, error) {
	full := tcpip.FullAddress{
		Addr: tcpip.AddrFromSlice(addr.Addr().AsSlice()),
		Port: addr.Port(),
	}
	return gonet.DialContextTCP(ctx, r.stack, full, ipv4.ProtocolNumber)
}

// ListenUDP binds a UDP endpoint on port without connecting it to any
// single peer, matching a lwIP netconn UDP bind: ReadFrom/WriteTo see
// arbitrary peers.
func (r *Runtime) ListenUDP(port uint16) (*gonet.UDPConn, error) {
	local := &tcpip.FullAddress{Port: port}
	return gonet.DialUDP(r.stack, local, nil, ipv4.ProtocolNumber)
}

// DialUDP binds a UDP endpoint connected to a single peer.
func (r *Runtime) DialUDP(remote netip.AddrPort) (*gonet.UDPConn, error) {
	full := &tcpip.FullAddress{
		Addr: tcpip.AddrFromSlice(remote.Addr().AsSlice()),
		Port: remote.Port(),
	}
	return gonet.DialUDP(r.stack, nil, full, ipv4.ProtocolNumber)
}

// Close tears down the stack and its NIC.
func (r *Runtime) Close() {
	r.ep.Close()
	r.stack.Close()
}
