// Package test drives the user-mode network stack with a real guest-side
// TCP/IP implementation (gVisor) instead of hand-crafted frames, so ARP
// resolution, checksums and datagram flow are exercised end to end.
package test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/droidvisor/droidvisor/internal/netstack"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const gvisorNICID tcpip.NICID = 1

var (
	hostIPv4  = net.IPv4(10, 42, 0, 1)
	guestIPv4 = net.IPv4(10, 42, 0, 2)
)

type gvisorHarness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	// user-mode stack (host side)
	ns *netstack.Stack

	// gVisor stack (guest side)
	gs      *stack.Stack
	ch      *channel.Endpoint
	guestMA net.HardwareAddr
}

func mustAddrFrom4(ip net.IP) tcpip.Address {
	ip4 := ip.To4()
	if ip4 == nil {
		panic("expected IPv4")
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b)
}

func newGvisorHarness(tb testing.TB) *gvisorHarness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &gvisorHarness{
		t:       tb,
		ctx:     ctx,
		cancel:  cancel,
		guestMA: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
	}

	// gVisor stack + channel endpoint. channel.Endpoint.MTU is the L2 MTU
	// for ethernet.Endpoint; use 1500 L3 MTU.
	h.ch = channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(h.guestMA)))
	ep := ethernet.New(h.ch)
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol},
	})
	if err := h.gs.CreateNIC(gvisorNICID, ep); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(
		gvisorNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   mustAddrFrom4(guestIPv4),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			Gateway:     mustAddrFrom4(hostIPv4),
			NIC:         gvisorNICID,
		},
	})

	// host stack -> gVisor
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.ns = netstack.New(logger, netstack.Config{}, func(frame []byte) {
		out := append([]byte(nil), frame...)
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(out),
		})
		// The ethernet link endpoint parses the ethernet header itself;
		// the protocol argument is ignored.
		h.ch.InjectInbound(0, pkt)
	})

	// gVisor -> host stack
	go func() {
		for {
			pkt := h.ch.ReadContext(h.ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			h.ns.Transmit(frame)
		}
	}()

	tb.Cleanup(func() {
		h.cancel()
		h.ch.Close()
	})
	return h
}

func gvisorDialUDP(tb testing.TB, gs *stack.Stack, localPort uint16) (tcpip.Endpoint, *waiter.Queue) {
	tb.Helper()
	var wq waiter.Queue
	ep, terr := gs.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		tb.Fatalf("gvisor new udp endpoint: %v", terr)
	}
	if terr := ep.Bind(tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(guestIPv4),
		Port: localPort,
	}); terr != nil {
		ep.Close()
		tb.Fatalf("gvisor udp bind: %v", terr)
	}
	tb.Cleanup(func() { ep.Close() })
	return ep, &wq
}

func gvisorUDPWriteTo(tb testing.TB, ep tcpip.Endpoint, dstIP net.IP, dstPort uint16, payload []byte) {
	tb.Helper()
	n, terr := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{
		To: &tcpip.FullAddress{
			NIC:  gvisorNICID,
			Addr: mustAddrFrom4(dstIP),
			Port: dstPort,
		},
	})
	if terr != nil {
		tb.Fatalf("gvisor udp write: %v", terr)
	}
	if int(n) != len(payload) {
		tb.Fatalf("gvisor udp short write: %d != %d", n, len(payload))
	}
}

func gvisorUDPRead(tb testing.TB, ep tcpip.Endpoint, timeout time.Duration) (data []byte, from tcpip.FullAddress) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for {
		buf := make([]byte, 64*1024)
		w := tcpip.SliceWriter(buf)
		rr, terr := ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		if terr == nil {
			return buf[:rr.Count], rr.RemoteAddr
		}
		if _, ok := terr.(*tcpip.ErrWouldBlock); ok {
			if time.Now().After(deadline) {
				tb.Fatalf("timeout waiting for gvisor udp read")
			}
			time.Sleep(1 * time.Millisecond)
			continue
		}
		tb.Fatalf("gvisor udp read: %v", terr)
	}
}
