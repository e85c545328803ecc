package test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestGvisorUDPEcho(t *testing.T) {
	h := newGvisorHarness(t)

	ep, _ := gvisorDialUDP(t, h.gs, 55555)
	payload := []byte("hello through gvisor")
	// gVisor ARP-resolves the gateway before the first datagram leaves.
	gvisorUDPWriteTo(t, ep, hostIPv4, 7, payload)

	got, from := gvisorUDPRead(t, ep, 2*time.Second)
	if !bytes.Equal(got, payload) {
		t.Errorf("echoed %q", got)
	}
	if from.Port != 7 {
		t.Errorf("echo from port %d", from.Port)
	}

	stats := h.ns.Stats()
	if stats.ARPReplies == 0 {
		t.Error("no ARP resolution observed")
	}
	if stats.EchoReplies != 0 {
		t.Errorf("unexpected ICMP activity: %+v", stats)
	}
}

func TestGvisorDNSResolve(t *testing.T) {
	h := newGvisorHarness(t)

	q := new(dns.Msg)
	q.SetQuestion("gateway.internal.", dns.TypeA)
	raw, err := q.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}

	ep, _ := gvisorDialUDP(t, h.gs, 40000)
	gvisorUDPWriteTo(t, ep, hostIPv4, 53, raw)

	got, _ := gvisorUDPRead(t, ep, 2*time.Second)
	var reply dns.Msg
	if err := reply.Unpack(got); err != nil {
		t.Fatalf("unpack reply: %v", err)
	}
	if len(reply.Answer) != 1 {
		t.Fatalf("%d answers", len(reply.Answer))
	}
	a, ok := reply.Answer[0].(*dns.A)
	if !ok || !a.A.Equal(net.IPv4(10, 42, 0, 1).To4()) {
		t.Errorf("answer %v", reply.Answer[0])
	}
	if h.ns.Stats().DNSQueries == 0 {
		t.Error("query not counted")
	}
}
