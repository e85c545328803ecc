// Package netstack is a small user-mode network behind the guest's
// ethernet device. It answers ARP for the gateway, replies to ICMP echo,
// echoes UDP on the echo port and serves DNS for a fixed host table.
// There is no forwarding to the real network.
//
// Limitations: IPv4 only, no fragmentation, no TCP.
package netstack

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	ethernetHeaderLen = 14
	ipv4HeaderLen     = 20
	udpHeaderLen      = 8

	arpOpRequest = 1
	arpOpReply   = 2

	icmpProtocol = 1
	udpProtocol  = 17

	dnsPort     = 53
	udpEchoPort = 7
)

var broadcastMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Config sets the synthetic network's addressing. Zero values pick the
// defaults.
type Config struct {
	HostIP  [4]byte // address of this stack, the guest's gateway
	GuestIP [4]byte
	HostMAC [6]byte

	// Hosts maps DNS names (with or without trailing dot) to addresses
	// the embedded resolver answers for. GatewayName is always present.
	Hosts map[string][4]byte

	// GatewayName resolves to HostIP. Default "gateway.internal".
	GatewayName string
}

// Stats is a snapshot of the stack's counters.
type Stats struct {
	RxFrames    uint64
	TxFrames    uint64
	ARPReplies  uint64
	EchoReplies uint64
	DNSQueries  uint64
}

// Stack processes guest frames synchronously: Transmit parses one frame
// and emits any replies through the output function before returning.
type Stack struct {
	log *slog.Logger
	out func(frame []byte)

	hostIP  [4]byte
	guestIP [4]byte
	hostMAC [6]byte
	hosts   map[string][4]byte

	// Last source MAC seen from the guest, replies go there.
	mu       sync.Mutex
	guestMAC [6]byte
	haveMAC  bool

	rxFrames    atomic.Uint64
	txFrames    atomic.Uint64
	arpReplies  atomic.Uint64
	echoReplies atomic.Uint64
	dnsQueries  atomic.Uint64
}

// New builds a stack delivering replies through out (typically the net
// device's Receive).
func New(logger *slog.Logger, cfg Config, out func(frame []byte)) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HostIP == ([4]byte{}) {
		cfg.HostIP = [4]byte{10, 42, 0, 1}
	}
	if cfg.GuestIP == ([4]byte{}) {
		cfg.GuestIP = [4]byte{10, 42, 0, 2}
	}
	if cfg.HostMAC == ([6]byte{}) {
		cfg.HostMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}
	if cfg.GatewayName == "" {
		cfg.GatewayName = "gateway.internal"
	}

	s := &Stack{
		log:     logger,
		out:     out,
		hostIP:  cfg.HostIP,
		guestIP: cfg.GuestIP,
		hostMAC: cfg.HostMAC,
		hosts:   make(map[string][4]byte),
	}
	for name, ip := range cfg.Hosts {
		s.hosts[canonicalName(name)] = ip
	}
	s.hosts[canonicalName(cfg.GatewayName)] = cfg.HostIP
	return s
}

// HostIP returns the stack's own address.
func (s *Stack) HostIP() [4]byte { return s.hostIP }

func (s *Stack) Stats() Stats {
	return Stats{
		RxFrames:    s.rxFrames.Load(),
		TxFrames:    s.txFrames.Load(),
		ARPReplies:  s.arpReplies.Load(),
		EchoReplies: s.echoReplies.Load(),
		DNSQueries:  s.dnsQueries.Load(),
	}
}

// Transmit consumes one guest ethernet frame. It satisfies the net
// device's Backend interface.
func (s *Stack) Transmit(frame []byte) {
	s.rxFrames.Add(1)
	if len(frame) < ethernetHeaderLen {
		return
	}

	var dst, src [6]byte
	copy(dst[:], frame[0:6])
	copy(src[:], frame[6:12])
	etherType := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[ethernetHeaderLen:]

	if dst != s.hostMAC && dst != broadcastMAC {
		return
	}
	s.mu.Lock()
	s.guestMAC = src
	s.haveMAC = true
	s.mu.Unlock()

	switch etherType {
	case etherTypeARP:
		s.handleARP(payload)
	case etherTypeIPv4:
		s.handleIPv4(payload)
	}
}

func (s *Stack) handleARP(pkt []byte) {
	if len(pkt) < 28 {
		return
	}
	op := binary.BigEndian.Uint16(pkt[6:8])
	var targetIP [4]byte
	copy(targetIP[:], pkt[24:28])
	if op != arpOpRequest || targetIP != s.hostIP {
		return
	}

	reply := make([]byte, 28)
	binary.BigEndian.PutUint16(reply[0:2], 1) // ethernet
	binary.BigEndian.PutUint16(reply[2:4], etherTypeIPv4)
	reply[4] = 6
	reply[5] = 4
	binary.BigEndian.PutUint16(reply[6:8], arpOpReply)
	copy(reply[8:14], s.hostMAC[:])
	copy(reply[14:18], s.hostIP[:])
	copy(reply[18:24], pkt[8:14])  // requester MAC
	copy(reply[24:28], pkt[14:18]) // requester IP

	s.arpReplies.Add(1)
	s.emit(etherTypeARP, reply)
}

func (s *Stack) handleIPv4(pkt []byte) {
	hdr, err := ipv4.ParseHeader(pkt)
	if err != nil {
		s.log.Debug("netstack: bad ipv4 header", "error", err)
		return
	}
	if hdr.TotalLen > len(pkt) || hdr.Len > hdr.TotalLen {
		return
	}
	var dst, src [4]byte
	copy(dst[:], hdr.Dst.To4())
	copy(src[:], hdr.Src.To4())
	if dst != s.hostIP {
		return
	}
	l4 := pkt[hdr.Len:hdr.TotalLen]

	switch hdr.Protocol {
	case icmpProtocol:
		s.handleICMP(src, l4)
	case udpProtocol:
		s.handleUDP(src, l4)
	}
}

func (s *Stack) handleICMP(src [4]byte, pkt []byte) {
	msg, err := icmp.ParseMessage(icmpProtocol, pkt)
	if err != nil {
		s.log.Debug("netstack: bad icmp", "error", err)
		return
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok || msg.Type != ipv4.ICMPTypeEcho {
		return
	}

	reply := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: echo.ID, Seq: echo.Seq, Data: echo.Data},
	}
	raw, err := reply.Marshal(nil)
	if err != nil {
		s.log.Debug("netstack: marshal echo reply", "error", err)
		return
	}
	s.echoReplies.Add(1)
	s.emitIPv4(src, icmpProtocol, raw)
}

func (s *Stack) handleUDP(src [4]byte, pkt []byte) {
	if len(pkt) < udpHeaderLen {
		return
	}
	srcPort := binary.BigEndian.Uint16(pkt[0:2])
	dstPort := binary.BigEndian.Uint16(pkt[2:4])
	length := int(binary.BigEndian.Uint16(pkt[4:6]))
	if length < udpHeaderLen || length > len(pkt) {
		return
	}
	payload := pkt[udpHeaderLen:length]

	switch dstPort {
	case dnsPort:
		if answer := s.answerDNS(payload); answer != nil {
			s.emitUDP(src, dnsPort, srcPort, answer)
		}
	case udpEchoPort:
		s.emitUDP(src, udpEchoPort, srcPort, payload)
	}
}

func (s *Stack) emitUDP(dstIP [4]byte, srcPort, dstPort uint16, payload []byte) {
	pkt := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(pkt[0:2], srcPort)
	binary.BigEndian.PutUint16(pkt[2:4], dstPort)
	binary.BigEndian.PutUint16(pkt[4:6], uint16(len(pkt)))
	// Checksum left zero: optional for UDP over IPv4.
	copy(pkt[udpHeaderLen:], payload)
	s.emitIPv4(dstIP, udpProtocol, pkt)
}

func (s *Stack) emitIPv4(dstIP [4]byte, proto int, payload []byte) {
	hdr := ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4HeaderLen,
		TotalLen: ipv4HeaderLen + len(payload),
		TTL:      64,
		Protocol: proto,
		Src:      s.hostIP[:],
		Dst:      dstIP[:],
	}
	raw, err := hdr.Marshal()
	if err != nil {
		s.log.Debug("netstack: marshal ipv4 header", "error", err)
		return
	}
	binary.BigEndian.PutUint16(raw[10:12], internetChecksum(raw))

	s.emit(etherTypeIPv4, append(raw, payload...))
}

func (s *Stack) emit(etherType uint16, payload []byte) {
	s.mu.Lock()
	dst := s.guestMAC
	have := s.haveMAC
	s.mu.Unlock()
	if !have {
		dst = broadcastMAC
	}

	frame := make([]byte, ethernetHeaderLen+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], s.hostMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[ethernetHeaderLen:], payload)

	s.txFrames.Add(1)
	if s.out != nil {
		s.out(frame)
	}
}

func internetChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return ^uint16(sum)
}
