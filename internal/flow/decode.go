package flow

import (
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/blacklight/aicorrd/internal/alertmodel"
)

// DecodePacket parses one raw IPv4 packet captured by the upstream
// inspector into the (FlowKey, Packet) pair Enqueue expects, using
// gopacket/layers instead of hand-rolled header parsing (spec.md §4.1,
// SPEC_FULL.md's C1 grounding). Non-IPv4/TCP packets and malformed input
// return ok=false; per spec.md §4.1 malformed packets are ignored, not
// fatal.
func DecodePacket(raw []byte) (key alertmodel.FlowKey, pkt alertmodel.Packet, ok bool) {
	packet := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	ipLayer, _ := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ipLayer == nil {
		return key, pkt, false
	}
	tcpLayer, _ := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if tcpLayer == nil {
		return key, pkt, false
	}

	srcAddr, okAddr := netip.AddrFromSlice(ipLayer.SrcIP.To4())
	if !okAddr {
		return key, pkt, false
	}

	key = alertmodel.FlowKey{SrcAddr: srcAddr, DstPort: uint16(tcpLayer.DstPort)}
	pkt = alertmodel.Packet{
		Seq:     tcpLayer.Seq,
		Flags:   tcpFlagsOf(tcpLayer),
		Payload: append([]byte(nil), tcpLayer.Payload...),
	}
	return key, pkt, true
}

func tcpFlagsOf(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= alertmodel.TCPFlagFIN
	}
	if tcp.SYN {
		f |= alertmodel.TCPFlagSYN
	}
	if tcp.RST {
		f |= alertmodel.TCPFlagRST
	}
	if tcp.PSH {
		f |= alertmodel.TCPFlagPSH
	}
	if tcp.ACK {
		f |= alertmodel.TCPFlagACK
	}
	if tcp.URG {
		f |= alertmodel.TCPFlagURG
	}
	if tcp.ECE {
		f |= alertmodel.TCPFlagECE
	}
	if tcp.CWR {
		f |= alertmodel.TCPFlagCWR
	}
	return f
}

// EnqueueRaw decodes raw and appends it via Enqueue if it parses as an
// IPv4/TCP packet; malformed or non-TCP input is silently dropped, per
// spec.md §4.1's "malformed packets are ignored".
func (t *Tracker) EnqueueRaw(raw []byte) {
	key, pkt, ok := DecodePacket(raw)
	if !ok {
		return
	}
	pkt.Timestamp = time.Now().Unix()
	t.Enqueue(key, pkt)
}
