// Package ingest implements the Alert Ingestor (C2): two interchangeable
// sources -- a text-log tailer and a DB poller -- both producing the same
// canonical alertmodel.Alert sequence. The text parser's five line shapes
// are ported from original_source/alert_parser.c's regex lexicon into
// Go's regexp; the tailer itself uses fsnotify the way the teacher's pack
// watches config files for rewrite (smart-mcp-proxy-mcpproxy-go/internal/tray).
package ingest

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/blacklight/aicorrd/internal/aierr"
	"github.com/blacklight/aicorrd/internal/alertmodel"
	"github.com/blacklight/aicorrd/internal/flow"
)

var (
	headerRe = regexp.MustCompile(`^\[\*\*\]\s*\[(\d+):(\d+):(\d+)\]\s*(.*?)\s*\[\*\*\]$`)
	priorityRe = regexp.MustCompile(`\[Priority:\s*(\d+)\]`)
	classRe    = regexp.MustCompile(`\[Classification:\s*([^\]]+)\]`)

	endpointsWithPortsRe = regexp.MustCompile(
		`^(\d{2})/(\d{2})-(\d{2}):(\d{2}):(\d{2})\.\d+\s+(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{1,5})\s*->\s*(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{1,5})`)
	endpointsNoPortsRe = regexp.MustCompile(
		`^(\d{2})/(\d{2})-(\d{2}):(\d{2}):(\d{2})\.\d+\s+(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\s*->\s*(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)

	ipHeaderRe = regexp.MustCompile(
		`^(\S+)\s+TTL:\s*(\d+)\s+TOS:\s*0x([0-9A-Fa-f]+)\s+ID:\s*(\d+)\s+IpLen:\s*(\d+)`)

	tcpHeaderRe = regexp.MustCompile(
		`^([*UAPRSF]{8})\s+Seq:\s*0x([0-9A-Fa-f]+)\s+Ack:\s*0x([0-9A-Fa-f]+)\s+Win:\s*0x([0-9A-Fa-f]+)\s+TcpLen:\s*(\d+)`)
)

// recordBuilder accumulates the five mandatory lines of one alert record.
type recordBuilder struct {
	key         alertmodel.AlertTypeKey
	desc        string
	priority    int
	classtype   string
	timestamp   int64
	srcAddr     netip.Addr
	dstAddr     netip.Addr
	srcPort     uint16
	dstPort     uint16
	havePorts   bool
	ipv4        alertmodel.IPv4Header
	tcp         *alertmodel.TCPHeader
	sawHeader   bool
	sawEndpoint bool
	sawIP       bool
}

// feedLine applies one non-blank line to the in-progress record. Returns an
// error if the first line of a record is not a header (a malformed record
// boundary, spec.md §4.2), or if a later line matches none of the other
// shapes.
func (rb *recordBuilder) feedLine(line string) error {
	line = strings.TrimRight(line, " \t\r\n")
	if line == "" {
		return nil
	}

	if !rb.sawHeader {
		m := headerRe.FindStringSubmatch(line)
		if m == nil {
			return &aierr.MalformedRecordError{Msg: "line does not open an alert record: " + line}
		}
		gid, _ := strconv.ParseUint(m[1], 10, 32)
		sid, _ := strconv.ParseUint(m[2], 10, 32)
		rev, _ := strconv.ParseUint(m[3], 10, 32)
		rb.key = alertmodel.AlertTypeKey{GID: uint32(gid), SID: uint32(sid), Rev: uint32(rev)}
		rb.desc = m[4]
		rb.sawHeader = true
		return nil
	}

	if m := priorityRe.FindStringSubmatch(line); m != nil {
		p, _ := strconv.Atoi(m[1])
		rb.priority = p
		if cm := classRe.FindStringSubmatch(line); cm != nil {
			rb.classtype = cm[1]
		}
		return nil
	}

	if m := endpointsWithPortsRe.FindStringSubmatch(line); m != nil {
		rb.timestamp = reconstructTimestamp(m[1], m[2], m[3], m[4], m[5])
		rb.srcAddr = netip.MustParseAddr(m[6])
		rb.dstAddr = netip.MustParseAddr(m[8])
		sp, _ := strconv.ParseUint(m[7], 10, 16)
		dp, _ := strconv.ParseUint(m[9], 10, 16)
		rb.srcPort = uint16(sp)
		rb.dstPort = uint16(dp)
		rb.havePorts = true
		rb.sawEndpoint = true
		return nil
	}

	if m := endpointsNoPortsRe.FindStringSubmatch(line); m != nil {
		rb.timestamp = reconstructTimestamp(m[1], m[2], m[3], m[4], m[5])
		rb.srcAddr = netip.MustParseAddr(m[6])
		rb.dstAddr = netip.MustParseAddr(m[7])
		rb.sawEndpoint = true
		return nil
	}

	if m := ipHeaderRe.FindStringSubmatch(line); m != nil {
		proto := protocolNumber(m[1])
		ttl, _ := strconv.ParseUint(m[2], 10, 8)
		tos, _ := strconv.ParseUint(m[3], 16, 8)
		id, _ := strconv.ParseUint(m[4], 10, 16)
		iplen, _ := strconv.ParseUint(m[5], 10, 16)
		rb.ipv4 = alertmodel.IPv4Header{
			TOS: uint8(tos), Length: uint16(iplen), ID: uint16(id), TTL: uint8(ttl), Protocol: proto,
			Src: rb.srcAddr, Dst: rb.dstAddr,
		}
		rb.sawIP = true
		return nil
	}

	if m := tcpHeaderRe.FindStringSubmatch(line); m != nil {
		seq, _ := strconv.ParseUint(m[2], 16, 32)
		ack, _ := strconv.ParseUint(m[3], 16, 32)
		win, _ := strconv.ParseUint(m[4], 16, 16)
		tcplen, _ := strconv.ParseUint(m[5], 10, 16)
		rb.tcp = &alertmodel.TCPHeader{
			SrcPort: rb.srcPort, DstPort: rb.dstPort,
			Seq: uint32(seq), Ack: uint32(ack),
			Flags:  parseFlags(m[1]),
			Window: uint16(win), Length: uint16(tcplen),
		}
		return nil
	}

	return &aierr.MalformedRecordError{Msg: "line matches none of the five alert shapes: " + line}
}

// reconstructTimestamp rebuilds the alert's Unix timestamp from the log
// line's month/day/hour/min/sec fields, the way original_source/alert_parser.c:198-212
// fills in the missing year via localtime/mktime on the current wall clock.
// The log format carries no year, so alerts logged in the last seconds of
// December and read in January would reconstruct one year fast; the
// original has the same limitation and it is not worth a calendar-rollover
// heuristic here.
func reconstructTimestamp(monthS, dayS, hourS, minS, secS string) int64 {
	month, _ := strconv.Atoi(monthS)
	day, _ := strconv.Atoi(dayS)
	hour, _ := strconv.Atoi(hourS)
	min, _ := strconv.Atoi(minS)
	sec, _ := strconv.Atoi(secS)
	now := time.Now()
	return time.Date(now.Year(), time.Month(month), day, hour, min, sec, 0, time.Local).Unix()
}

func protocolNumber(name string) uint8 {
	switch strings.ToLower(name) {
	case "tcp":
		return 6
	case "udp":
		return 17
	case "icmp":
		return 1
	default:
		return 0
	}
}

func parseFlags(s string) uint8 {
	var f uint8
	if strings.Contains(s, "C") {
		f |= alertmodel.TCPFlagCWR
	}
	if strings.Contains(s, "E") {
		f |= alertmodel.TCPFlagECE
	}
	if strings.Contains(s, "U") {
		f |= alertmodel.TCPFlagURG
	}
	if strings.Contains(s, "A") {
		f |= alertmodel.TCPFlagACK
	}
	if strings.Contains(s, "P") {
		f |= alertmodel.TCPFlagPSH
	}
	if strings.Contains(s, "R") {
		f |= alertmodel.TCPFlagRST
	}
	if strings.Contains(s, "S") {
		f |= alertmodel.TCPFlagSYN
	}
	if strings.Contains(s, "F") {
		f |= alertmodel.TCPFlagFIN
	}
	return f
}

// complete reports whether the record has seen all mandatory lines.
func (rb *recordBuilder) complete() bool {
	return rb.sawHeader && rb.sawEndpoint && rb.sawIP
}

// build finalizes the record into an Alert, attaching and marking observed
// the originating flow when the protocol is TCP and the tracker has a
// matching entry (spec.md §4.2).
func (rb *recordBuilder) build(serial uint64, tracker *flow.Tracker) (*alertmodel.Alert, error) {
	if !rb.complete() {
		return nil, &aierr.MalformedRecordError{Msg: fmt.Sprintf("truncated alert record for %s", rb.key)}
	}

	a := &alertmodel.Alert{
		Serial:      serial,
		Type:        rb.key,
		Priority:    rb.priority,
		Description: rb.desc,
		Classtype:   rb.classtype,
		Timestamp:   rb.timestamp,
		IPv4:        rb.ipv4,
		TCP:         rb.tcp,
		GroupedCount: 1,
	}

	if rb.tcp != nil && rb.ipv4.Protocol == 6 && tracker != nil {
		fk := alertmodel.FlowKey{SrcAddr: rb.srcAddr, DstPort: rb.dstPort}
		if _, ok := tracker.Lookup(fk); ok {
			tracker.MarkObserved(fk)
			a.FlowKey = &fk
		}
	}

	return a, nil
}
