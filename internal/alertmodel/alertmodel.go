// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package alertmodel holds the shared data model that flows through every
// correlation stage: alerts, their type keys, history entries, the TCP flow
// they were observed on, the generalization lattice, and the hyperalert
// predicates attached to them.
package alertmodel

import (
	"fmt"
	"net/netip"
)

// AlertTypeKey identifies a detection rule by the classic Snort triple.
// Equality and hashing are structural, so it is safe as a map key.
type AlertTypeKey struct {
	GID uint32
	SID uint32
	Rev uint32
}

func (k AlertTypeKey) String() string {
	return fmt.Sprintf("%d-%d-%d", k.GID, k.SID, k.Rev)
}

// IPv4Header is the subset of the IPv4 header the correlation engine needs.
type IPv4Header struct {
	TOS      uint8
	Length   uint16
	ID       uint16
	TTL      uint8
	Protocol uint8
	Src      netip.Addr
	Dst      netip.Addr
}

// TCPHeader is the subset of the TCP header the correlation engine needs.
// Present only when IPv4Header.Protocol is TCP or UDP.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Length  uint16
}

// TCP flag bits, matching the bitmask the original preprocessor used.
const (
	TCPFlagFIN uint8 = 1 << 0
	TCPFlagSYN uint8 = 1 << 1
	TCPFlagRST uint8 = 1 << 2
	TCPFlagPSH uint8 = 1 << 3
	TCPFlagACK uint8 = 1 << 4
	TCPFlagURG uint8 = 1 << 5
	TCPFlagECE uint8 = 1 << 6
	TCPFlagCWR uint8 = 1 << 7
)

// HyperAlertInfo is the pre/post-condition predicate set bound to one alert,
// macros already expanded per §4.6.
type HyperAlertInfo struct {
	Key      AlertTypeKey
	PreConds []string
	PostConds []string
}

// Alert is immutable after ingestion except for the generalization pointers
// and hyperalert back-reference, each assigned once by C4/C6.
type Alert struct {
	Serial      uint64
	Type        AlertTypeKey
	Priority    int
	Description string
	Classtype   string
	Timestamp   int64 // seconds since epoch

	IPv4 IPv4Header
	TCP  *TCPHeader // nil unless Protocol is TCP/UDP

	FlowKey *FlowKey // back-reference into the stream tracker, nil if none

	Hyperalert *HyperAlertInfo // nil until C6 binds it

	// generalization pointers assigned once by C4; nil means ungeneralized.
	SrcPortNode *int
	DstPortNode *int
	SrcAddrNode *int
	DstAddrNode *int

	GroupedCount int // multiplicity after cluster collapse, >= 1
	SuppressedBy *uint64 // serial of the cluster representative, if any
}

// Clone performs the deep copy required for lock-free snapshot consumption
// (§5 "Alert window: copy-on-read").
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	cp := *a
	if a.TCP != nil {
		tcp := *a.TCP
		cp.TCP = &tcp
	}
	if a.FlowKey != nil {
		fk := *a.FlowKey
		cp.FlowKey = &fk
	}
	if a.Hyperalert != nil {
		h := *a.Hyperalert
		h.PreConds = append([]string(nil), a.Hyperalert.PreConds...)
		h.PostConds = append([]string(nil), a.Hyperalert.PostConds...)
		cp.Hyperalert = &h
	}
	return &cp
}

// HistoryEntry is an append-only, time-ordered occurrence list for one
// AlertTypeKey. Invariant: Count == len(Timestamps) after every mutation,
// and Timestamps is non-decreasing.
type HistoryEntry struct {
	Key        AlertTypeKey
	Timestamps []int64
	Count      uint32
}

// FlowKey identifies a TCP flow by (source IPv4, destination port), matching
// the Stream Tracker's keying in §4.1.
type FlowKey struct {
	SrcAddr netip.Addr
	DstPort uint16
}

// Packet is one captured packet attached to a Flow.
type Packet struct {
	Timestamp int64
	Seq       uint32
	Flags     uint8
	Payload   []byte
}

// Flow is the ordered packet history for one FlowKey.
type Flow struct {
	Key      FlowKey
	Packets  []Packet // ordered by TCP sequence number
	Observed bool
	lastSeen int64
}

// LastSeen returns the timestamp of the most recently appended packet.
func (f *Flow) LastSeen() int64 { return f.lastSeen }

// Touch records the timestamp of a newly appended packet.
func (f *Flow) Touch(ts int64) {
	if ts > f.lastSeen {
		f.lastSeen = ts
	}
}

// HierarchyNodeKind selects which generalization axis a node belongs to.
type HierarchyNodeKind uint8

const (
	HierarchySrcPort HierarchyNodeKind = iota
	HierarchyDstPort
	HierarchySrcAddr
	HierarchyDstAddr
)

// HierarchyNode is a node in a generalization lattice, stored by arena index
// rather than owned pointers so whole trees can be rebuilt and swapped
// atomically (Design Note §9).
type HierarchyNode struct {
	Kind     HierarchyNodeKind
	Label    string
	Min, Max uint32
	Parent   int // -1 for the root
	Children []int
}

// ManualVerdict is the outcome a manual override pair forces.
type ManualVerdict uint8

const (
	ForceCorrelated ManualVerdict = iota
	ForceUncorrelated
)

// ManualPair is a user-supplied override between two alert types.
type ManualPair struct {
	From, To AlertTypeKey
	Verdict  ManualVerdict
}

// CorrelationEdge is a directed, weighted edge in the hyperalert graph.
type CorrelationEdge struct {
	From, To    uint64 // alert serials
	Coefficient float64
}
