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

// Package flow implements the Stream Tracker (C1): a concurrent index of
// live TCP flows keyed by (source IP, destination port), grounded on the
// teacher's flowMutex/haxmap pattern in pcap-cli/internal/transformer.
package flow

import (
	"sort"
	"time"

	"github.com/alphadose/haxmap"
	"go.uber.org/zap"

	"github.com/blacklight/aicorrd/internal/alertmodel"
)

// Tracker indexes flows by alertmodel.FlowKey. The zero value is not usable;
// construct with New.
type Tracker struct {
	flows       *haxmap.Map[alertmodel.FlowKey, *alertmodel.Flow]
	idleHorizon time.Duration
	startedAt   int64
	log         *zap.Logger
}

// New returns a Tracker whose sweep evicts flows idle past idleHorizon.
func New(idleHorizon time.Duration, log *zap.Logger) *Tracker {
	return &Tracker{
		flows:       haxmap.New[alertmodel.FlowKey, *alertmodel.Flow](),
		idleHorizon: idleHorizon,
		startedAt:   time.Now().Unix(),
		log:         log,
	}
}

func keyOf(key alertmodel.FlowKey) alertmodel.FlowKey { return key }

// Enqueue appends an IPv4/TCP packet to its flow in TCP-sequence order. If a
// RST is observed on a flow that is not yet observed, the flow is dropped.
// If the packet carries ACK and the flow's previous tail carried FIN, the
// flow is closed and dropped when not observed. Enqueue does not validate
// pkt itself; EnqueueRaw drops malformed input before it gets here.
func (t *Tracker) Enqueue(key alertmodel.FlowKey, pkt alertmodel.Packet) {
	f, _ := t.flows.GetOrCompute(keyOf(key), func() *alertmodel.Flow {
		return &alertmodel.Flow{Key: key}
	})

	if pkt.Flags&alertmodel.TCPFlagRST != 0 && !f.Observed {
		t.flows.Del(key)
		return
	}

	if len(f.Packets) > 0 {
		tail := f.Packets[len(f.Packets)-1]
		if tail.Flags&alertmodel.TCPFlagFIN != 0 && pkt.Flags&alertmodel.TCPFlagACK != 0 && !f.Observed {
			t.flows.Del(key)
			return
		}
	}

	// insert keeping TCP-sequence order within the flow.
	idx := sort.Search(len(f.Packets), func(i int) bool { return f.Packets[i].Seq >= pkt.Seq })
	f.Packets = append(f.Packets, alertmodel.Packet{})
	copy(f.Packets[idx+1:], f.Packets[idx:])
	f.Packets[idx] = pkt
	f.Touch(pkt.Timestamp)
}

// Lookup returns the flow for key if present and its latest timestamp is at
// or after the tracker's start time.
func (t *Tracker) Lookup(key alertmodel.FlowKey) (*alertmodel.Flow, bool) {
	f, ok := t.flows.Get(key)
	if !ok {
		return nil, false
	}
	if f.LastSeen() < t.startedAt {
		return nil, false
	}
	return f, true
}

// MarkObserved sets the sticky flag that prevents later eviction.
func (t *Tracker) MarkObserved(key alertmodel.FlowKey) {
	if f, ok := t.flows.Get(key); ok {
		f.Observed = true
	}
}

// Sweep drops every flow whose most recent packet is older than the idle
// horizon and which is not observed. Observed flows are retained
// indefinitely until explicit shutdown (spec.md §9 Open Question).
func (t *Tracker) Sweep(now time.Time) int {
	horizon := now.Add(-t.idleHorizon).Unix()
	dropped := 0
	var stale []alertmodel.FlowKey

	t.flows.ForEach(func(key alertmodel.FlowKey, f *alertmodel.Flow) bool {
		if !f.Observed && f.LastSeen() < horizon {
			stale = append(stale, key)
		}
		return true
	})

	for _, key := range stale {
		t.flows.Del(key)
		dropped++
	}

	if t.log != nil && dropped > 0 {
		t.log.Debug("swept idle flows", zap.Int("dropped", dropped))
	}
	return dropped
}

// Len reports the number of tracked flows, for diagnostics.
func (t *Tracker) Len() uintptr { return t.flows.Len() }

// Snapshot returns a copy-on-read view of every tracked flow, keyed by
// FlowKey, for consumers (the Output Serializer's packet_streams rows) that
// must not observe concurrent packet appends (§5 "copy-on-read").
func (t *Tracker) Snapshot() map[alertmodel.FlowKey]*alertmodel.Flow {
	out := make(map[alertmodel.FlowKey]*alertmodel.Flow)
	t.flows.ForEach(func(key alertmodel.FlowKey, f *alertmodel.Flow) bool {
		cp := *f
		cp.Packets = append([]alertmodel.Packet(nil), f.Packets...)
		out[key] = &cp
		return true
	})
	return out
}
