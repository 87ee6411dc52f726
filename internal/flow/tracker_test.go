package flow

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blacklight/aicorrd/internal/alertmodel"
)

func key(t *testing.T) alertmodel.FlowKey {
	t.Helper()
	addr := netip.MustParseAddr("1.2.3.4")
	return alertmodel.FlowKey{SrcAddr: addr, DstPort: 80}
}

func TestEnqueueOrdersBySequence(t *testing.T) {
	tr := New(time.Minute, zap.NewNop())
	k := key(t)
	now := time.Now().Unix()

	tr.Enqueue(k, alertmodel.Packet{Timestamp: now, Seq: 30})
	tr.Enqueue(k, alertmodel.Packet{Timestamp: now + 1, Seq: 10})
	tr.Enqueue(k, alertmodel.Packet{Timestamp: now + 2, Seq: 20})

	f, ok := tr.Lookup(k)
	require.True(t, ok)
	require.Equal(t, []uint32{10, 20, 30}, []uint32{f.Packets[0].Seq, f.Packets[1].Seq, f.Packets[2].Seq})
}

func TestFlowEvictionS5(t *testing.T) {
	tr := New(5*time.Second, zap.NewNop())
	k := key(t)
	base := time.Now()

	for i := int64(0); i <= 10; i++ {
		tr.Enqueue(k, alertmodel.Packet{Timestamp: base.Unix() + i, Seq: uint32(i)})
	}

	tr.Sweep(base.Add(20 * time.Second))
	_, ok := tr.Lookup(k)
	require.False(t, ok, "idle unobserved flow must be evicted")
}

func TestObservedFlowSurvivesSweep(t *testing.T) {
	tr := New(5*time.Second, zap.NewNop())
	k := key(t)
	base := time.Now()

	for i := int64(0); i <= 10; i++ {
		tr.Enqueue(k, alertmodel.Packet{Timestamp: base.Unix() + i, Seq: uint32(i)})
	}
	tr.MarkObserved(k)

	tr.Sweep(base.Add(1 * time.Hour))
	_, ok := tr.Lookup(k)
	require.True(t, ok, "observed flow must survive past the idle horizon")
}

func TestSnapshotIsIndependentOfLaterMutation(t *testing.T) {
	tr := New(time.Minute, zap.NewNop())
	k := key(t)
	tr.Enqueue(k, alertmodel.Packet{Timestamp: 1, Seq: 1})

	snap := tr.Snapshot()
	tr.Enqueue(k, alertmodel.Packet{Timestamp: 2, Seq: 2})

	require.Len(t, snap[k].Packets, 1, "snapshot must not observe packets appended afterward")
}

func TestRSTDropsUnobservedFlow(t *testing.T) {
	tr := New(time.Minute, zap.NewNop())
	k := key(t)
	tr.Enqueue(k, alertmodel.Packet{Timestamp: 1, Seq: 1})
	tr.Enqueue(k, alertmodel.Packet{Timestamp: 2, Seq: 2, Flags: alertmodel.TCPFlagRST})

	_, ok := tr.Lookup(k)
	require.False(t, ok)
}
