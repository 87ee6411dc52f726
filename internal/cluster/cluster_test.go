package cluster

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacklight/aicorrd/internal/alertmodel"
)

func TestBuildAttachesUnderSmallestCover(t *testing.T) {
	specs := []RangeSpec{
		{Name: "wide", Min: 0, Max: 1000, Order: 0},
		{Name: "narrow", Min: 10, Max: 20, Order: 1},
		{Name: "narrower", Min: 12, Max: 14, Order: 2},
	}
	tree := Build(alertmodel.HierarchySrcPort, specs)

	narrowerIdx := -1
	narrowIdx := -1
	for i, n := range tree.Nodes {
		if n.Label == "narrower" {
			narrowerIdx = i
		}
		if n.Label == "narrow" {
			narrowIdx = i
		}
	}
	require.NotEqual(t, -1, narrowerIdx)
	require.NotEqual(t, -1, narrowIdx)
	require.Equal(t, narrowIdx, tree.Nodes[narrowerIdx].Parent)
}

func TestGeneralizeInsertsSyntheticLeafForNonPoint(t *testing.T) {
	specs := []RangeSpec{{Name: "range", Min: 0, Max: 100, Order: 0}}
	tree := Build(alertmodel.HierarchyDstPort, specs)

	idx, ok := tree.Generalize(42)
	require.True(t, ok)
	require.Equal(t, uint32(42), tree.Nodes[idx].Min)
	require.Equal(t, uint32(42), tree.Nodes[idx].Max)
}

func TestGeneralizeFallsBackToRootWhenNoSpecsDeclared(t *testing.T) {
	tree := Build(alertmodel.HierarchySrcPort, nil)
	idx, ok := tree.Generalize(80)
	require.True(t, ok)
	// Root covers the universe but is not a point, so a synthetic leaf for
	// the exact value is created under it.
	require.Equal(t, uint32(80), tree.Nodes[idx].Min)
}

func TestLabelAssignsAllFourAxes(t *testing.T) {
	idx := New(60)
	idx.Rebuild(
		[]RangeSpec{{Name: "p", Min: 0, Max: 1024, Order: 0}},
		[]RangeSpec{{Name: "p", Min: 0, Max: 1024, Order: 0}},
		[]RangeSpec{{Name: "a", Min: 0, Max: 0xFFFFFFFF, Order: 0}},
		[]RangeSpec{{Name: "a", Min: 0, Max: 0xFFFFFFFF, Order: 0}},
	)

	a := &alertmodel.Alert{
		IPv4: alertmodel.IPv4Header{Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2")},
		TCP:  &alertmodel.TCPHeader{SrcPort: 80, DstPort: 443},
	}
	idx.Label(a)

	require.NotNil(t, a.SrcPortNode)
	require.NotNil(t, a.DstPortNode)
	require.NotNil(t, a.SrcAddrNode)
	require.NotNil(t, a.DstAddrNode)
}

func TestCollapseGroupsWithinWindow(t *testing.T) {
	idx := New(60)
	srcNode, dstNode := 1, 2

	a := &alertmodel.Alert{Serial: 1, Type: alertmodel.AlertTypeKey{GID: 1, SID: 1, Rev: 1}, Timestamp: 1000, GroupedCount: 1, SrcAddrNode: &srcNode, DstAddrNode: &dstNode}
	b := &alertmodel.Alert{Serial: 2, Type: alertmodel.AlertTypeKey{GID: 1, SID: 1, Rev: 1}, Timestamp: 1010, GroupedCount: 1, SrcAddrNode: &srcNode, DstAddrNode: &dstNode}

	idx.Collapse([]*alertmodel.Alert{a, b})

	require.Nil(t, a.SuppressedBy)
	require.Equal(t, 2, a.GroupedCount)
	require.NotNil(t, b.SuppressedBy)
	require.Equal(t, uint64(1), *b.SuppressedBy)
}

func TestCollapseLeavesAlertsOutsideWindowSeparate(t *testing.T) {
	idx := New(5)
	srcNode, dstNode := 1, 2

	a := &alertmodel.Alert{Serial: 1, Type: alertmodel.AlertTypeKey{GID: 1, SID: 1, Rev: 1}, Timestamp: 1000, SrcAddrNode: &srcNode, DstAddrNode: &dstNode}
	b := &alertmodel.Alert{Serial: 2, Type: alertmodel.AlertTypeKey{GID: 1, SID: 1, Rev: 1}, Timestamp: 2000, SrcAddrNode: &srcNode, DstAddrNode: &dstNode}

	idx.Collapse([]*alertmodel.Alert{a, b})

	require.Nil(t, a.SuppressedBy)
	require.Nil(t, b.SuppressedBy)
}
