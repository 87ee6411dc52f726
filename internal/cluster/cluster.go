// Package cluster implements the Hierarchical Cluster (C4): four
// generalization lattices (src-port, dst-port, src-addr, dst-addr) built
// from configured ranges, plus the periodic alert-collapse job. Trees are
// arena-indexed ([]alertmodel.HierarchyNode, parent/children as indices)
// rather than owned pointers, so a freshly built generation can be swapped
// in atomically -- the same two-generation-swap idiom the teacher applies
// to SOM weight grids, here applied to a tree.
package cluster

import (
	"sort"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/blacklight/aicorrd/internal/alertmodel"
)

// RangeSpec is one declared node before tree construction; Order preserves
// declaration order for the "prefer earlier declared" tie-break.
type RangeSpec struct {
	Name     string
	Min, Max uint32
	Order    int
}

// Tree is one arena-indexed generalization lattice for a single axis.
type Tree struct {
	Kind  alertmodel.HierarchyNodeKind
	Nodes []alertmodel.HierarchyNode // index 0 is always the namespace root
}

const rootIndex = 0

// Build constructs a Tree for kind from specs, per spec.md §4.4: each node
// attaches under the smallest strictly-containing node, ties broken by
// smallest combined slack then by earlier declaration order.
func Build(kind alertmodel.HierarchyNodeKind, specs []RangeSpec) *Tree {
	t := &Tree{Kind: kind}
	t.Nodes = append(t.Nodes, alertmodel.HierarchyNode{
		Kind: kind, Label: "*", Min: 0, Max: ^uint32(0), Parent: -1,
	})

	// Process widest ranges first so that, by the time a narrower spec looks
	// for its smallest strictly-containing cover, every range that could
	// possibly contain it is already in the tree.
	ordered := make([]RangeSpec, len(specs))
	copy(ordered, specs)
	sort.SliceStable(ordered, func(i, j int) bool {
		wi, wj := ordered[i].Max-ordered[i].Min, ordered[j].Max-ordered[j].Min
		if wi != wj {
			return wi > wj
		}
		return ordered[i].Order < ordered[j].Order
	})

	for _, spec := range ordered {
		parent := t.smallestContainingCover(spec)
		idx := len(t.Nodes)
		t.Nodes = append(t.Nodes, alertmodel.HierarchyNode{
			Kind:   kind,
			Label:  spec.Name,
			Min:    spec.Min,
			Max:    spec.Max,
			Parent: parent,
		})
		t.Nodes[parent].Children = append(t.Nodes[parent].Children, idx)
	}
	return t
}

func slack(cover alertmodel.HierarchyNode, spec RangeSpec) uint64 {
	return uint64(spec.Min-cover.Min) + uint64(cover.Max-spec.Max)
}

// smallestContainingCover finds the existing node with the smallest slack
// that strictly contains spec, breaking ties in favor of the node declared
// earlier (spec.md §4.4 edge case).
func (t *Tree) smallestContainingCover(spec RangeSpec) int {
	best := rootIndex
	bestSlack := slack(t.Nodes[rootIndex], spec)
	bestDeclOrder := int(^uint(0) >> 1)

	for i := 1; i < len(t.Nodes); i++ {
		n := t.Nodes[i]
		if n.Min == spec.Min && n.Max == spec.Max {
			continue
		}
		if n.Min > spec.Min || n.Max < spec.Max {
			continue
		}
		s := slack(n, spec)
		declOrder := i // insertion order already reflects declaration precedence
		if s < bestSlack || (s == bestSlack && declOrder < bestDeclOrder) {
			best = i
			bestSlack = s
			bestDeclOrder = declOrder
		}
	}
	return best
}

// Generalize descends the tree for value v and returns the index of the
// deepest node whose range contains it, inserting a synthetic point leaf
// when the deepest match is not already a single-value node. The root spans
// the whole uint32 range, so every value matches at least the root and ok is
// always true.
func (t *Tree) Generalize(v uint32) (int, bool) {
	cur := rootIndex
	for {
		advanced := false
		for _, childIdx := range t.Nodes[cur].Children {
			child := t.Nodes[childIdx]
			if v >= child.Min && v <= child.Max {
				cur = childIdx
				advanced = true
				break
			}
		}
		if !advanced {
			break
		}
	}

	node := t.Nodes[cur]
	if node.Min == node.Max {
		return cur, true
	}

	// A synthetic point leaf for this exact value may already exist from an
	// earlier Generalize call on the same window; reuse it so repeated runs
	// over the same alerts yield identical generalization pointers.
	for _, childIdx := range t.Nodes[cur].Children {
		child := t.Nodes[childIdx]
		if child.Min == v && child.Max == v {
			return childIdx, true
		}
	}

	leaf := alertmodel.HierarchyNode{Kind: t.Kind, Label: "", Min: v, Max: v, Parent: cur}
	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, leaf)
	t.Nodes[cur].Children = append(t.Nodes[cur].Children, idx)
	return idx, true
}

// Set holds the four generalization trees as one atomically swappable
// generation.
type Set struct {
	SrcPort, DstPort, SrcAddr, DstAddr *Tree
}

// Index owns the current Set generation and the alert-collapse state.
type Index struct {
	current       atomic.Pointer[Set]
	clusterWindow int64 // seconds
	suppressed    mapset.Set[uint64]
}

// New returns an Index with an empty initial generation.
func New(clusterWindowSeconds int64) *Index {
	idx := &Index{clusterWindow: clusterWindowSeconds, suppressed: mapset.NewSet[uint64]()}
	idx.current.Store(&Set{
		SrcPort: Build(alertmodel.HierarchySrcPort, nil),
		DstPort: Build(alertmodel.HierarchyDstPort, nil),
		SrcAddr: Build(alertmodel.HierarchySrcAddr, nil),
		DstAddr: Build(alertmodel.HierarchyDstAddr, nil),
	})
	return idx
}

// Rebuild constructs a fresh Set from configuration and swaps it in.
func (idx *Index) Rebuild(srcPort, dstPort, srcAddr, dstAddr []RangeSpec) {
	idx.current.Store(&Set{
		SrcPort: Build(alertmodel.HierarchySrcPort, srcPort),
		DstPort: Build(alertmodel.HierarchyDstPort, dstPort),
		SrcAddr: Build(alertmodel.HierarchySrcAddr, srcAddr),
		DstAddr: Build(alertmodel.HierarchyDstAddr, dstAddr),
	})
}

// Label assigns the four generalization pointers on alert in place, per
// spec.md §4.4's "fill in its four generalization pointers" periodic job.
func (idx *Index) Label(a *alertmodel.Alert) {
	set := idx.current.Load()

	if a.TCP != nil {
		if i, ok := set.SrcPort.Generalize(uint32(a.TCP.SrcPort)); ok {
			a.SrcPortNode = &i
		}
		if i, ok := set.DstPort.Generalize(uint32(a.TCP.DstPort)); ok {
			a.DstPortNode = &i
		}
	}
	if a.IPv4.Src.Is4() {
		if i, ok := set.SrcAddr.Generalize(addrToUint32(a.IPv4.Src.As4())); ok {
			a.SrcAddrNode = &i
		}
	}
	if a.IPv4.Dst.Is4() {
		if i, ok := set.DstAddr.Generalize(addrToUint32(a.IPv4.Dst.As4())); ok {
			a.DstAddrNode = &i
		}
	}
}

func addrToUint32(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// groupKey identifies alerts eligible to collapse: same type, same
// generalized src/dst.
type groupKey struct {
	Type            alertmodel.AlertTypeKey
	SrcNode, DstNode int
}

// Collapse groups alerts sharing (type-key, generalized src, generalized
// dst) whose timestamps fall within the cluster window into a single
// representative, incrementing GroupedCount and suppressing the rest.
// Alerts already suppressed by a prior tick are skipped.
func (idx *Index) Collapse(alerts []*alertmodel.Alert) {
	groups := make(map[groupKey][]*alertmodel.Alert)
	for _, a := range alerts {
		if a.SuppressedBy != nil || idx.suppressed.Contains(a.Serial) {
			continue
		}
		srcNode, dstNode := -1, -1
		if a.SrcAddrNode != nil {
			srcNode = *a.SrcAddrNode
		}
		if a.DstAddrNode != nil {
			dstNode = *a.DstAddrNode
		}
		key := groupKey{Type: a.Type, SrcNode: srcNode, DstNode: dstNode}
		groups[key] = append(groups[key], a)
	}

	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].Timestamp < members[j].Timestamp })

		repr := members[0]
		for _, other := range members[1:] {
			if other.Timestamp-repr.Timestamp > idx.clusterWindow {
				repr = other
				continue
			}
			other.SuppressedBy = &repr.Serial
			idx.suppressed.Add(other.Serial)
			repr.GroupedCount++
		}
	}
}
