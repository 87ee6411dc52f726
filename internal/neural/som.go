// Package neural implements the Neural Index (C8): a self-organizing map
// over six normalized alert features, trained incrementally, plus a
// k-means grouping pass over the resulting scenario coordinates.
// Grounded on original_source/neural.c for the feature composition and
// fsom/fsom.c for the SOM training/serialization shape; clustering metrics
// use montanaflynn/stats the way the pack reaches for it over hand-rolled
// statistics.
package neural

import (
	"bufio"
	"encoding/binary"
	"math"
	"os"

	"github.com/blacklight/aicorrd/internal/aierr"
	"github.com/blacklight/aicorrd/internal/alertmodel"
)

// NumFeatures is the dimensionality of one SOM input vector (spec.md §4.8).
const NumFeatures = 6

const (
	featAlertID = iota
	featTime
	featSrcIP
	featDstIP
	featSrcPort
	featDstPort
)

// Features computes the six normalized inputs for one alert.
func Features(a *alertmodel.Alert) [NumFeatures]float64 {
	var f [NumFeatures]float64
	snortID := (uint32(a.Type.GID&0xFFFF) << 16) | uint32(a.Type.SID&0xFFFF)
	f[featAlertID] = float64(snortID) / float64(math.MaxUint32)
	f[featTime] = float64(a.Timestamp) / float64(math.MaxInt32)

	if a.IPv4.Src.Is4() {
		f[featSrcIP] = float64(addrUint32(a.IPv4.Src)) / float64(math.MaxUint32)
	}
	if a.IPv4.Dst.Is4() {
		f[featDstIP] = float64(addrUint32(a.IPv4.Dst)) / float64(math.MaxUint32)
	}
	if a.TCP != nil {
		f[featSrcPort] = float64(a.TCP.SrcPort) / float64(math.MaxUint16)
		f[featDstPort] = float64(a.TCP.DstPort) / float64(math.MaxUint16)
	}
	return f
}

func addrUint32(addr interface{ As4() [4]byte }) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Grid is an R×C self-organizing map with NumFeatures-wide weight vectors.
type Grid struct {
	R, C    int
	Weights [][]float64 // len R*C, each len NumFeatures, row-major (i*C+j)

	epoch       int64
	learningT   float64
	initialized bool
}

// NewGrid builds an untrained grid and initializes its weights from the
// four-corner + bilinear scheme of spec.md §4.8, using dataset as the
// reference sample for corner placement. dataset is often empty at
// daemon startup, before any alert has been ingested; callers should
// follow up with EnsureInitialized once a real sample is available.
func NewGrid(r, c int, dataset [][NumFeatures]float64) *Grid {
	g := &Grid{R: r, C: c}
	g.Weights = make([][]float64, r*c)
	for i := range g.Weights {
		g.Weights[i] = make([]float64, NumFeatures)
	}
	if len(dataset) > 0 {
		g.initCorners(dataset)
		g.initialized = true
	}
	return g
}

// EnsureInitialized runs the four-corner + bilinear init against dataset
// if the grid has not yet seen a non-empty sample (spec.md §4.8 i-iv).
// It is a no-op once the grid has been initialized once, so a later call
// with an empty or still-thin dataset cannot wipe out a live SOM's
// trained weights.
func (g *Grid) EnsureInitialized(dataset [][NumFeatures]float64) {
	if g.initialized || len(dataset) == 0 {
		return
	}
	g.initCorners(dataset)
	g.initialized = true
}

func (g *Grid) at(i, j int) []float64 { return g.Weights[i*g.C+j] }

func l1Distance(a, b [NumFeatures]float64) float64 {
	var d float64
	for i := range a {
		v := a[i] - b[i]
		if v < 0 {
			v = -v
		}
		d += v
	}
	return d
}

func mean(vectors [][NumFeatures]float64) [NumFeatures]float64 {
	var m [NumFeatures]float64
	if len(vectors) == 0 {
		return m
	}
	for _, v := range vectors {
		for i := range v {
			m[i] += v[i]
		}
	}
	for i := range m {
		m[i] /= float64(len(vectors))
	}
	return m
}

// initCorners implements the four-corner placement: the two points of
// maximum L1 distance go to (0,C-1) and (R-1,0); the point farthest from
// their mean goes to (0,0); the point farthest from the mean of all three
// goes to (R-1,C-1). Edges and interior are then interpolated.
func (g *Grid) initCorners(dataset [][NumFeatures]float64) {
	if len(dataset) == 0 || g.R < 2 || g.C < 2 {
		return
	}

	var bestI, bestJ int
	bestDist := -1.0
	for i := range dataset {
		for j := i + 1; j < len(dataset); j++ {
			d := l1Distance(dataset[i], dataset[j])
			if d > bestDist {
				bestDist, bestI, bestJ = d, i, j
			}
		}
	}
	cornerA, cornerB := dataset[bestI], dataset[bestJ]
	pairMean := mean([][NumFeatures]float64{cornerA, cornerB})

	var farIdx int
	farDist := -1.0
	for i, v := range dataset {
		d := l1Distance(v, pairMean)
		if d > farDist {
			farDist, farIdx = d, i
		}
	}
	cornerC := dataset[farIdx]
	tripleMean := mean([][NumFeatures]float64{cornerA, cornerB, cornerC})

	var farIdx2 int
	farDist2 := -1.0
	for i, v := range dataset {
		d := l1Distance(v, tripleMean)
		if d > farDist2 {
			farDist2, farIdx2 = d, i
		}
	}
	cornerD := dataset[farIdx2]

	copy(g.at(0, g.C-1), cornerA[:])
	copy(g.at(g.R-1, 0), cornerB[:])
	copy(g.at(0, 0), cornerC[:])
	copy(g.at(g.R-1, g.C-1), cornerD[:])

	for j := 0; j < g.C; j++ {
		t := float64(j) / float64(g.C-1)
		lerp(g.at(0, 0), g.at(0, g.C-1), t, g.at(0, j))
		lerp(g.at(g.R-1, 0), g.at(g.R-1, g.C-1), t, g.at(g.R-1, j))
	}
	for i := 0; i < g.R; i++ {
		t := float64(i) / float64(g.R-1)
		top := append([]float64(nil), g.at(0, 0)...)
		bottom := append([]float64(nil), g.at(g.R-1, 0)...)
		lerp(top, bottom, t, g.at(i, 0))
		top = append([]float64(nil), g.at(0, g.C-1)...)
		bottom = append([]float64(nil), g.at(g.R-1, g.C-1)...)
		lerp(top, bottom, t, g.at(i, g.C-1))
	}
	for i := 1; i < g.R-1; i++ {
		for j := 1; j < g.C-1; j++ {
			lerp(g.at(i, 0), g.at(i, g.C-1), float64(j)/float64(g.C-1), g.at(i, j))
		}
	}
}

func lerp(a, b []float64, t float64, out []float64) {
	for i := range out {
		out[i] = a[i] + (b[i]-a[i])*t
	}
}

// BMU finds the best-matching unit for x: the cell minimizing squared
// Euclidean distance.
func (g *Grid) BMU(x [NumFeatures]float64) (i, j int) {
	best := math.Inf(1)
	for ii := 0; ii < g.R; ii++ {
		for jj := 0; jj < g.C; jj++ {
			w := g.at(ii, jj)
			var d float64
			for k := range x {
				diff := x[k] - w[k]
				d += diff * diff
			}
			if d < best {
				best, i, j = d, ii, jj
			}
		}
	}
	return i, j
}

// Train runs one training step for sample x at step k out of T total
// steps, per spec.md §4.8's neighborhood and learning-rate formula.
func (g *Grid) Train(x [NumFeatures]float64, k int, eta float64) {
	bi, bj := g.BMU(x)
	for i := 0; i < g.R; i++ {
		for j := 0; j < g.C; j++ {
			dist := math.Abs(float64(bi-i)) + math.Abs(float64(bj-j))
			d := math.Pow(dist, 4)
			influence := eta / (d + 1)
			w := g.at(i, j)
			for f := range w {
				w[f] += influence * (x[f] - w[f])
			}
		}
	}
}

// Serialize writes the grid in spec.md §4.8's binary layout, little-endian
// throughout per Design Note §9's endianness resolution.
func (g *Grid) Serialize(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &aierr.ResourceError{Msg: err.Error()}
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fields := []interface{}{g.epoch, g.learningT, uint64(NumFeatures), uint64(g.R), uint64(g.C)}
	for _, v := range fields {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return &aierr.ResourceError{Msg: err.Error()}
		}
	}
	for _, row := range g.Weights {
		for _, v := range row {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return &aierr.ResourceError{Msg: err.Error()}
			}
		}
	}
	return w.Flush()
}

// Deserialize loads a grid from path in the same layout Serialize writes.
func Deserialize(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &aierr.CorruptStateError{Path: path, Msg: err.Error()}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	g := &Grid{}
	var in, rows, cols uint64
	for _, v := range []interface{}{&g.epoch, &g.learningT, &in, &rows, &cols} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, &aierr.CorruptStateError{Path: path, Msg: err.Error()}
		}
	}
	if in != NumFeatures {
		return nil, &aierr.CorruptStateError{Path: path, Msg: "unexpected input width in SOM file"}
	}
	g.R, g.C = int(rows), int(cols)
	g.Weights = make([][]float64, g.R*g.C)
	for i := range g.Weights {
		row := make([]float64, NumFeatures)
		for f := range row {
			if err := binary.Read(r, binary.LittleEndian, &row[f]); err != nil {
				return nil, &aierr.CorruptStateError{Path: path, Msg: err.Error()}
			}
		}
		g.Weights[i] = row
	}
	return g, nil
}
