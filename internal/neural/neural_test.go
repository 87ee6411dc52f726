package neural

import (
	"math"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacklight/aicorrd/internal/alertmodel"
)

func TestFeaturesAreNormalizedToUnitRange(t *testing.T) {
	a := &alertmodel.Alert{
		Type:      alertmodel.AlertTypeKey{GID: 1, SID: 100, Rev: 1},
		Timestamp: 1_700_000_000,
		IPv4: alertmodel.IPv4Header{
			Src: netip.MustParseAddr("10.0.0.1"),
			Dst: netip.MustParseAddr("10.0.0.2"),
		},
		TCP: &alertmodel.TCPHeader{SrcPort: 1234, DstPort: 80},
	}
	f := Features(a)
	for _, v := range f {
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 1.0)
	}
}

func TestEtaPeaksNearRatioOne(t *testing.T) {
	require.InDelta(t, M, Eta(100, 100), 1e-9)
}

func TestTrainingHorizonSatisfiesCutoff(t *testing.T) {
	n := 1000
	tHorizon := TrainingHorizon(n)
	eta := Eta(n, tHorizon)
	require.Less(t, eta, 0.02)
}

func TestLambertWm1KnownPoint(t *testing.T) {
	// W_{-1}(-1/e) = -1 exactly.
	w := LambertWm1(-1 / math.E)
	require.InDelta(t, -1.0, w, 1e-3)
}

func TestBMUFindsClosestCell(t *testing.T) {
	g := &Grid{R: 2, C: 2, Weights: [][]float64{
		{0, 0, 0, 0, 0, 0},
		{1, 1, 1, 1, 1, 1},
		{0, 1, 0, 1, 0, 1},
		{1, 0, 1, 0, 1, 0},
	}}
	i, j := g.BMU([NumFeatures]float64{0, 0, 0, 0, 0, 0})
	require.Equal(t, 0, i)
	require.Equal(t, 0, j)
}

func TestTrainMovesBMUTowardSample(t *testing.T) {
	g := &Grid{R: 2, C: 2, Weights: [][]float64{
		{0, 0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0, 0},
	}}
	sample := [NumFeatures]float64{1, 1, 1, 1, 1, 1}
	g.Train(sample, 1, 0.5)
	require.Greater(t, g.at(0, 0)[0], 0.0)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	g := NewGrid(2, 2, [][NumFeatures]float64{
		{0, 0, 0, 0, 0, 0},
		{1, 1, 1, 1, 1, 1},
	})
	g.epoch = 12345
	g.learningT = 42.0

	path := filepath.Join(t.TempDir(), "som.dat")
	require.NoError(t, g.Serialize(path))

	reloaded, err := Deserialize(path)
	require.NoError(t, err)
	require.Equal(t, g.R, reloaded.R)
	require.Equal(t, g.C, reloaded.C)
	require.Equal(t, int64(12345), reloaded.epoch)
	require.InDelta(t, 42.0, reloaded.learningT, 1e-9)
}

func TestGroupScenariosPicksReasonableK(t *testing.T) {
	points := []Point2D{
		{I: 0, J: 0, Serial: 1}, {I: 0, J: 1, Serial: 2},
		{I: 19, J: 19, Serial: 3}, {I: 19, J: 18, Serial: 4},
	}
	groups := GroupScenarios(points, 4)
	require.GreaterOrEqual(t, groups.K, 1)
	require.Len(t, groups.Assignments, 4)
}
