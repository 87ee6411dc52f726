package correlate

import (
	"net/netip"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blacklight/aicorrd/internal/alertmodel"
	"github.com/blacklight/aicorrd/internal/bayesian"
	"github.com/blacklight/aicorrd/internal/history"
	"github.com/blacklight/aicorrd/internal/kb"
	"github.com/blacklight/aicorrd/internal/manual"
	"github.com/blacklight/aicorrd/internal/plugin"
)

func newTestEngine(t *testing.T) (*Engine, alertmodel.AlertTypeKey, alertmodel.AlertTypeKey) {
	t.Helper()
	typeA := alertmodel.AlertTypeKey{GID: 1, SID: 100, Rev: 1}
	typeB := alertmodel.AlertTypeKey{GID: 1, SID: 200, Rev: 1}

	store := history.New(t.TempDir() + "/history.dat")
	bayesianIdx := bayesian.New(store, time.Minute, time.Hour)
	kbIdx := kb.New(t.TempDir())
	manualStore := manual.New(t.TempDir()+"/correlated.xml", t.TempDir()+"/uncorrelated.xml")
	require.NoError(t, manualStore.Refresh())

	e := New(bayesianIdx, kbIdx, plugin.NewRegistry(), manualStore, DefaultWeights(1.0), 0.0, zap.NewNop())
	return e, typeA, typeB
}

func sampleAlert(serial uint64, typ alertmodel.AlertTypeKey, src, dst string) *alertmodel.Alert {
	return &alertmodel.Alert{
		Serial:    serial,
		Type:      typ,
		Timestamp: 1000 + int64(serial),
		IPv4: alertmodel.IPv4Header{
			Src: netip.MustParseAddr(src),
			Dst: netip.MustParseAddr(dst),
		},
	}
}

func TestRunEmitsEdgeWhenBuiltinIndexMatches(t *testing.T) {
	e, typeA, typeB := newTestEngine(t)
	a := sampleAlert(1, typeA, "10.0.0.1", "10.0.0.9")
	b := sampleAlert(2, typeB, "10.0.0.1", "10.0.0.8")

	edges, err := e.Run([]*alertmodel.Alert{a, b})
	require.NoError(t, err)
	require.NotEmpty(t, edges)
}

func TestRunSuppressesEdgeOnForceUncorrelate(t *testing.T) {
	correlatedPath := t.TempDir() + "/correlated.xml"
	uncorrelatedPath := t.TempDir() + "/uncorrelated.xml"
	typeA := alertmodel.AlertTypeKey{GID: 1, SID: 100, Rev: 1}
	typeB := alertmodel.AlertTypeKey{GID: 1, SID: 200, Rev: 1}

	writeUncorrelated(t, uncorrelatedPath, typeA, typeB)

	store := history.New(t.TempDir() + "/history.dat")
	bayesianIdx := bayesian.New(store, time.Minute, time.Hour)
	kbIdx := kb.New(t.TempDir())
	manualStore := manual.New(correlatedPath, uncorrelatedPath)
	require.NoError(t, manualStore.Refresh())

	e := New(bayesianIdx, kbIdx, plugin.NewRegistry(), manualStore, DefaultWeights(1.0), 0.0, zap.NewNop())

	a := sampleAlert(1, typeA, "10.0.0.1", "10.0.0.9")
	b := sampleAlert(2, typeB, "10.0.0.1", "10.0.0.8")

	edges, err := e.Run([]*alertmodel.Alert{a, b})
	require.NoError(t, err)
	for _, edge := range edges {
		require.False(t, edge.From == a.Serial && edge.To == b.Serial)
	}
}

func TestRunForceCorrelateEmitsEdgeAtLeastAtThreshold(t *testing.T) {
	correlatedPath := t.TempDir() + "/correlated.xml"
	uncorrelatedPath := t.TempDir() + "/uncorrelated.xml"
	typeA := alertmodel.AlertTypeKey{GID: 1, SID: 100, Rev: 1}
	typeB := alertmodel.AlertTypeKey{GID: 1, SID: 200, Rev: 1}

	writeCorrelated(t, correlatedPath, typeA, typeB)

	store := history.New(t.TempDir() + "/history.dat")
	bayesianIdx := bayesian.New(store, time.Minute, time.Hour)
	kbIdx := kb.New(t.TempDir())
	manualStore := manual.New(correlatedPath, uncorrelatedPath)
	require.NoError(t, manualStore.Refresh())

	e := New(bayesianIdx, kbIdx, plugin.NewRegistry(), manualStore, DefaultWeights(1.0), 1.0, zap.NewNop())

	// a and b share no endpoint (builtin index 0); c shares a's address so
	// the distribution's stddev pushes the threshold above 0, meaning a->b
	// would not clear it without the force-correlate override below.
	a := sampleAlert(1, typeA, "10.0.0.1", "10.0.0.9")
	b := sampleAlert(2, typeB, "10.0.0.2", "10.0.0.8")
	c := sampleAlert(3, typeA, "10.0.0.1", "10.0.0.9")

	edges, err := e.Run([]*alertmodel.Alert{a, b, c})
	require.NoError(t, err)

	found := false
	for _, edge := range edges {
		if edge.From == a.Serial && edge.To == b.Serial {
			found = true
			require.Greater(t, edge.Coefficient, 0.0)
		}
	}
	require.True(t, found)
}

func TestBuiltinIndexNoSharedEndpointsIsZero(t *testing.T) {
	a := sampleAlert(1, alertmodel.AlertTypeKey{}, "10.0.0.1", "10.0.0.2")
	b := sampleAlert(2, alertmodel.AlertTypeKey{}, "10.0.0.3", "10.0.0.4")
	require.Equal(t, 0.0, builtinIndex(a, b))
}

func writeCorrelated(t *testing.T, path string, from, to alertmodel.AlertTypeKey) {
	t.Helper()
	writeManualXML(t, path, from, to)
}

func writeUncorrelated(t *testing.T, path string, from, to alertmodel.AlertTypeKey) {
	t.Helper()
	writeManualXML(t, path, from, to)
}

func writeManualXML(t *testing.T, path string, from, to alertmodel.AlertTypeKey) {
	t.Helper()
	fmtKey := func(k uint32) string { return strconv.FormatUint(uint64(k), 10) }
	body := `<correlations>
  <correlation>
    <from gid="` + fmtKey(from.GID) + `" sid="` + fmtKey(from.SID) + `" rev="` + fmtKey(from.Rev) + `"/>
    <to gid="` + fmtKey(to.GID) + `" sid="` + fmtKey(to.SID) + `" rev="` + fmtKey(to.Rev) + `"/>
  </correlation>
</correlations>`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}
