package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blacklight/aicorrd/internal/bayesian"
	"github.com/blacklight/aicorrd/internal/cluster"
	"github.com/blacklight/aicorrd/internal/correlate"
	"github.com/blacklight/aicorrd/internal/flow"
	"github.com/blacklight/aicorrd/internal/history"
	"github.com/blacklight/aicorrd/internal/ingest"
	"github.com/blacklight/aicorrd/internal/kb"
	"github.com/blacklight/aicorrd/internal/manual"
	"github.com/blacklight/aicorrd/internal/plugin"
)

func newTestScheduler(t *testing.T, cursorPath string) *Scheduler {
	t.Helper()
	dir := t.TempDir()

	tracker := flow.New(0, zap.NewNop())
	dbPoll := ingest.NewDBPoll(nil, tracker, 0, zap.NewNop())
	store := history.New(filepath.Join(dir, "history.dat"))
	bayesianIdx := bayesian.New(store, 0, 0)
	kbIdx := kb.New(dir)
	manualStore := manual.New(filepath.Join(dir, "correlated.xml"), filepath.Join(dir, "uncorrelated.xml"))
	require.NoError(t, manualStore.Refresh())
	engine := correlate.New(bayesianIdx, kbIdx, plugin.NewRegistry(), manualStore, correlate.DefaultWeights(1.0), 0, zap.NewNop())
	clusterIdx := cluster.New(60)

	s, err := New(Periods{}, dbPoll, tracker, store, clusterIdx, manualStore, engine, nil, nil, 0, cursorPath, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestCursorCheckpointRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cursorPath := filepath.Join(dir, "cursor.db")

	s := newTestScheduler(t, cursorPath)
	s.dbPoll.SetCursor(77, 1700000000)
	s.runCheckpoint(nil)
	require.NoError(t, s.Close())

	s2 := newTestScheduler(t, cursorPath)
	cid, ts := s2.dbPoll.Cursor()
	require.Equal(t, uint64(77), cid)
	require.Equal(t, int64(1700000000), ts)
	require.NoError(t, s2.Close())
}

func TestFlowSweepAndManualRefreshDoNotPanic(t *testing.T) {
	s := newTestScheduler(t, "")
	require.NotPanics(t, func() {
		s.runFlowSweep(nil)
		s.runManualRefresh(nil)
	})
}
