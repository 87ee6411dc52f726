// Package scheduler implements the Scheduler (C12): eight independent
// periodic tasks, each on its own time.Ticker goroutine, grounded on the
// teacher's one-goroutine-per-task reaper pattern
// (pcap-cli/internal/transformer/flow_mutex.go's startReaper). Per-task
// last-run/duration gauges go through prometheus/client_golang, the way
// smart-mcp-proxy-mcpproxy-go's observability package wires its own
// metrics; the DB-poll ingestor's keyset cursor is checkpointed to
// go.etcd.io/bbolt across restarts, the same embedded-KV pattern that
// package uses for its own state.
package scheduler

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/blacklight/aicorrd/internal/alertmodel"
	"github.com/blacklight/aicorrd/internal/bayesian"
	"github.com/blacklight/aicorrd/internal/cluster"
	"github.com/blacklight/aicorrd/internal/correlate"
	"github.com/blacklight/aicorrd/internal/flow"
	"github.com/blacklight/aicorrd/internal/history"
	"github.com/blacklight/aicorrd/internal/ingest"
	"github.com/blacklight/aicorrd/internal/manual"
	"github.com/blacklight/aicorrd/internal/neural"
	"github.com/blacklight/aicorrd/internal/output"
)

var (
	taskLastRun = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aicorrd_task_last_run_timestamp_seconds",
		Help: "Unix timestamp of the task's last completed run.",
	}, []string{"task"})

	taskDuration = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aicorrd_task_duration_seconds",
		Help: "Wall-clock duration of the task's last run.",
	}, []string{"task"})
)

func init() {
	prometheus.MustRegister(taskLastRun, taskDuration)
}

// cursorBucket and cursorKey address the single checkpoint record the
// DB-poll ingestor's keyset cursor is persisted under.
var (
	cursorBucket = []byte("dbpoll_cursor")
	cursorKey    = []byte("cursor")
)

// Periods groups the eight independent task intervals (spec.md §4.12/§6).
type Periods struct {
	HistoryAppend     time.Duration
	ClusterRebuild    time.Duration
	ManualRefresh     time.Duration
	CorrelationRecomp time.Duration
	NeuralTrain       time.Duration
	NeuralCluster     time.Duration
	FlowSweep         time.Duration
	DBPollCheckpoint  time.Duration
}

// Scheduler owns every long-running periodic task and the shared stores
// they read and write.
type Scheduler struct {
	periods Periods
	log     *zap.Logger

	ingestor    ingest.Ingestor
	tracker     *flow.Tracker
	historyIdx  *history.Store
	clusterIdx  *cluster.Index
	manualStore *manual.Store
	engine      *correlate.Engine
	serializer  *output.Serializer
	grid        *neural.Grid
	trainSteps  int

	cursorDB *bbolt.DB
	dbPoll   *ingest.DBPollIngestor // nil unless the text ingestor is a DB poller

	mu      sync.Mutex
	scenes  neural.ScenarioGroups
	edges   []*alertmodel.CorrelationEdge
}

// New returns a Scheduler wired to every store the periodic tasks touch.
// cursorDBPath may be empty, in which case the DB-poll cursor is not
// checkpointed (text-tail ingestion has no cursor to persist).
func New(
	periods Periods,
	ingestor ingest.Ingestor,
	tracker *flow.Tracker,
	historyIdx *history.Store,
	clusterIdx *cluster.Index,
	manualStore *manual.Store,
	engine *correlate.Engine,
	serializer *output.Serializer,
	grid *neural.Grid,
	trainSteps int,
	cursorDBPath string,
	log *zap.Logger,
) (*Scheduler, error) {
	s := &Scheduler{
		periods:     periods,
		log:         log,
		ingestor:    ingestor,
		tracker:     tracker,
		historyIdx:  historyIdx,
		clusterIdx:  clusterIdx,
		manualStore: manualStore,
		engine:      engine,
		serializer:  serializer,
		grid:        grid,
		trainSteps:  trainSteps,
	}

	if dbPoll, ok := ingestor.(*ingest.DBPollIngestor); ok {
		s.dbPoll = dbPoll
	}

	if cursorDBPath != "" {
		db, err := bbolt.Open(cursorDBPath, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, err
		}
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(cursorBucket)
			return err
		}); err != nil {
			db.Close()
			return nil, err
		}
		s.cursorDB = db
		s.restoreCursor()
	}

	return s, nil
}

// Close releases the checkpoint database, if any.
func (s *Scheduler) Close() error {
	if s.cursorDB == nil {
		return nil
	}
	return s.cursorDB.Close()
}

// Run launches every periodic task as its own goroutine and blocks until
// ctx is canceled or the ingestor's Run returns a fatal error.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.ingestor.Run(ctx); err != nil {
			select {
			case errCh <- err:
			default:
			}
			// Stop the periodic tasks so Run can return the error.
			cancel()
		}
	}()

	tasks := []struct {
		name   string
		period time.Duration
		run    func(context.Context)
	}{
		{"history-append", s.periods.HistoryAppend, s.runHistoryAppend},
		{"cluster-rebuild", s.periods.ClusterRebuild, s.runClusterLabel},
		{"manual-override-refresh", s.periods.ManualRefresh, s.runManualRefresh},
		{"correlation-recompute", s.periods.CorrelationRecomp, s.runCorrelation},
		{"neural-train", s.periods.NeuralTrain, s.runNeuralTrain},
		{"neural-cluster", s.periods.NeuralCluster, s.runNeuralCluster},
		{"flow-sweep", s.periods.FlowSweep, s.runFlowSweep},
		{"dbpoll-checkpoint", s.periods.DBPollCheckpoint, s.runCheckpoint},
	}

	for _, task := range tasks {
		if task.period <= 0 {
			continue
		}
		wg.Add(1)
		go s.runPeriodic(ctx, &wg, task.name, task.period, task.run)
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Scheduler) runPeriodic(ctx context.Context, wg *sync.WaitGroup, name string, period time.Duration, run func(context.Context)) {
	defer wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			run(ctx)
			taskLastRun.WithLabelValues(name).Set(float64(start.Unix()))
			taskDuration.WithLabelValues(name).Set(time.Since(start).Seconds())
		}
	}
}

func (s *Scheduler) runHistoryAppend(ctx context.Context) {
	alerts := s.ingestor.List()
	if err := s.historyIdx.Append(alerts); err != nil && s.log != nil {
		s.log.Warn("history append failed", zap.Error(err))
	}
}

func (s *Scheduler) runClusterLabel(ctx context.Context) {
	alerts := s.ingestor.List()
	for _, a := range alerts {
		s.clusterIdx.Label(a)
	}
	s.clusterIdx.Collapse(alerts)
}

func (s *Scheduler) runManualRefresh(ctx context.Context) {
	if err := s.manualStore.Refresh(); err != nil && s.log != nil {
		s.log.Warn("manual override refresh failed; previous snapshot still in effect", zap.Error(err))
	}
}

func (s *Scheduler) runCorrelation(ctx context.Context) {
	alerts := s.ingestor.List()
	edges, err := s.engine.Run(alerts)
	if err != nil {
		if s.log != nil {
			s.log.Warn("correlation pass failed", zap.Error(err))
		}
		return
	}

	s.mu.Lock()
	s.edges = edges
	s.mu.Unlock()

	if s.serializer != nil {
		flows := s.tracker.Snapshot()
		s.serializer.PersistAlerts(alerts, flows)
		s.serializer.PersistEdges(edges)
	}
}

func (s *Scheduler) runNeuralTrain(ctx context.Context) {
	if s.grid == nil {
		return
	}
	alerts := s.ingestor.List()
	if len(alerts) > 0 {
		dataset := make([][neural.NumFeatures]float64, len(alerts))
		for i, a := range alerts {
			dataset[i] = neural.Features(a)
		}
		s.grid.EnsureInitialized(dataset)
	}
	horizon := neural.TrainingHorizon(s.trainSteps)
	for k := 1; k <= s.trainSteps; k++ {
		for _, a := range alerts {
			eta := neural.Eta(k, horizon)
			s.grid.Train(neural.Features(a), k, eta)
		}
	}
}

func (s *Scheduler) runNeuralCluster(ctx context.Context) {
	if s.grid == nil {
		return
	}
	alerts := s.ingestor.List()
	points := make([]neural.Point2D, 0, len(alerts))
	for _, a := range alerts {
		i, j := s.grid.BMU(neural.Features(a))
		points = append(points, neural.Point2D{I: float64(i), J: float64(j), Serial: a.Serial})
	}
	if len(points) == 0 {
		return
	}

	groups := neural.GroupScenarios(points, 10)
	s.mu.Lock()
	s.scenes = groups
	s.mu.Unlock()
}

func (s *Scheduler) runFlowSweep(ctx context.Context) {
	s.tracker.Sweep(time.Now())
}

func (s *Scheduler) runCheckpoint(ctx context.Context) {
	if s.dbPoll == nil || s.cursorDB == nil {
		return
	}
	cid, ts := s.dbPoll.Cursor()
	s.persistCursor(cid, ts)
}

func (s *Scheduler) persistCursor(cid uint64, ts int64) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], cid)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ts))

	err := s.cursorDB.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cursorBucket).Put(cursorKey, buf)
	})
	if err != nil && s.log != nil {
		s.log.Warn("failed to checkpoint dbpoll cursor", zap.Error(err))
	}
}

func (s *Scheduler) restoreCursor() {
	if s.dbPoll == nil || s.cursorDB == nil {
		return
	}
	var cid, ts uint64
	_ = s.cursorDB.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(cursorBucket).Get(cursorKey)
		if len(buf) != 16 {
			return nil
		}
		cid = binary.LittleEndian.Uint64(buf[0:8])
		ts = binary.LittleEndian.Uint64(buf[8:16])
		return nil
	})
	if cid != 0 || ts != 0 {
		s.dbPoll.SetCursor(cid, int64(ts))
	}
}

// Scenarios returns the most recent k-means scenario grouping, if any.
func (s *Scheduler) Scenarios() neural.ScenarioGroups {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scenes
}

// Edges returns the most recent correlation pass's edges, if any.
func (s *Scheduler) Edges() []*alertmodel.CorrelationEdge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edges
}
