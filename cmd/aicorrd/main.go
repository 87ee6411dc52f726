// Command aicorrd is the alert-correlation daemon: it ties the Stream
// Tracker, Alert Ingestor, Bayesian/Knowledge-Base/Plugin/Neural indices,
// Correlation Engine, Output Serializer, Scheduler, and read-only HTTP
// surface together behind one configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/blacklight/aicorrd/internal/aierr"
	"github.com/blacklight/aicorrd/internal/bayesian"
	"github.com/blacklight/aicorrd/internal/cluster"
	"github.com/blacklight/aicorrd/internal/config"
	"github.com/blacklight/aicorrd/internal/correlate"
	"github.com/blacklight/aicorrd/internal/dbdialect"
	"github.com/blacklight/aicorrd/internal/flow"
	"github.com/blacklight/aicorrd/internal/history"
	"github.com/blacklight/aicorrd/internal/ingest"
	"github.com/blacklight/aicorrd/internal/kb"
	"github.com/blacklight/aicorrd/internal/manual"
	"github.com/blacklight/aicorrd/internal/neural"
	"github.com/blacklight/aicorrd/internal/output"
	"github.com/blacklight/aicorrd/internal/plugin"
	"github.com/blacklight/aicorrd/internal/scheduler"
	"github.com/blacklight/aicorrd/internal/webserv"
)

func main() {
	configPath := flag.String("config", "/etc/aicorrd/aicorrd.toml", "path to the aicorrd TOML configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration as TOML and exit")
	flag.Parse()

	if *dumpConfig {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to load config:", err)
			os.Exit(1)
		}
		if err := cfg.Dump(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "failed to dump config:", err)
			os.Exit(1)
		}
		return
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*configPath, log); err != nil {
		log.Error("aicorrd exiting on error", zap.Error(err))
		if aierr.IsFatal(err) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func run(configPath string, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := flow.New(cfg.TCPStreamExpireInterval, log)

	var ingestor ingest.Ingestor
	switch cfg.IngestSource {
	case "db":
		db, err := dbdialect.Open(cfg.Database)
		if err != nil {
			return err
		}
		ingestor = ingest.NewDBPoll(db, tracker, cfg.DatabaseParsingInterval, log)
	default:
		ingestor = ingest.NewTextTail(cfg.AlertFile, tracker, log)
	}

	historyStore := history.New(cfg.AlertHistoryFile)
	if err := historyStore.Load(); err != nil {
		return err
	}

	bayesianIdx := bayesian.New(historyStore, cfg.BayesianCorrelationInterval, cfg.BayesianCorrelationCacheValidity)
	kbIdx := kb.New(cfg.CorrelationRulesDir)

	plugins := plugin.NewRegistry()
	if err := loadPlugins(plugins, cfg.CorrModulesDir, log); err != nil {
		return err
	}

	manualStore := manual.New(
		filepath.Join(cfg.CorrelatedAlertsDir, "correlated.xml"),
		filepath.Join(cfg.CorrelatedAlertsDir, "uncorrelated.xml"),
	)
	if err := manualStore.Refresh(); err != nil {
		return err
	}

	clusterIdx := cluster.New(int64(cfg.ClusterMaxAlertInterval.Seconds()))
	clusterIdx.Rebuild(rangesFor(cfg.ClusterRanges, "src_port"),
		rangesFor(cfg.ClusterRanges, "dst_port"),
		rangesFor(cfg.ClusterRanges, "src_addr"),
		rangesFor(cfg.ClusterRanges, "dst_addr"))

	engine := correlate.New(bayesianIdx, kbIdx, plugins, manualStore,
		correlate.DefaultWeights(cfg.AlertCorrelationWeight), cfg.CorrelationThresholdCoefficient, log)

	// No alert sample exists yet at startup; the scheduler's first training
	// pass runs the four-corner init against the live ingest buffer via
	// Grid.EnsureInitialized once real alerts are available.
	grid := neural.NewGrid(cfg.OutputNeuronsPerSide, cfg.OutputNeuronsPerSide, nil)

	var serializer *output.Serializer
	if cfg.OutputDatabase.Type != "" {
		outDB, err := dbdialect.Open(cfg.OutputDatabase)
		if err != nil {
			return err
		}
		serializer = output.New(outDB, log)
	}

	cursorDBPath := ""
	if cfg.IngestSource == "db" {
		cursorDBPath = filepath.Join(cfg.CorrelatedAlertsDir, "dbpoll_cursor.bolt")
	}

	sched, err := scheduler.New(
		scheduler.Periods{
			HistoryAppend:     cfg.AlertClusteringInterval,
			ClusterRebuild:    cfg.AlertClusteringInterval,
			ManualRefresh:     cfg.ManualCorrelationsParsingInterval,
			CorrelationRecomp: cfg.CorrelationGraphInterval,
			NeuralTrain:       cfg.NeuralNetworkTrainingInterval,
			NeuralCluster:     cfg.NeuralNetworkTrainingInterval,
			FlowSweep:         cfg.HashtableCleanupInterval,
			DBPollCheckpoint:  cfg.DatabaseParsingInterval,
		},
		ingestor, tracker, historyStore, clusterIdx, manualStore, engine, serializer,
		grid, cfg.NeuralTrainSteps, cursorDBPath, log,
	)
	if err != nil {
		return err
	}
	defer sched.Close()

	webServer := webserv.New(cfg.WebservDir, cfg.WebservBanner, log)

	errCh := make(chan error, 2)
	go func() {
		if err := webServer.Run(ctx, fmt.Sprintf(":%d", cfg.WebservPort)); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := sched.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		return err
	}
}

// rangesFor filters cfg's declared cluster ranges down to one axis,
// preserving declaration order for Build's tie-break.
func rangesFor(specs []config.ClusterRangeSpec, class string) []cluster.RangeSpec {
	var out []cluster.RangeSpec
	for i, s := range specs {
		if s.Class != class {
			continue
		}
		out = append(out, cluster.RangeSpec{Name: s.Name, Min: s.Min, Max: s.Max, Order: i})
	}
	return out
}

// loadPlugins scans dir for native (.so) and scripted (.js) correlation
// modules, registering each it successfully loads.
func loadPlugins(reg *plugin.Registry, dir string, log *zap.Logger) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &aierr.ResourceError{Msg: "reading correlation modules dir " + dir + ": " + err.Error()}
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		switch {
		case strings.HasSuffix(e.Name(), ".so"):
			c, err := plugin.LoadNative(path)
			if err != nil {
				return err
			}
			reg.Add(c)
		case strings.HasSuffix(e.Name(), ".js"):
			source, err := os.ReadFile(path)
			if err != nil {
				return &aierr.ResourceError{Msg: "reading correlation script " + path + ": " + err.Error()}
			}
			c, err := plugin.LoadScript(path, source)
			if err != nil {
				return err
			}
			reg.Add(c)
		default:
			continue
		}
		log.Info("loaded correlation module", zap.String("path", path))
	}
	return nil
}
