// Package correlate implements the Correlation Engine (C9): it combines the
// bayesian, knowledge-base, plugin, and built-in indices into one weighted
// coefficient per alert pair, thresholds the distribution with
// montanaflynn/stats, applies manual-override dominance, and emits the
// directed hyperalert graph. The phase structure (idle -> collect-snapshot
// -> enrich -> score -> threshold -> persist -> idle) mirrors the teacher's
// one-pass-at-a-time worker loops; the immutable per-pass snapshot replaces
// the original's coarse lock flag (spec.md §5's "explicit snapshot" redesign).
package correlate

import (
	"github.com/Jeffail/gabs/v2"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/blacklight/aicorrd/internal/alertmodel"
	"github.com/blacklight/aicorrd/internal/bayesian"
	"github.com/blacklight/aicorrd/internal/kb"
	"github.com/blacklight/aicorrd/internal/manual"
	"github.com/blacklight/aicorrd/internal/plugin"
)

// Weights holds the per-index weights folded into C(a,b); Bayesian and KB
// default to 1.0 (spec.md §4.9 names them as always-present terms), Builtin
// is the configurable baseline weight (`alert_correlation_weight`) that
// keeps the term defined when no plugins are loaded.
type Weights struct {
	Bayesian float64
	KB       float64
	Builtin  float64
}

// DefaultWeights returns the engine's default per-index weights, with
// builtin drawn from the caller's configured baseline.
func DefaultWeights(builtin float64) Weights {
	return Weights{Bayesian: 1.0, KB: 1.0, Builtin: builtin}
}

// Engine is one Correlation Engine instance, wired to the stores it reads.
type Engine struct {
	bayesianIdx *bayesian.Index
	kb          *kb.KnowledgeBase
	plugins     *plugin.Registry
	manual      *manual.Store
	weights     Weights
	thresholdK  float64
	log         *zap.Logger
}

// New returns an Engine combining the given indices with thresholdK applied
// to mean+k*stddev of the pass's C(.,.) distribution.
func New(bayesianIdx *bayesian.Index, kbIdx *kb.KnowledgeBase, plugins *plugin.Registry, manualStore *manual.Store, weights Weights, thresholdK float64, log *zap.Logger) *Engine {
	return &Engine{
		bayesianIdx: bayesianIdx,
		kb:          kbIdx,
		plugins:     plugins,
		manual:      manualStore,
		weights:     weights,
		thresholdK:  thresholdK,
		log:         log,
	}
}

// builtinIndex is the always-defined baseline term: alerts sharing a source
// or destination address are considered weakly correlated on their own.
func builtinIndex(a, b *alertmodel.Alert) float64 {
	if a.IPv4.Src.IsValid() && b.IPv4.Src.IsValid() && a.IPv4.Src == b.IPv4.Src {
		return 1.0
	}
	if a.IPv4.Dst.IsValid() && b.IPv4.Dst.IsValid() && a.IPv4.Dst == b.IPv4.Dst {
		return 1.0
	}
	return 0.0
}

// pairScore holds one ordered pair's computed coefficient, ahead of
// threshold and manual-override resolution.
type pairScore struct {
	a, b        *alertmodel.Alert
	coefficient float64
}

// enrich binds each alert's hyperalert predicate lists from the knowledge
// base, mutating the (already cloned) snapshot alert in place. A type-key
// with no rule leaves Hyperalert nil, matching spec.md §4.6's "missing file
// => type has no rule".
func (e *Engine) enrich(alerts []*alertmodel.Alert) {
	for _, a := range alerts {
		if a.Hyperalert != nil {
			continue
		}
		base, err := e.kb.Load(a.Type)
		if err != nil || base == nil {
			continue
		}
		a.Hyperalert = &alertmodel.HyperAlertInfo{
			Key:       a.Type,
			PreConds:  kb.Bind(base.Pre, a),
			PostConds: kb.Bind(base.Post, a),
		}
	}
}

// coefficient computes C(a,b) = (sum w_i*f_i) / (sum w_i) over the bayesian,
// knowledge-base, plugin, and builtin terms, per spec.md §4.9.
func (e *Engine) coefficient(a, b *alertmodel.Alert) float64 {
	var weightedSum, totalWeight float64

	weightedSum += e.weights.Bayesian * e.bayesianIdx.Correlation(a.Type, b.Type)
	totalWeight += e.weights.Bayesian

	kbScore := 0.0
	if a.Hyperalert != nil && b.Hyperalert != nil {
		kbScore = kb.Similarity(a.Hyperalert.PostConds, b.Hyperalert.PreConds)
	}
	weightedSum += e.weights.KB * kbScore
	totalWeight += e.weights.KB

	weightedSum += e.weights.Builtin * builtinIndex(a, b)
	totalWeight += e.weights.Builtin

	if e.plugins != nil {
		if pw := e.plugins.TotalWeight(); pw > 0 {
			weightedSum += e.plugins.Combine(a, b)
			totalWeight += pw
		}
	}

	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}

// score computes C(a,b) for every ordered, distinct pair in the snapshot.
func (e *Engine) score(alerts []*alertmodel.Alert) []pairScore {
	var scores []pairScore
	for _, a := range alerts {
		for _, b := range alerts {
			if a.Serial == b.Serial {
				continue
			}
			scores = append(scores, pairScore{a: a, b: b, coefficient: e.coefficient(a, b)})
		}
	}
	return scores
}

// threshold computes mean + k*stddev over the pass's coefficient
// distribution, per spec.md §4.9.
func threshold(scores []pairScore, k float64) (float64, error) {
	if len(scores) == 0 {
		return 0, nil
	}
	values := make([]float64, len(scores))
	for i, s := range scores {
		values[i] = s.coefficient
	}
	mean, err := stats.Mean(values)
	if err != nil {
		return 0, err
	}
	stddev, err := stats.StandardDeviation(values)
	if err != nil {
		return 0, err
	}
	return mean + k*stddev, nil
}

// Run executes one full pass: enrich, score, threshold, and resolve manual
// overrides over the given immutable alert snapshot (the "collect-snapshot"
// phase is the caller's responsibility: pass the result of an Ingestor's
// List()). Persisting the returned edges is left to the caller (C11).
func (e *Engine) Run(alerts []*alertmodel.Alert) ([]*alertmodel.CorrelationEdge, error) {
	passID := uuid.New().String()

	e.enrich(alerts)
	scores := e.score(alerts)

	t, err := threshold(scores, e.thresholdK)
	if err != nil {
		return nil, err
	}

	var edges []*alertmodel.CorrelationEdge
	for _, s := range scores {
		verdict, hasOverride := e.manual.Lookup(s.a.Type, s.b.Type)
		if hasOverride && verdict == alertmodel.ForceUncorrelated {
			continue
		}
		if hasOverride && verdict == alertmodel.ForceCorrelated {
			coeff := s.coefficient
			if t > coeff {
				coeff = t
			}
			edges = append(edges, &alertmodel.CorrelationEdge{From: s.a.Serial, To: s.b.Serial, Coefficient: coeff})
			continue
		}
		if s.coefficient >= t {
			edges = append(edges, &alertmodel.CorrelationEdge{From: s.a.Serial, To: s.b.Serial, Coefficient: s.coefficient})
		}
	}

	e.logSummary(passID, len(alerts), len(scores), len(edges), t)
	return edges, nil
}

// logSummary emits one structured line per pass, tagged with a uuid so a
// single pass's log lines can be correlated across the enrich/score/
// threshold/persist phases even when they interleave with other tasks'
// output.
func (e *Engine) logSummary(passID string, alertCount, pairCount, edgeCount int, t float64) {
	if e.log == nil {
		return
	}
	json := gabs.New()
	pass, _ := json.Object("pass")
	pass.Set(passID, "id")
	pass.Set(alertCount, "alerts")
	pass.Set(pairCount, "pairs")
	pass.Set(edgeCount, "edges")
	pass.Set(t, "threshold")
	e.log.Info("correlation pass complete", zap.String("summary", json.String()))
}
