// Package plugin implements the Plugin Index (C7): loads native shared
// objects and/or script modules, each exposing an index(a,b) and a
// weight() contribution, the way the teacher's translator worker loads
// per-stream transforms by name. Native modules use Go's stdlib plugin
// package; scripted modules substitute dop251/goja for the original's
// embedded Python 2.6 modules (DESIGN.md notes this as a deliberate
// substitution, not a stdlib fallback).
package plugin

import (
	gojaPlugin "plugin"

	"github.com/dop251/goja"

	"github.com/blacklight/aicorrd/internal/aierr"
	"github.com/blacklight/aicorrd/internal/alertmodel"
)

// Contribution is the shape both native and scripted modules satisfy.
type Contribution interface {
	Index(a, b *alertmodel.Alert) float64
	Weight() float64
}

// NativeIndexFunc and NativeWeightFunc are the exported symbols a native
// plugin must provide, renamed from the original's AI_corr_index /
// AI_corr_index_weight to valid exported Go identifiers.
type NativeIndexFunc func(a, b *alertmodel.Alert) float64
type NativeWeightFunc func() float64

// nativeContribution adapts a loaded .so's two symbols to Contribution.
type nativeContribution struct {
	index  NativeIndexFunc
	weight NativeWeightFunc
}

func (n *nativeContribution) Index(a, b *alertmodel.Alert) float64 { return n.index(a, b) }
func (n *nativeContribution) Weight() float64                      { return n.weight() }

// LoadNative opens a .so at path and resolves its AICorrIndex and
// AICorrIndexWeight symbols.
func LoadNative(path string) (Contribution, error) {
	p, err := gojaPlugin.Open(path)
	if err != nil {
		return nil, &aierr.ConfigError{Msg: "loading native correlation module " + path + ": " + err.Error()}
	}

	indexSym, err := p.Lookup("AICorrIndex")
	if err != nil {
		return nil, &aierr.ConfigError{Msg: "module " + path + " missing AICorrIndex: " + err.Error()}
	}
	weightSym, err := p.Lookup("AICorrIndexWeight")
	if err != nil {
		return nil, &aierr.ConfigError{Msg: "module " + path + " missing AICorrIndexWeight: " + err.Error()}
	}

	indexFn, ok := indexSym.(func(a, b *alertmodel.Alert) float64)
	if !ok {
		return nil, &aierr.ConfigError{Msg: "module " + path + ": AICorrIndex has the wrong signature"}
	}
	weightFn, ok := weightSym.(func() float64)
	if !ok {
		return nil, &aierr.ConfigError{Msg: "module " + path + ": AICorrIndexWeight has the wrong signature"}
	}

	return &nativeContribution{index: indexFn, weight: weightFn}, nil
}

// scriptContribution runs a goja VM loaded with one script exposing
// index(a,b) and weight() top-level functions.
type scriptContribution struct {
	vm         *goja.Runtime
	indexFn    goja.Callable
	weightFn   goja.Callable
}

// LoadScript compiles and runs the JS source at path, binding its index/
// weight functions.
func LoadScript(path string, source []byte) (Contribution, error) {
	vm := goja.New()
	if _, err := vm.RunString(string(source)); err != nil {
		return nil, &aierr.ConfigError{Msg: "compiling correlation script " + path + ": " + err.Error()}
	}

	indexVal := vm.Get("index")
	indexFn, ok := goja.AssertFunction(indexVal)
	if !ok {
		return nil, &aierr.ConfigError{Msg: "script " + path + " does not define index(a,b)"}
	}
	weightVal := vm.Get("weight")
	weightFn, ok := goja.AssertFunction(weightVal)
	if !ok {
		return nil, &aierr.ConfigError{Msg: "script " + path + " does not define weight()"}
	}

	return &scriptContribution{vm: vm, indexFn: indexFn, weightFn: weightFn}, nil
}

func alertToJS(vm *goja.Runtime, a *alertmodel.Alert) goja.Value {
	if a == nil {
		return goja.Undefined()
	}
	obj := map[string]interface{}{
		"gid":       a.Type.GID,
		"sid":       a.Type.SID,
		"rev":       a.Type.Rev,
		"timestamp": a.Timestamp,
		"priority":  a.Priority,
	}
	return vm.ToValue(obj)
}

func (s *scriptContribution) Index(a, b *alertmodel.Alert) float64 {
	res, err := s.indexFn(goja.Undefined(), alertToJS(s.vm, a), alertToJS(s.vm, b))
	if err != nil {
		return 0.0
	}
	return res.ToFloat()
}

func (s *scriptContribution) Weight() float64 {
	res, err := s.weightFn(goja.Undefined())
	if err != nil {
		return 0.0
	}
	return res.ToFloat()
}

// Registry holds every loaded contribution for the Correlation Engine (C9)
// to fold in alongside bayesian/kb/neural.
type Registry struct {
	modules []Contribution
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Add registers a loaded module.
func (r *Registry) Add(c Contribution) { r.modules = append(r.modules, c) }

// Combine returns the weighted sum of every registered module's index(a,b).
// A module that panics at call time contributes zero weight and zero index
// for that call only; it stays loaded and participates in later calls
// (spec.md §4.7/§7: "plugin call failure ... isolate to a single
// contribution; plugin remains loaded").
func (r *Registry) Combine(a, b *alertmodel.Alert) float64 {
	var total float64
	for _, m := range r.modules {
		total += callContribution(m, a, b)
	}
	return total
}

func callContribution(m Contribution, a, b *alertmodel.Alert) (contribution float64) {
	defer func() {
		if recover() != nil {
			contribution = 0
		}
	}()
	return m.Weight() * m.Index(a, b)
}

// TotalWeight returns the sum of every registered module's Weight(), for
// callers normalizing Combine's result against other weighted terms (C9).
func (r *Registry) TotalWeight() float64 {
	var total float64
	for _, m := range r.modules {
		total += callWeight(m)
	}
	return total
}

func callWeight(m Contribution) (weight float64) {
	defer func() {
		if recover() != nil {
			weight = 0
		}
	}()
	return m.Weight()
}
