// Package manual implements the Manual Override Store (C10): two XML files
// of user-supplied force-correlate / force-uncorrelate pairs, reparsed on a
// period and swapped in atomically. The two-generation swap mirrors the
// teacher's SOM-weight-swap idiom (an atomic.Pointer to an immutable
// snapshot, never mutated in place) applied to a correlation override set.
package manual

import (
	"encoding/xml"
	"os"
	"sync/atomic"

	"github.com/blacklight/aicorrd/internal/aierr"
	"github.com/blacklight/aicorrd/internal/alertmodel"
)

type correlationsXML struct {
	XMLName      xml.Name          `xml:"correlations"`
	Correlations []correlationXML `xml:"correlation"`
}

type correlationXML struct {
	From alertRefXML `xml:"from"`
	To   alertRefXML `xml:"to"`
}

type alertRefXML struct {
	GID uint32 `xml:"gid,attr"`
	SID uint32 `xml:"sid,attr"`
	Rev uint32 `xml:"rev,attr"`
}

// snapshot is the immutable generation swapped in atomically by Refresh.
type snapshot struct {
	pairs map[alertmodel.AlertTypeKey]map[alertmodel.AlertTypeKey]alertmodel.ManualVerdict
}

// Store holds the current generation of manual overrides.
type Store struct {
	correlatedPath   string
	uncorrelatedPath string
	current          atomic.Pointer[snapshot]
}

// New returns a Store with an empty initial generation.
func New(correlatedPath, uncorrelatedPath string) *Store {
	s := &Store{correlatedPath: correlatedPath, uncorrelatedPath: uncorrelatedPath}
	s.current.Store(&snapshot{pairs: map[alertmodel.AlertTypeKey]map[alertmodel.AlertTypeKey]alertmodel.ManualVerdict{}})
	return s
}

// Refresh reparses both files and swaps the snapshot in, or returns a fatal
// error if either file is present but malformed. A missing file is treated
// as contributing no pairs.
func (s *Store) Refresh() error {
	pairs := map[alertmodel.AlertTypeKey]map[alertmodel.AlertTypeKey]alertmodel.ManualVerdict{}

	if err := loadInto(s.correlatedPath, alertmodel.ForceCorrelated, pairs); err != nil {
		return err
	}
	if err := loadInto(s.uncorrelatedPath, alertmodel.ForceUncorrelated, pairs); err != nil {
		return err
	}

	s.current.Store(&snapshot{pairs: pairs})
	return nil
}

func loadInto(path string, verdict alertmodel.ManualVerdict, out map[alertmodel.AlertTypeKey]map[alertmodel.AlertTypeKey]alertmodel.ManualVerdict) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &aierr.CorruptStateError{Path: path, Msg: err.Error()}
	}

	var parsed correlationsXML
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return &aierr.CorruptStateError{Path: path, Msg: "malformed manual correlations: " + err.Error()}
	}

	for _, c := range parsed.Correlations {
		from := alertmodel.AlertTypeKey{GID: c.From.GID, SID: c.From.SID, Rev: c.From.Rev}
		to := alertmodel.AlertTypeKey{GID: c.To.GID, SID: c.To.SID, Rev: c.To.Rev}
		if out[from] == nil {
			out[from] = map[alertmodel.AlertTypeKey]alertmodel.ManualVerdict{}
		}
		out[from][to] = verdict
	}
	return nil
}

// Lookup returns the verdict forced between from and to, if any.
func (s *Store) Lookup(from, to alertmodel.AlertTypeKey) (alertmodel.ManualVerdict, bool) {
	snap := s.current.Load()
	targets, ok := snap.pairs[from]
	if !ok {
		return 0, false
	}
	v, ok := targets[to]
	return v, ok
}
