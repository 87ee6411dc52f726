package ingest

import (
	"context"
	"sync"

	"github.com/blacklight/aicorrd/internal/alertmodel"
)

// Ingestor is the shared contract both sources satisfy: a canonical,
// non-decreasing-by-timestamp alert sequence within a batch (spec.md §4.2).
type Ingestor interface {
	// Run starts the ingestor; it blocks until ctx is canceled or a fatal
	// error occurs.
	Run(ctx context.Context) error
	// List returns a deep copy of the alerts seen so far, safe for
	// lock-free traversal by downstream consumers.
	List() []*alertmodel.Alert
}

// buffer is the shared, mutex-guarded accumulation both ingestors append
// to; List() clones so callers never observe a torn read.
type buffer struct {
	mu     sync.Mutex
	alerts []*alertmodel.Alert
	serial uint64
}

func (b *buffer) append(build func(serial uint64) (*alertmodel.Alert, error)) (*alertmodel.Alert, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serial++
	a, err := build(b.serial)
	if err != nil {
		return nil, err
	}
	b.alerts = append(b.alerts, a)
	return a, nil
}

func (b *buffer) List() []*alertmodel.Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*alertmodel.Alert, len(b.alerts))
	for i, a := range b.alerts {
		out[i] = a.Clone()
	}
	return out
}
