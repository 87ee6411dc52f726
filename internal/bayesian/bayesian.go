// Package bayesian implements the Bayesian Index (C5): an unsupervised
// correlation coefficient between two alert type-keys derived from their
// historical co-occurrence, with a time-decay kernel. The formula is ported
// line for line from original_source/bayesian.c; the cache is a
// haxmap.Map keyed on the ordered pair, the way the teacher reaches for
// haxmap over a mutex+map for high-churn keyed lookups.
package bayesian

import (
	"math"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/blacklight/aicorrd/internal/alertmodel"
	"github.com/blacklight/aicorrd/internal/history"
)

// cutoffY is y0 in spec.md §4.5: the kernel value at distance T_win.
const cutoffY = 1e-3

// Key identifies an ordered pair (A, B) of alert type-keys in the cache.
type Key struct {
	A, B alertmodel.AlertTypeKey
}

type cacheEntry struct {
	correlation float64
	computedAt  int64
}

// Index computes and caches Bayesian correlation coefficients against an
// alert history store.
type Index struct {
	store         *history.Store
	window        time.Duration
	cacheValidity time.Duration
	kExp          float64
	cache         *haxmap.Map[Key, *cacheEntry]
	now           func() time.Time
}

// New returns an Index over store, with correlation window and cache
// validity drawn from the Bayesian* config keys (spec.md §6).
func New(store *history.Store, window, cacheValidity time.Duration) *Index {
	return &Index{
		store:         store,
		window:        window,
		cacheValidity: cacheValidity,
		kExp:          -float64(window.Seconds()*window.Seconds()) / math.Log(cutoffY),
		cache:         haxmap.New[Key, *cacheEntry](),
		now:           time.Now,
	}
}

func (idx *Index) kernel(ta, tb int64) float64 {
	d := float64(tb - ta)
	return math.Exp(-(d * d) / idx.kExp)
}

// Correlation returns B(A->B) per spec.md §4.5, using the cache when the
// last computation is within cacheValidity.
func (idx *Index) Correlation(a, b alertmodel.AlertTypeKey) float64 {
	key := Key{A: a, B: b}
	nowUnix := idx.now().Unix()

	if found, ok := idx.cache.Get(key); ok {
		if nowUnix-found.computedAt <= int64(idx.cacheValidity.Seconds()) {
			return found.correlation
		}
	}

	eventsA, okA := idx.store.Find(a)
	eventsB, okB := idx.store.Find(b)
	if !okA || !okB || eventsA.Count == 0 {
		return 0.0
	}

	windowSecs := int64(idx.window.Seconds())
	var corrSum float64
	var corrCountA uint32

	for _, ta := range eventsA.Timestamps {
		correlatedA := false
		for _, tb := range eventsB.Timestamps {
			diff := tb - ta
			if diff >= 0 && diff <= windowSecs {
				correlatedA = true
				corrSum += idx.kernel(ta, tb)
			}
		}
		if correlatedA {
			corrCountA++
		}
	}

	if corrCountA == 0 {
		idx.cache.Set(key, &cacheEntry{correlation: 0, computedAt: nowUnix})
		return 0.0
	}

	// M_{A->B}: the count of A-occurrences with at least one correlated B,
	// per spec.md §4.5 — not the total number of qualifying (tA,tB) pairs.
	corr := corrSum / float64(corrCountA)
	corr -= float64(eventsA.Count-corrCountA) / float64(eventsA.Count)
	if corr < 0 {
		corr = 0
	}
	if corr > 1 {
		corr = 1
	}

	idx.cache.Set(key, &cacheEntry{correlation: corr, computedAt: nowUnix})
	return corr
}
