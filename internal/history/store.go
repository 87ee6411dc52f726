// Package history implements the Alert History Store (C3): a
// AlertTypeKey -> HistoryEntry map, persisted as a flat binary file with the
// bit-exact layout of spec.md §4.3, verified against the original
// alert_history.c. This port standardizes on little-endian (Design Note §9,
// resolving the spec's open endianness question) instead of the original's
// native byte order.
package history

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/zhangyunhao116/skipmap"

	"github.com/blacklight/aicorrd/internal/aierr"
	"github.com/blacklight/aicorrd/internal/alertmodel"
)

// Store is a concurrent, disk-backed history of alert occurrences.
type Store struct {
	mu   sync.RWMutex
	path string
	// entries is keyed by a packed uint64 (gid<<42 | sid<<10 | rev) so the
	// ordered map keeps deterministic file-write order across runs; keys
	// records the AlertTypeKey each packed key was built from.
	entries *skipmap.Uint64Map[*alertmodel.HistoryEntry]
	keys    map[uint64]alertmodel.AlertTypeKey
}

func packKey(k alertmodel.AlertTypeKey) uint64 {
	return (uint64(k.GID) << 42) | (uint64(k.SID&0xFFFFFF) << 10) | uint64(k.Rev&0x3FF)
}

// New returns an empty Store backed by path.
func New(path string) *Store {
	return &Store{
		path:    path,
		entries: skipmap.NewUint64[*alertmodel.HistoryEntry](),
		keys:    make(map[uint64]alertmodel.AlertTypeKey),
	}
}

// diskKey is the fixed-size on-disk record for AlertTypeKey.
type diskKey struct {
	GID, SID, Rev uint32
}

// Load rebuilds the in-memory store from disk. A missing file starts empty;
// a present-but-malformed file is fatal (spec.md §7).
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &aierr.CorruptStateError{Path: s.path, Msg: err.Error()}
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var numKeys uint32
	if err := binary.Read(r, binary.LittleEndian, &numKeys); err != nil {
		return &aierr.CorruptStateError{Path: s.path, Msg: fmt.Sprintf("reading header: %v", err)}
	}

	entries := skipmap.NewUint64[*alertmodel.HistoryEntry]()
	keys := make(map[uint64]alertmodel.AlertTypeKey, numKeys)

	for i := uint32(0); i < numKeys; i++ {
		var listLen uint32
		if err := binary.Read(r, binary.LittleEndian, &listLen); err != nil {
			return &aierr.CorruptStateError{Path: s.path, Msg: fmt.Sprintf("reading list length: %v", err)}
		}

		entry := &alertmodel.HistoryEntry{Timestamps: make([]int64, 0, listLen)}
		var dk diskKey
		var lastKeySet bool
		for j := uint32(0); j < listLen; j++ {
			if err := binary.Read(r, binary.LittleEndian, &dk); err != nil {
				return &aierr.CorruptStateError{Path: s.path, Msg: fmt.Sprintf("reading key: %v", err)}
			}
			var ts int64
			if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
				return &aierr.CorruptStateError{Path: s.path, Msg: fmt.Sprintf("reading timestamp: %v", err)}
			}
			entry.Timestamps = append(entry.Timestamps, ts)
			lastKeySet = true
		}
		if !lastKeySet && listLen > 0 {
			return &aierr.CorruptStateError{Path: s.path, Msg: "empty list with nonzero length"}
		}

		entry.Key = alertmodel.AlertTypeKey{GID: dk.GID, SID: dk.SID, Rev: dk.Rev}
		entry.Count = uint32(len(entry.Timestamps))

		pk := packKey(entry.Key)
		entries.Store(pk, entry)
		keys[pk] = entry.Key
	}

	s.entries = entries
	s.keys = keys
	return nil
}

// Append inserts one occurrence per alert (in chronological order within
// each type key's list) and rewrites the file atomically.
func (s *Store) Append(alerts []*alertmodel.Alert) error {
	s.mu.Lock()
	for _, a := range alerts {
		pk := packKey(a.Type)
		entry, _ := s.entries.LoadOrStore(pk, &alertmodel.HistoryEntry{Key: a.Type})
		s.keys[pk] = a.Type

		idx := sort.Search(len(entry.Timestamps), func(i int) bool { return entry.Timestamps[i] >= a.Timestamp })
		entry.Timestamps = append(entry.Timestamps, 0)
		copy(entry.Timestamps[idx+1:], entry.Timestamps[idx:])
		entry.Timestamps[idx] = a.Timestamp
		entry.Count = uint32(len(entry.Timestamps))
	}
	s.mu.Unlock()

	return s.rewrite()
}

// rewrite performs the write-to-temp-then-rename described in spec.md §4.3,
// guarded by a gofrs/flock advisory lock so a second process sharing the
// same history file cannot interleave a write.
func (s *Store) rewrite() error {
	lockPath := s.path + ".lock"
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return &aierr.TransientIOError{Op: "history.lock", Err: err}
	}
	defer fl.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return &aierr.ResourceError{Msg: err.Error()}
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	var numKeys uint32
	s.entries.Range(func(uint64, *alertmodel.HistoryEntry) bool { numKeys++; return true })
	if err := binary.Write(w, binary.LittleEndian, numKeys); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &aierr.ResourceError{Msg: err.Error()}
	}

	var writeErr error
	s.entries.Range(func(pk uint64, entry *alertmodel.HistoryEntry) bool {
		if writeErr = binary.Write(w, binary.LittleEndian, uint32(len(entry.Timestamps))); writeErr != nil {
			return false
		}
		dk := diskKey{GID: entry.Key.GID, SID: entry.Key.SID, Rev: entry.Key.Rev}
		for _, ts := range entry.Timestamps {
			if writeErr = binary.Write(w, binary.LittleEndian, dk); writeErr != nil {
				return false
			}
			if writeErr = binary.Write(w, binary.LittleEndian, ts); writeErr != nil {
				return false
			}
		}
		return true
	})
	if writeErr != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &aierr.ResourceError{Msg: writeErr.Error()}
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &aierr.ResourceError{Msg: err.Error()}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &aierr.ResourceError{Msg: err.Error()}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return &aierr.ResourceError{Msg: err.Error()}
	}
	return nil
}

// Find returns the history entry for key, if any occurrences exist.
func (s *Store) Find(key alertmodel.AlertTypeKey) (*alertmodel.HistoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Load(packKey(key))
}

// Total sums the Count of every type key's history entry.
func (s *Store) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	s.entries.Range(func(_ uint64, entry *alertmodel.HistoryEntry) bool {
		total += uint64(entry.Count)
		return true
	})
	return total
}
