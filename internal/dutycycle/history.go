package dutycycle

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/grekinsky/lorachain/internal/storage"
)

// Record is one completed transmission. Persisted on a rolling window so
// restarts do not forget recent airtime.
type Record struct {
	Timestamp    time.Time     `json:"ts"`
	Duration     time.Duration `json:"duration"`
	FrequencyMHz float64       `json:"freq"`
	PowerDBm     float64       `json:"power"`
	Priority     Priority      `json:"priority"`
	MessageType  byte          `json:"msg_type"`
	MessageSize  int           `json:"msg_size"`
}

// historyPrefix keys transmission records: t/<unix_nanos(8)><seq(4)>.
var historyPrefix = []byte("t/")

// History is the append-only transmission log the scheduler feeds and the
// admission check reads. Readers take snapshots; the scheduler is the only
// writer.
type History struct {
	mu      sync.RWMutex
	records []Record
	seq     uint32

	db        storage.DB // nil = memory only
	retention time.Duration
}

// NewHistory creates a history retaining records for the given duration.
// When db is non-nil, records persist across restarts.
func NewHistory(db storage.DB, retention time.Duration) *History {
	h := &History{db: db, retention: retention}
	if db != nil {
		h.load()
	}
	return h
}

// Append records a completed transmission.
func (h *History) Append(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, r)
	h.seq++

	if h.db != nil {
		if data, err := json.Marshal(r); err == nil {
			h.db.Put(historyKey(r.Timestamp, h.seq), data)
		}
	}

	h.pruneLocked(r.Timestamp)
}

// Occupancy returns the total airtime spent inside [now-window, now].
func (h *History) Occupancy(window time.Duration, now time.Time) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := now.Add(-window)
	var total time.Duration
	for _, r := range h.records {
		if r.Timestamp.After(cutoff) {
			total += r.Duration
		}
	}
	return total
}

// Snapshot returns a copy of the retained records, oldest first.
func (h *History) Snapshot() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Record, len(h.records))
	copy(out, h.records)
	return out
}

// Prune ages out records older than the retention window.
func (h *History) Prune(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(now)
}

func (h *History) pruneLocked(now time.Time) {
	cutoff := now.Add(-h.retention)
	idx := sort.Search(len(h.records), func(i int) bool {
		return h.records[i].Timestamp.After(cutoff)
	})
	if idx == 0 {
		return
	}
	if h.db != nil {
		var stale [][]byte
		h.db.ForEach(historyPrefix, func(key, _ []byte) error {
			if len(key) >= len(historyPrefix)+8 {
				nanos := int64(binary.BigEndian.Uint64(key[len(historyPrefix):]))
				if time.Unix(0, nanos).Before(cutoff) {
					stale = append(stale, append([]byte(nil), key...))
				}
			}
			return nil
		})
		for _, key := range stale {
			h.db.Delete(key)
		}
	}
	h.records = append(h.records[:0], h.records[idx:]...)
}

// load restores persisted records inside the retention window.
func (h *History) load() {
	cutoff := time.Now().Add(-h.retention)
	h.db.ForEach(historyPrefix, func(_, value []byte) error {
		var r Record
		if err := json.Unmarshal(value, &r); err != nil {
			return nil // Skip corrupt entries.
		}
		if r.Timestamp.After(cutoff) {
			h.records = append(h.records, r)
		}
		return nil
	})
	sort.Slice(h.records, func(i, j int) bool {
		return h.records[i].Timestamp.Before(h.records[j].Timestamp)
	})
}

func historyKey(ts time.Time, seq uint32) []byte {
	key := make([]byte, len(historyPrefix)+12)
	copy(key, historyPrefix)
	binary.BigEndian.PutUint64(key[len(historyPrefix):], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint32(key[len(historyPrefix)+8:], seq)
	return key
}
