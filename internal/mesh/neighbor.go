package mesh

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/grekinsky/lorachain/config"
)

// Hello is the periodic beacon payload announcing liveness and capability.
type Hello struct {
	Caps Capabilities `json:"caps"`
}

// EncodeHelloPayload builds a TypeHello payload.
func EncodeHelloPayload(h *Hello) ([]byte, error) {
	return json.Marshal(h)
}

// DecodeHelloPayload parses a TypeHello payload.
func DecodeHelloPayload(data []byte) (*Hello, error) {
	var h Hello
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: hello: %v", ErrBadMessage, err)
	}
	return &h, nil
}

// Neighbor is one directly-reachable peer, kept fresh by beacons.
type Neighbor struct {
	ID       NodeID
	Caps     Capabilities
	RSSI     float64
	SNR      float64
	LastSeen time.Time
}

// LinkQuality maps the last-heard RSSI into [0,1].
// -30 dBm (excellent) → 1, -120 dBm (barely decodable) → 0.
func (n *Neighbor) LinkQuality() float64 {
	const best, worst = -30.0, -120.0
	q := (n.RSSI - worst) / (best - worst)
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}

// NeighborTable tracks direct peers and evicts the silent ones.
type NeighborTable struct {
	mu        sync.RWMutex
	neighbors map[NodeID]*Neighbor
	timeout   time.Duration
	max       int

	// OnEvicted is invoked (outside the lock) when a neighbor times out,
	// so routes through it can be invalidated.
	OnEvicted func(id NodeID)

	log zerolog.Logger
	now func() time.Time
}

// NewNeighborTable creates a table from mesh configuration.
func NewNeighborTable(cfg config.MeshConfig, log zerolog.Logger) *NeighborTable {
	timeout := time.Duration(cfg.NeighborTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	max := cfg.MaxNeighbors
	if max <= 0 {
		max = 32
	}
	return &NeighborTable{
		neighbors: make(map[NodeID]*Neighbor),
		timeout:   timeout,
		max:       max,
		log:       log,
		now:       time.Now,
	}
}

// Observe refreshes a neighbor from a received beacon. When the table is
// full, the weakest link is replaced if the newcomer is stronger.
func (t *NeighborTable) Observe(id NodeID, caps Capabilities, rssi, snr float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if n, ok := t.neighbors[id]; ok {
		n.Caps = caps
		n.RSSI = rssi
		n.SNR = snr
		n.LastSeen = now
		return
	}

	newcomer := &Neighbor{ID: id, Caps: caps, RSSI: rssi, SNR: snr, LastSeen: now}

	if len(t.neighbors) >= t.max {
		var weakest *Neighbor
		for _, n := range t.neighbors {
			if weakest == nil || n.LinkQuality() < weakest.LinkQuality() {
				weakest = n
			}
		}
		if weakest == nil || newcomer.LinkQuality() <= weakest.LinkQuality() {
			return // Table full of stronger links.
		}
		delete(t.neighbors, weakest.ID)
	}

	t.neighbors[id] = newcomer
}

// Get returns a neighbor by id.
func (t *NeighborTable) Get(id NodeID) (*Neighbor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.neighbors[id]
	if !ok {
		return nil, false
	}
	c := *n
	return &c, true
}

// LinkQuality returns the link quality for a neighbor (1 when unknown, so
// fresh route installs are not penalized before the first beacon).
func (t *NeighborTable) LinkQuality(id NodeID) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n, ok := t.neighbors[id]; ok {
		return n.LinkQuality()
	}
	return 1
}

// Snapshot returns a copy of the current neighbor set.
func (t *NeighborTable) Snapshot() []Neighbor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Neighbor, 0, len(t.neighbors))
	for _, n := range t.neighbors {
		out = append(out, *n)
	}
	return out
}

// Len returns the neighbor count.
func (t *NeighborTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.neighbors)
}

// EvictStale drops neighbors whose beacons stopped, returning the evicted
// ids after firing OnEvicted for each.
func (t *NeighborTable) EvictStale() []NodeID {
	t.mu.Lock()
	now := t.now()
	var evicted []NodeID
	for id, n := range t.neighbors {
		if now.Sub(n.LastSeen) > t.timeout {
			delete(t.neighbors, id)
			evicted = append(evicted, id)
		}
	}
	t.mu.Unlock()

	for _, id := range evicted {
		t.log.Debug().Str("neighbor", id.String()).Msg("neighbor timed out")
		if t.OnEvicted != nil {
			t.OnEvicted(id)
		}
	}
	return evicted
}
