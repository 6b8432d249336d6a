package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grekinsky/lorachain/pkg/crypto"
)

// Dictionary is a versioned, signed set of high-frequency byte patterns.
// Receivers refuse frames referencing a dictionary id they do not hold.
type Dictionary struct {
	ID        uint32   `json:"id"`
	Version   uint32   `json:"version"`
	Entries   [][]byte `json:"entries"`
	PubKey    []byte   `json:"pubkey,omitempty"`
	Signature []byte   `json:"signature,omitempty"`
}

// maxDictionaryEntries keeps codes inside one byte, with room for the
// literal-escape code.
const maxDictionaryEntries = 250

// signingBytes returns the canonical bytes covered by the signature.
func (d *Dictionary) signingBytes() []byte {
	buf := binary.LittleEndian.AppendUint32(nil, d.ID)
	buf = binary.LittleEndian.AppendUint32(buf, d.Version)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(d.Entries)))
	for _, e := range d.Entries {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e)))
		buf = append(buf, e...)
	}
	return buf
}

// Sign signs the dictionary with an Ed25519 mesh key for distribution.
func (d *Dictionary) Sign(key *crypto.MeshKey) {
	d.PubKey = key.PublicKey()
	d.Signature = key.Sign(d.signingBytes())
}

// Verify checks the embedded signature.
func (d *Dictionary) Verify() bool {
	return crypto.VerifyMeshSignature(d.signingBytes(), d.Signature, d.PubKey)
}

// Marshal encodes the dictionary for distribution.
func (d *Dictionary) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDictionary decodes a distributed dictionary.
func UnmarshalDictionary(data []byte) (*Dictionary, error) {
	var d Dictionary
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("dictionary unmarshal: %w", err)
	}
	if len(d.Entries) > maxDictionaryEntries {
		return nil, fmt.Errorf("dictionary has %d entries, max %d", len(d.Entries), maxDictionaryEntries)
	}
	return &d, nil
}

// BuildDictionary mines a sample corpus for repeated substrings and returns
// a dictionary of the most profitable ones (by count × length saved).
// Typical corpora: serialized transactions sharing address prefixes and
// script templates.
func BuildDictionary(id, version uint32, samples [][]byte, maxEntries int) *Dictionary {
	if maxEntries <= 0 || maxEntries > maxDictionaryEntries {
		maxEntries = maxDictionaryEntries
	}

	type candidate struct {
		pattern string
		count   int
	}
	counts := make(map[string]int)

	// Substring lengths worth a two-byte code, longest first.
	lengths := []int{16, 12, 8, 6, 4}
	for _, sample := range samples {
		for _, n := range lengths {
			for i := 0; i+n <= len(sample); i++ {
				counts[string(sample[i:i+n])]++
			}
		}
	}

	candidates := make([]candidate, 0, len(counts))
	for pattern, count := range counts {
		if count < 2 {
			continue
		}
		candidates = append(candidates, candidate{pattern: pattern, count: count})
	}
	// Rank by total bytes saved: (len-2) per occurrence.
	sort.Slice(candidates, func(i, j int) bool {
		si := (len(candidates[i].pattern) - 2) * candidates[i].count
		sj := (len(candidates[j].pattern) - 2) * candidates[j].count
		if si != sj {
			return si > sj
		}
		return candidates[i].pattern < candidates[j].pattern
	})

	d := &Dictionary{ID: id, Version: version}
	seen := make(map[string]struct{})
	for _, c := range candidates {
		if len(d.Entries) >= maxEntries {
			break
		}
		// Skip patterns contained in an already-chosen longer pattern —
		// they would never match after the greedy longest-first pass.
		redundant := false
		for chosen := range seen {
			if len(chosen) > len(c.pattern) && strings.Contains(chosen, c.pattern) {
				redundant = true
				break
			}
		}
		if redundant {
			continue
		}
		seen[c.pattern] = struct{}{}
		d.Entries = append(d.Entries, []byte(c.pattern))
	}
	return d
}

// DictionaryStore holds the dictionaries a node accepts, keyed by id.
type DictionaryStore struct {
	mu     sync.RWMutex
	dicts  map[uint32]*Dictionary
	active uint32 // Dictionary used for outgoing compression.
}

// NewDictionaryStore creates an empty store.
func NewDictionaryStore() *DictionaryStore {
	return &DictionaryStore{dicts: make(map[uint32]*Dictionary)}
}

// Add installs a dictionary. Signed dictionaries must verify; a dictionary
// replacing an existing id must carry a strictly newer version.
func (s *DictionaryStore) Add(d *Dictionary) error {
	if d.Signature != nil && !d.Verify() {
		return fmt.Errorf("dictionary %d: signature does not verify", d.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.dicts[d.ID]; ok && d.Version <= existing.Version {
		return fmt.Errorf("dictionary %d: version %d not newer than %d", d.ID, d.Version, existing.Version)
	}
	s.dicts[d.ID] = d
	if s.active == 0 {
		s.active = d.ID
	}
	return nil
}

// Get returns the dictionary for an id.
func (s *DictionaryStore) Get(id uint32) (*Dictionary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dicts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDictionary, id)
	}
	return d, nil
}

// SetActive selects the dictionary used for outgoing compression.
func (s *DictionaryStore) SetActive(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dicts[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDictionary, id)
	}
	s.active = id
	return nil
}

// Active returns the id used for outgoing compression (0 = none installed).
func (s *DictionaryStore) Active() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// dictionaryEngine compresses with the store's active dictionary using the
// same escape-substitution scheme as the UTXO engine.
type dictionaryEngine struct {
	store *DictionaryStore
}

func (e *dictionaryEngine) Tag() Algorithm { return AlgoDictionary }

func (e *dictionaryEngine) Compress(data []byte) ([]byte, error) {
	return e.CompressWith(e.store.Active(), data)
}

func (e *dictionaryEngine) Decompress(data []byte) ([]byte, error) {
	return e.DecompressWith(e.store.Active(), data)
}

// CompressWith compresses using a specific dictionary id.
func (e *dictionaryEngine) CompressWith(id uint32, data []byte) ([]byte, error) {
	d, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	order := matchOrder(d.Entries)
	return substitute(data, d.Entries, order), nil
}

// DecompressWith decompresses using a specific dictionary id.
func (e *dictionaryEngine) DecompressWith(id uint32, data []byte) ([]byte, error) {
	d, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	return unsubstitute(data, d.Entries)
}

func (e *dictionaryEngine) Speed() int            { return 75 }
func (e *dictionaryEngine) ExpectedRatio() float64 { return 0.5 }

func matchOrder(entries [][]byte) []int {
	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return len(entries[order[a]]) > len(entries[order[b]])
	})
	return order
}
