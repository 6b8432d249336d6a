// Package codec implements the wire compression layer: a registry of
// pluggable algorithms, a framed envelope with integrity checking, and
// signed, versioned dictionaries for repetitive UTXO data.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Codec errors.
var (
	ErrUnknownAlgorithm  = errors.New("unknown compression algorithm")
	ErrUnknownDictionary = errors.New("unknown dictionary id")
	ErrChecksumMismatch  = errors.New("frame checksum mismatch")
	ErrBadFrame          = errors.New("malformed compressed frame")
	ErrBadVersion        = errors.New("unsupported frame version")
	ErrMemoryLimit       = errors.New("payload exceeds compression memory limit")
)

// Algorithm tags a compression engine on the wire. Stable across releases.
type Algorithm uint8

const (
	AlgoNone       Algorithm = 0x00
	AlgoLZ         Algorithm = 0x01 // Generic LZ (s2)
	AlgoDeflate    Algorithm = 0x02 // Generic deflate
	AlgoUTXO       Algorithm = 0x03 // Tag-length-value UTXO-specialized
	AlgoDictionary Algorithm = 0x04 // Dictionary substitution
)

// String returns the config-file name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgoNone:
		return "none"
	case AlgoLZ:
		return "lz"
	case AlgoDeflate:
		return "deflate"
	case AlgoUTXO:
		return "utxo"
	case AlgoDictionary:
		return "dictionary"
	default:
		return "unknown"
	}
}

// ParseAlgorithm maps a config-file name to a tag.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "none":
		return AlgoNone, nil
	case "lz":
		return AlgoLZ, nil
	case "deflate":
		return AlgoDeflate, nil
	case "utxo":
		return AlgoUTXO, nil
	case "dictionary":
		return AlgoDictionary, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

// Engine is one compression algorithm.
type Engine interface {
	Tag() Algorithm
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	// Speed is a relative throughput rank (higher is faster). Used as the
	// normalized-throughput input to adaptive selection before real
	// measurements accumulate.
	Speed() int
	// ExpectedRatio is the anticipated compressed/original ratio on typical
	// UTXO traffic (lower is better).
	ExpectedRatio() float64
}

// Registry maps algorithm tags to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[Algorithm]Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[Algorithm]Engine)}
}

// Register adds an engine. Registering the same tag twice replaces it.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Tag()] = e
}

// Get returns the engine for a tag.
func (r *Registry) Get(tag Algorithm) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[tag]
	if !ok {
		return nil, fmt.Errorf("%w: tag %#x", ErrUnknownAlgorithm, uint8(tag))
	}
	return e, nil
}

// Tags returns the registered algorithm tags in ascending order.
func (r *Registry) Tags() []Algorithm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]Algorithm, 0, len(r.engines))
	for tag := range r.engines {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// DefaultRegistry returns a registry with every built-in engine, using the
// given dictionary store for AlgoDictionary (nil disables it).
func DefaultRegistry(dicts *DictionaryStore) *Registry {
	r := NewRegistry()
	r.Register(noneEngine{})
	r.Register(lzEngine{})
	r.Register(deflateEngine{})
	r.Register(utxoEngine{})
	if dicts != nil {
		r.Register(&dictionaryEngine{store: dicts})
	}
	return r
}
