package codec

import (
	"fmt"

	"github.com/grekinsky/lorachain/config"
)

// Codec is the node-facing compression surface: it applies the configured
// selection policy on encode and dispatches on the frame header on decode.
type Codec struct {
	registry *Registry
	dicts    *DictionaryStore
	selector Selector

	threshold   int
	memoryLimit int64
	integrity   bool
	useDict     bool
}

// New builds a Codec from node configuration.
func New(cfg config.CompressionConfig, dicts *DictionaryStore) (*Codec, error) {
	if dicts == nil {
		dicts = NewDictionaryStore()
	}
	registry := DefaultRegistry(dicts)

	c := &Codec{
		registry:    registry,
		dicts:       dicts,
		threshold:   cfg.ThresholdBytes,
		memoryLimit: cfg.MemoryLimitBytes,
		integrity:   cfg.EnableIntegrityCheck,
		useDict:     cfg.EnableDictionary,
	}

	switch cfg.DefaultAlgorithm {
	case "adaptive", "":
		c.selector = NewAdaptiveSelector(registry)
	default:
		algo, err := ParseAlgorithm(cfg.DefaultAlgorithm)
		if err != nil {
			return nil, err
		}
		c.selector = fixedSelector{algo: algo}
	}
	return c, nil
}

// Registry exposes the engine registry (for registering extra algorithms).
func (c *Codec) Registry() *Registry { return c.registry }

// Dictionaries exposes the dictionary store.
func (c *Codec) Dictionaries() *DictionaryStore { return c.dicts }

// Encode compresses a payload into a framed envelope.
// Payloads below the threshold are framed uncompressed; a compression that
// fails to shrink the payload falls back to uncompressed as well.
func (c *Codec) Encode(payload []byte) ([]byte, error) {
	if c.memoryLimit > 0 && int64(len(payload)) > c.memoryLimit {
		return nil, fmt.Errorf("%w: %d bytes", ErrMemoryLimit, len(payload))
	}

	if len(payload) < c.threshold {
		return EncodeFrame(AlgoNone, 0, payload, payload, c.integrity), nil
	}

	algo := c.selector.Choose(len(payload))
	if algo == AlgoDictionary && (!c.useDict || c.dicts.Active() == 0) {
		algo = AlgoLZ
	}

	engine, err := c.registry.Get(algo)
	if err != nil {
		return nil, err
	}

	var dictID uint32
	var compressed []byte
	throughput := measure(len(payload), func() {
		if algo == AlgoDictionary {
			dictID = c.dicts.Active()
			compressed, err = engine.(*dictionaryEngine).CompressWith(dictID, payload)
		} else {
			compressed, err = engine.Compress(payload)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("compress (%s): %w", algo, err)
	}

	if len(payload) > 0 {
		c.selector.Record(algo, float64(len(compressed))/float64(len(payload)), throughput)
	}

	// Incompressible payload: ship it raw rather than grown.
	if len(compressed) >= len(payload) {
		return EncodeFrame(AlgoNone, 0, payload, payload, c.integrity), nil
	}

	return EncodeFrame(algo, dictID, payload, compressed, c.integrity), nil
}

// Decode unwraps a framed envelope and decompresses the payload.
// Frames referencing an unknown dictionary id are refused.
func (c *Codec) Decode(frame []byte) ([]byte, error) {
	f, err := DecodeFrame(frame)
	if err != nil {
		return nil, err
	}

	if c.memoryLimit > 0 && f.OriginalSize > uint64(c.memoryLimit) {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrMemoryLimit, f.OriginalSize)
	}

	engine, err := c.registry.Get(f.Algorithm)
	if err != nil {
		return nil, err
	}

	var original []byte
	if f.Algorithm == AlgoDictionary {
		if f.DictID == 0 {
			return nil, fmt.Errorf("%w: dictionary frame without id", ErrBadFrame)
		}
		original, err = engine.(*dictionaryEngine).DecompressWith(f.DictID, f.Payload)
	} else {
		original, err = engine.Decompress(f.Payload)
	}
	if err != nil {
		return nil, err
	}

	if uint64(len(original)) != f.OriginalSize {
		return nil, fmt.Errorf("%w: decompressed to %d bytes, header says %d",
			ErrBadFrame, len(original), f.OriginalSize)
	}
	if err := f.verifyChecksum(original); err != nil {
		return nil, err
	}
	return original, nil
}
