package codec

import (
	"sync"
	"time"
)

// Selector picks a compression algorithm for a payload.
type Selector interface {
	Choose(payloadLen int) Algorithm
	// Record feeds back an observed compression: achieved ratio
	// (compressed/original) and throughput in bytes/sec.
	Record(algo Algorithm, ratio, throughput float64)
}

// fixedSelector always returns one algorithm.
type fixedSelector struct{ algo Algorithm }

func (s fixedSelector) Choose(int) Algorithm             { return s.algo }
func (s fixedSelector) Record(Algorithm, float64, float64) {}

// AdaptiveSelector scores algorithms from rolling benchmarks:
//
//	score = (1 - ratio)·0.7 + normalized_throughput·0.3
//
// Before measurements accumulate it falls back to each engine's static
// ExpectedRatio and Speed ranks.
type AdaptiveSelector struct {
	mu       sync.Mutex
	registry *Registry
	stats    map[Algorithm]*rollingStats
}

// rollingStats is an exponentially-weighted view of recent compressions.
type rollingStats struct {
	ratio      float64
	throughput float64
	samples    int
}

// ewmaAlpha weights new samples; old behavior decays over ~10 samples.
const ewmaAlpha = 0.2

// NewAdaptiveSelector creates a selector over the registry's engines.
func NewAdaptiveSelector(registry *Registry) *AdaptiveSelector {
	return &AdaptiveSelector{
		registry: registry,
		stats:    make(map[Algorithm]*rollingStats),
	}
}

// Record feeds an observed compression result into the rolling benchmarks.
func (s *AdaptiveSelector) Record(algo Algorithm, ratio, throughput float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[algo]
	if !ok {
		st = &rollingStats{ratio: ratio, throughput: throughput}
		s.stats[algo] = st
	} else {
		st.ratio = st.ratio*(1-ewmaAlpha) + ratio*ewmaAlpha
		st.throughput = st.throughput*(1-ewmaAlpha) + throughput*ewmaAlpha
	}
	st.samples++
}

// Choose returns the best-scoring algorithm for a payload of the given size.
// AlgoNone is never chosen here (the scoring loop skips it); it is only the
// threshold path's business.
func (s *AdaptiveSelector) Choose(payloadLen int) Algorithm {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := AlgoLZ
	bestScore := -1.0

	// Find the max throughput for normalization.
	var maxThroughput float64
	for _, tag := range s.registry.Tags() {
		if tag == AlgoNone {
			continue
		}
		if st, ok := s.stats[tag]; ok && st.throughput > maxThroughput {
			maxThroughput = st.throughput
		}
	}

	for _, tag := range s.registry.Tags() {
		if tag == AlgoNone {
			continue
		}
		engine, err := s.registry.Get(tag)
		if err != nil {
			continue
		}

		var ratio, normThroughput float64
		if st, ok := s.stats[tag]; ok && st.samples > 0 && maxThroughput > 0 {
			ratio = st.ratio
			normThroughput = st.throughput / maxThroughput
		} else {
			// No measurements yet: static engine estimates.
			ratio = engine.ExpectedRatio()
			normThroughput = float64(engine.Speed()) / 100
		}

		score := (1-ratio)*0.7 + normThroughput*0.3
		if score > bestScore {
			bestScore = score
			best = tag
		}
	}
	return best
}

// measure times fn over the payload and returns bytes/sec.
func measure(payloadLen int, fn func()) float64 {
	start := time.Now()
	fn()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	return float64(payloadLen) / elapsed.Seconds()
}
