// Package consensus defines the proof-of-work engine and block-level
// consensus checks.
package consensus

import (
	"fmt"

	"github.com/grekinsky/lorachain/pkg/block"
)

// Engine is the interface for consensus implementations.
type Engine interface {
	VerifyHeader(header *block.Header) error
	Prepare(header *block.Header) error
	Seal(blk *block.Block) error
}

// ValidateBlock runs the chain-independent block checks: structural
// validity first, then the engine's header verification (proof-of-work
// target). Rules that need chain history — difficulty schedule, timestamp
// window — belong to the chain.
func ValidateBlock(engine Engine, blk *block.Block) error {
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("block structure: %w", err)
	}
	if err := engine.VerifyHeader(blk.Header); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	return nil
}
