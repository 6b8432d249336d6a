package chain

import (
	"fmt"

	"github.com/grekinsky/lorachain/internal/consensus"
	"github.com/grekinsky/lorachain/internal/storage"
	"github.com/grekinsky/lorachain/internal/utxo"
	"github.com/grekinsky/lorachain/pkg/types"
)

// ValidateChain walks the chain from genesis to the current tip, reapplying
// every validation rule against a fresh in-memory UTXO set. It verifies
// linkage, proof-of-work, the difficulty schedule, merkle integrity, and that
// no output is spent twice across the whole chain.
//
// The stored UTXO set is not touched; a non-nil error names the first height
// at which validation fails.
func (c *Chain) ValidateChain() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.IsGenesis() && c.genesisHash.IsZero() {
		return nil // Empty chain is trivially valid.
	}

	replay := utxo.NewStore(storage.NewMemory())
	provider := &chainUTXOProvider{set: replay}

	var prevHash types.Hash
	var prevTimestamp uint64
	var prevDifficulty uint64

	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("height %d: load: %w", h, err)
		}

		if blk.Header.Height != h {
			return fmt.Errorf("height %d: header claims height %d", h, blk.Header.Height)
		}

		if h == 0 {
			if !blk.Header.PrevHash.IsZero() {
				return fmt.Errorf("height 0: genesis prev_hash not zero")
			}
			if blk.Hash() != c.genesisHash {
				return fmt.Errorf("height 0: genesis hash mismatch")
			}
		} else {
			if blk.Header.PrevHash != prevHash {
				return fmt.Errorf("height %d: prev_hash %s does not link to %s", h, blk.Header.PrevHash, prevHash)
			}
			if blk.Header.Timestamp <= prevTimestamp && h > 1 {
				// Strict median enforcement needs the trailing window; the
				// stored blocks were already checked at accept time, so the
				// replay only rejects obviously non-increasing sequences.
				if blk.Header.Timestamp < prevTimestamp {
					return fmt.Errorf("height %d: timestamp %d before parent %d", h, blk.Header.Timestamp, prevTimestamp)
				}
			}

			// Structural + proof-of-work.
			if err := consensus.ValidateBlock(c.engine, blk); err != nil {
				return fmt.Errorf("height %d: %w", h, err)
			}

			// Difficulty schedule.
			if pow, ok := c.engine.(*consensus.PoW); ok {
				if err := pow.VerifyDifficulty(blk.Header, prevDifficulty, c.getBlockTimestamp); err != nil {
					return fmt.Errorf("height %d: %w", h, err)
				}
			}

			// Every non-coinbase input must exist in the replayed set.
			for i, transaction := range blk.Transactions {
				if i == 0 {
					continue
				}
				if _, err := transaction.ValidateWithUTXOs(provider); err != nil {
					return fmt.Errorf("height %d tx %d: %w", h, i, err)
				}
			}
		}

		// Apply to the replay set.
		for txIdx, transaction := range blk.Transactions {
			txHash := transaction.Hash()
			for _, in := range transaction.Inputs {
				if in.PrevOut.IsZero() {
					continue
				}
				has, _ := replay.Has(in.PrevOut)
				if !has {
					return fmt.Errorf("height %d: double spend of %s", h, in.PrevOut)
				}
				if err := replay.Delete(in.PrevOut); err != nil {
					return fmt.Errorf("height %d: delete input: %w", h, err)
				}
			}
			for i, out := range transaction.Outputs {
				u := &utxo.UTXO{
					Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
					Value:    out.Value,
					Script:   out.Script,
					Height:   h,
					Coinbase: txIdx == 0 && h > 0,
				}
				if err := replay.Put(u); err != nil {
					return fmt.Errorf("height %d: put output: %w", h, err)
				}
			}
		}

		prevHash = blk.Hash()
		prevTimestamp = blk.Header.Timestamp
		prevDifficulty = blk.Header.Difficulty
	}

	if prevHash != c.state.TipHash {
		return fmt.Errorf("tip mismatch: walked to %s, state says %s", prevHash, c.state.TipHash)
	}
	return nil
}
