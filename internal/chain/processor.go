package chain

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/grekinsky/lorachain/config"
	"github.com/grekinsky/lorachain/internal/consensus"
	"github.com/grekinsky/lorachain/internal/utxo"
	"github.com/grekinsky/lorachain/pkg/block"
	"github.com/grekinsky/lorachain/pkg/tx"
	"github.com/grekinsky/lorachain/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown             = errors.New("block already known")
	ErrPrevNotFound           = errors.New("previous block not found")
	ErrStaleBlock             = errors.New("competing block for an occupied height rejected")
	ErrBadHeight              = errors.New("block height does not follow parent")
	ErrBadPrevHash            = errors.New("prev_hash does not match current tip")
	ErrApplyUTXO              = errors.New("failed to apply UTXO changes")
	ErrPersistBlock           = errors.New("failed to persist block")
	ErrCoinbaseNotMature      = errors.New("coinbase output not mature")
	ErrTimestampTooFuture     = errors.New("block timestamp too far in the future")
	ErrTimestampTooOld        = errors.New("block timestamp not after median of recent blocks")
	ErrBadCoinbaseTx          = errors.New("invalid coinbase transaction")
	ErrCoinbaseRewardExceeded = errors.New("coinbase reward exceeds consensus limit")
)

// maxClockDrift bounds how far ahead of wall-clock a block timestamp may run.
const maxClockDrift = 2 * time.Hour

// medianTimeBlocks is the number of trailing blocks whose timestamp median a
// new block must exceed.
const medianTimeBlocks = 11

// ProcessBlock validates a block and applies it to the chain.
// It checks structural validity, consensus rules, UTXO state, then
// updates the UTXO set, block store, and chain tip.
//
// Fork choice is first-observed: a block whose parent is not the current tip
// is rejected outright — the chain never reorganizes.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()

	// Reject duplicates.
	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if known {
		return ErrBlockKnown
	}

	// Check parent linkage — we need the correct height before verifying
	// difficulty and running consensus validation.
	if err := c.checkParentLink(blk); err != nil {
		return err
	}

	// Verify PoW difficulty matches the retarget schedule.
	if err := c.verifyDifficulty(blk); err != nil {
		return err
	}

	// Structural + consensus validation (VerifyHeader checks hash vs header.Difficulty).
	if err := consensus.ValidateBlock(c.engine, blk); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	// Timestamp bounds: strictly after the median of the last 11 blocks,
	// and not beyond wall-clock plus the allowed drift.
	if err := c.checkTimestamp(blk); err != nil {
		return err
	}

	// Validate UTXO-dependent rules (input existence, signatures, maturity).
	if err := c.validateBlockState(blk); err != nil {
		return err
	}

	// Compute block reward (new coins) before applying, while inputs are
	// still in the UTXO set. reward = coinbase_value - total_fees.
	blockReward := c.computeBlockReward(blk)

	// Collect the UTXO diff: spent outpoints (with their prior values, for
	// rollback) and created outputs.
	spent, created, err := c.collectDiff(blk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}

	// Mark the apply in progress so a crash between the two batches below
	// triggers a UTXO rebuild on restart.
	if err := c.blocks.PutApplyMarker(blk.Header.Height); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistBlock, err)
	}

	removes := make([]types.Outpoint, len(spent))
	for i := range spent {
		removes[i] = spent[i].Outpoint
	}
	if err := c.utxos.ApplyUpdates(created, removes); err != nil {
		c.blocks.DeleteApplyMarker()
		return fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}

	// Cap block reward to respect max supply.
	if c.maxSupply > 0 && c.state.Supply+blockReward > c.maxSupply {
		blockReward = c.maxSupply - c.state.Supply
	}

	newSupply := c.state.Supply + blockReward
	newCumDiff := c.state.CumulativeDifficulty + blk.Header.Difficulty

	// Persist the block and tip atomically. On failure, roll the UTXO set
	// back so the in-memory and stored state stay at the pre-block tip.
	if err := c.blocks.AppendBlock(blk, newSupply, newCumDiff); err != nil {
		if rbErr := c.utxos.ApplyUpdates(spent, outpointsOf(created)); rbErr != nil {
			// Rollback failed too: leave the marker in place so the next
			// startup rebuilds the UTXO set from blocks.
			return fmt.Errorf("%w: %v (utxo rollback failed: %v)", ErrPersistBlock, err, rbErr)
		}
		c.blocks.DeleteApplyMarker()
		return fmt.Errorf("%w: %v", ErrPersistBlock, err)
	}

	if err := c.blocks.DeleteApplyMarker(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistBlock, err)
	}

	// Update chain tip.
	c.state.Supply = newSupply
	c.state.CumulativeDifficulty = newCumDiff
	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp

	return nil
}

// checkTimestamp enforces the block timestamp window: strictly greater than
// the median of the previous 11 block timestamps and no more than
// maxClockDrift ahead of wall-clock.
func (c *Chain) checkTimestamp(blk *block.Block) error {
	maxTime := uint64(time.Now().Add(maxClockDrift).Unix())
	if blk.Header.Timestamp > maxTime {
		return fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxTime)
	}

	if blk.Header.Height == 0 {
		return nil
	}

	median, err := c.medianTimePast(blk.Header.Height)
	if err != nil {
		return fmt.Errorf("median time: %w", err)
	}
	if blk.Header.Timestamp <= median {
		return fmt.Errorf("%w: block timestamp %d <= median %d", ErrTimestampTooOld, blk.Header.Timestamp, median)
	}
	return nil
}

// medianTimePast returns the median timestamp of up to medianTimeBlocks
// blocks ending at height-1.
func (c *Chain) medianTimePast(height uint64) (uint64, error) {
	n := uint64(medianTimeBlocks)
	if height < n {
		n = height
	}
	timestamps := make([]uint64, 0, n)
	for h := height - n; h < height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return 0, fmt.Errorf("load block at height %d: %w", h, err)
		}
		timestamps = append(timestamps, blk.Header.Timestamp)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps[len(timestamps)/2], nil
}

// validateBlockState checks UTXO-dependent rules: transaction signatures,
// input existence, coinbase structure, and coinbase maturity.
func (c *Chain) validateBlockState(blk *block.Block) error {
	coinbaseTx := blk.Transactions[0]

	// Coinbase must be a dedicated transaction:
	// exactly one input and that input must be the zero outpoint marker.
	if len(coinbaseTx.Inputs) != 1 || !coinbaseTx.Inputs[0].PrevOut.IsZero() {
		return ErrBadCoinbaseTx
	}

	// Full UTXO-aware transaction validation (skip coinbase):
	// ownership checks, input existence/unspent checks, signatures, and fee sanity.
	utxoProvider := &chainUTXOProvider{set: c.utxos}
	var totalFees uint64
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue // Coinbase.
		}
		fee, err := transaction.ValidateWithUTXOs(utxoProvider)
		if err != nil {
			return fmt.Errorf("tx %d validation: %w", i, err)
		}
		if totalFees > math.MaxUint64-fee {
			return fmt.Errorf("tx %d fee overflow", i)
		}
		totalFees += fee
	}

	// Enforce coinbase mint limit:
	// minted = coinbase_total - total_fees (fees are recycled, not newly minted).
	coinbaseTotal, err := coinbaseTx.TotalOutputValue()
	if err != nil {
		return fmt.Errorf("coinbase output overflow: %w", err)
	}
	var minted uint64
	if coinbaseTotal > totalFees {
		minted = coinbaseTotal - totalFees
	}
	allowedMint := c.blockReward
	if c.maxSupply > 0 {
		if c.state.Supply >= c.maxSupply {
			allowedMint = 0
		} else if remaining := c.maxSupply - c.state.Supply; allowedMint > remaining {
			allowedMint = remaining
		}
	}
	if minted > allowedMint {
		return fmt.Errorf("%w: minted=%d allowed=%d", ErrCoinbaseRewardExceeded, minted, allowedMint)
	}

	// Defensive rule: only transaction 0 may carry a coinbase marker input.
	for i, transaction := range blk.Transactions[1:] {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				return fmt.Errorf("%w: tx %d contains coinbase input", ErrBadCoinbaseTx, i+1)
			}
		}
	}

	// Coinbase maturity: reject blocks that spend immature coinbase outputs.
	return c.checkCoinbaseMaturity(blk)
}

// checkParentLink verifies that the block's PrevHash and Height are consistent
// with the current chain tip. Blocks that do not extend the tip are rejected:
// first-observed wins, competing branches are never adopted.
func (c *Chain) checkParentLink(blk *block.Block) error {
	// Genesis block: PrevHash must be zero, height must be 0.
	if c.state.IsGenesis() {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: genesis must be height 0, got %d", ErrBadHeight, blk.Header.Height)
		}
		if !blk.Header.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return nil
	}

	// Non-genesis: block must extend current tip.
	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	// PrevHash != tip. A known parent means this block competes with an
	// already-accepted block at its height.
	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if parentKnown {
		return fmt.Errorf("%w: block %d does not extend tip %s", ErrStaleBlock, blk.Header.Height, c.state.TipHash)
	}
	return ErrPrevNotFound
}

// computeBlockReward calculates the new coins minted in this block.
// Block reward = coinbase output value - total fees from non-coinbase txs.
// Must be called BEFORE applying (needs UTXO set for input values).
func (c *Chain) computeBlockReward(blk *block.Block) uint64 {
	if len(blk.Transactions) == 0 || len(blk.Transactions[0].Outputs) == 0 {
		return 0
	}

	coinbaseValue, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return 0
	}

	// Sum fees from non-coinbase transactions.
	var totalFees uint64
	for _, transaction := range blk.Transactions[1:] {
		fee := c.computeTxFee(transaction)
		if totalFees > math.MaxUint64-fee {
			continue // Overflow guard.
		}
		totalFees += fee
	}

	// Reward = coinbase value minus recycled fees.
	if coinbaseValue > totalFees {
		return coinbaseValue - totalFees
	}
	return 0
}

// computeTxFee calculates the fee for a single transaction.
// fee = sum(input values) - sum(output values).
// Must be called BEFORE applying (needs UTXO set for input values).
func (c *Chain) computeTxFee(transaction *tx.Transaction) uint64 {
	var inputSum, outputSum uint64
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, err := c.utxos.Get(in.PrevOut)
		if err != nil {
			continue
		}
		if inputSum > math.MaxUint64-u.Value {
			continue // Overflow guard.
		}
		inputSum += u.Value
	}
	for _, out := range transaction.Outputs {
		if outputSum > math.MaxUint64-out.Value {
			continue // Overflow guard.
		}
		outputSum += out.Value
	}
	if inputSum > outputSum {
		return inputSum - outputSum
	}
	return 0
}

type chainUTXOProvider struct {
	set utxo.Set
}

func (p *chainUTXOProvider) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, error) {
	u, err := p.set.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

func (p *chainUTXOProvider) HasUTXO(outpoint types.Outpoint) bool {
	has, err := p.set.Has(outpoint)
	return err == nil && has
}

// collectDiff gathers the UTXO changes a block implies: the full spent UTXOs
// (so a failed persist can restore them) and the created outputs.
func (c *Chain) collectDiff(blk *block.Block) (spent []*utxo.UTXO, created []*utxo.UTXO, err error) {
	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0 && blk.Header.Height > 0

		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue // Coinbase input.
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				return nil, nil, fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
			spent = append(spent, u)
		}

		for i, out := range transaction.Outputs {
			created = append(created, &utxo.UTXO{
				Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
				Value:    out.Value,
				Script:   out.Script,
				Height:   blk.Header.Height,
				Coinbase: isCoinbase,
			})
		}
	}
	return spent, created, nil
}

func outpointsOf(utxos []*utxo.UTXO) []types.Outpoint {
	ops := make([]types.Outpoint, len(utxos))
	for i, u := range utxos {
		ops[i] = u.Outpoint
	}
	return ops
}

// applyBlock updates the UTXO set sequentially: spends inputs and creates
// outputs. Used for genesis initialization and full replays, where the block
// source is already trusted.
func (c *Chain) applyBlock(blk *block.Block) error {
	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0 && blk.Header.Height > 0

		// Spend inputs (skip coinbase zero-outpoint).
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue // Coinbase input.
			}
			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
		}

		// Create outputs.
		for i, out := range transaction.Outputs {
			u := &utxo.UTXO{
				Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
				Value:    out.Value,
				Script:   out.Script,
				Height:   blk.Header.Height,
				Coinbase: isCoinbase,
			}
			if err := c.utxos.Put(u); err != nil {
				return fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}
	}
	return nil
}

// checkCoinbaseMaturity verifies that no transaction in the block spends
// an immature coinbase output.
func (c *Chain) checkCoinbaseMaturity(blk *block.Block) error {
	for _, transaction := range blk.Transactions {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				continue // Will be caught by UTXO validation.
			}
			if u.Coinbase && blk.Header.Height-u.Height < config.CoinbaseMaturity {
				return fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, config.CoinbaseMaturity, blk.Header.Height-u.Height)
			}
		}
	}
	return nil
}
