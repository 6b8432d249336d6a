package block

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/grekinsky/lorachain/config"
	"github.com/grekinsky/lorachain/pkg/tx"
	"github.com/grekinsky/lorachain/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader           = errors.New("block has nil header")
	ErrNoTransactions      = errors.New("block has no transactions")
	ErrBadMerkleRoot       = errors.New("merkle root mismatch")
	ErrBadVersion          = errors.New("unsupported block version")
	ErrZeroTimestamp       = errors.New("block timestamp is zero")
	ErrBadTxOrder          = errors.New("transactions not in canonical order")
	ErrNoCoinbase          = errors.New("first transaction must be coinbase")
	ErrTooManyTxs          = errors.New("too many transactions in block")
	ErrBlockTooLarge       = errors.New("block too large")
	ErrDuplicateBlockInput = errors.New("duplicate input across transactions in block")
	ErrMultipleCoinbase    = errors.New("multiple coinbase transactions in block")
)

// Block version constants.
const (
	CurrentVersion = 1 // The current block version produced by this software.
	MaxVersion     = 1 // Bump when a fork introduces a new block version.
)

// Validate checks block structure and internal consistency. Each pass is
// independent of chain state: header sanity, size budget, coinbase
// placement, merkle integrity, canonical ordering, per-transaction shape,
// and in-block double spends. Consensus rules (proof-of-work, difficulty
// schedule, timestamp window) live with the chain, which has the history
// those checks need.
func (b *Block) Validate() error {
	if err := b.checkHeader(); err != nil {
		return err
	}
	if err := b.checkSize(); err != nil {
		return err
	}
	if err := b.checkCoinbasePlacement(); err != nil {
		return err
	}

	txHashes := b.txHashes()
	if err := b.checkMerkle(txHashes); err != nil {
		return err
	}
	if err := checkCanonicalOrder(txHashes); err != nil {
		return err
	}

	for i, transaction := range b.Transactions {
		if err := transaction.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	return b.checkNoDuplicateInputs()
}

// checkHeader validates the header fields a lone block can vouch for.
func (b *Block) checkHeader() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if b.Header.Version < 1 || b.Header.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, b.Header.Version, MaxVersion)
	}
	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}
	return nil
}

// checkSize enforces the aggregate byte and count budgets.
func (b *Block) checkSize() error {
	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}

	// Total serialized size: header signing bytes plus every transaction's.
	size := len(b.Header.SigningBytes())
	for _, t := range b.Transactions {
		size += len(t.SigningBytes())
	}
	if size > config.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, size, config.MaxBlockSize)
	}
	return nil
}

// checkCoinbasePlacement requires exactly one coinbase, at index 0.
func (b *Block) checkCoinbasePlacement() error {
	if !isCoinbase(b.Transactions[0]) {
		return ErrNoCoinbase
	}
	for i, t := range b.Transactions[1:] {
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				return fmt.Errorf("tx %d: %w", i+1, ErrMultipleCoinbase)
			}
		}
	}
	return nil
}

// txHashes collects the transaction ids in block order.
func (b *Block) txHashes() []types.Hash {
	hashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		hashes[i] = t.Hash()
	}
	return hashes
}

// checkMerkle recomputes the root over the transaction ids.
func (b *Block) checkMerkle(txHashes []types.Hash) error {
	root := ComputeMerkleRoot(txHashes)
	if b.Header.MerkleRoot != root {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot, b.Header.MerkleRoot, root)
	}
	return nil
}

// checkCanonicalOrder requires non-coinbase transactions sorted by hash
// ascending, so every node assembles the identical block for the same set.
func checkCanonicalOrder(txHashes []types.Hash) error {
	for i := 2; i < len(txHashes); i++ {
		if bytes.Compare(txHashes[i-1][:], txHashes[i][:]) >= 0 {
			return fmt.Errorf("%w: tx %d hash >= tx %d hash", ErrBadTxOrder, i-1, i)
		}
	}
	return nil
}

// checkNoDuplicateInputs rejects two transactions spending one outpoint.
// Per-transaction duplicates are caught by tx.Validate.
func (b *Block) checkNoDuplicateInputs() error {
	spent := make(map[types.Outpoint]int) // outpoint -> first spending tx index
	for i, t := range b.Transactions {
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				continue // Coinbase marker.
			}
			if first, dup := spent[in.PrevOut]; dup {
				return fmt.Errorf("tx %d: %w: outpoint %s also spent in tx %d",
					i, ErrDuplicateBlockInput, in.PrevOut, first)
			}
			spent[in.PrevOut] = i
		}
	}
	return nil
}

// isCoinbase returns true if the transaction has the single zero-outpoint
// marker input.
func isCoinbase(t *tx.Transaction) bool {
	return len(t.Inputs) == 1 && t.Inputs[0].PrevOut.IsZero()
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}
