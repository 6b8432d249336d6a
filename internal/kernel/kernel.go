// Package kernel orchestrates the UTXO ledger: it composes the chain state
// machine, the pending pool, and the block producer behind one mutation-
// serialized surface.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/grekinsky/lorachain/config"
	"github.com/grekinsky/lorachain/internal/chain"
	"github.com/grekinsky/lorachain/internal/consensus"
	"github.com/grekinsky/lorachain/internal/mempool"
	"github.com/grekinsky/lorachain/internal/miner"
	"github.com/grekinsky/lorachain/internal/storage"
	"github.com/grekinsky/lorachain/internal/utxo"
	"github.com/grekinsky/lorachain/pkg/block"
	"github.com/grekinsky/lorachain/pkg/tx"
	"github.com/grekinsky/lorachain/pkg/types"
)

// Lifecycle states.
type LifecycleState int

const (
	Uninitialized LifecycleState = iota
	Loading
	Ready
	Closing
)

func (s LifecycleState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Storage keys owned by the kernel.
var (
	keySealedGenesis = []byte("g/config") // sealed genesis JSON + hash
	prefixPending    = []byte("p/")       // p/<txhash> -> pending tx JSON
)

// sealedGenesis is the persisted genesis record. Once written, only a config
// with a matching hash is accepted on reload.
type sealedGenesis struct {
	Hash    types.Hash      `json:"hash"`
	ChainID string          `json:"chain_id"`
	Config  *config.Genesis `json:"config"`
}

// Kernel is the blockchain kernel. All state-mutating operations (submit,
// mine, accept) are serialized; queries read current state without blocking
// writers longer than a map lookup.
type Kernel struct {
	mu    sync.Mutex
	state LifecycleState

	db     storage.DB
	utxos  *utxo.Store
	chain  *chain.Chain
	pool   *mempool.Pool
	engine *consensus.PoW
	gen    *config.Genesis

	threads int
	log     zerolog.Logger
}

// Options configures kernel construction.
type Options struct {
	DB      storage.DB  // Chain + pending pool storage
	UTXODB  storage.DB  // UTXO set storage
	Genesis *config.Genesis
	Threads int // PoW mining threads (0 = single)
	Logger  zerolog.Logger
}

// New opens (or initializes) the ledger. The lifecycle runs
// Uninitialized → Loading → Ready inside this call: persistence is queried,
// a compatible stored genesis is adopted, else a fresh genesis is
// materialized from configuration.
func New(opts Options) (*Kernel, error) {
	if opts.DB == nil || opts.UTXODB == nil {
		return nil, fmt.Errorf("%w: storage required", ErrConfiguration)
	}
	if opts.Genesis == nil {
		return nil, fmt.Errorf("%w: genesis required", ErrConfiguration)
	}
	if err := opts.Genesis.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	k := &Kernel{
		state:   Loading,
		db:      opts.DB,
		utxos:   utxo.NewStore(opts.UTXODB),
		gen:     opts.Genesis,
		threads: opts.Threads,
		log:     opts.Logger,
	}

	if err := k.checkSealedGenesis(); err != nil {
		return nil, err
	}

	rules := opts.Genesis.Protocol.Consensus
	engine, err := consensus.NewPoW(rules.InitialDifficulty, rules.AdjustInterval, rules.BlockTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	engine.MaxRatio = rules.MaxRetargetRatio
	engine.MinDifficulty = rules.MinDifficulty
	engine.MaxDifficulty = rules.MaxDifficulty
	engine.Threads = opts.Threads
	k.engine = engine

	var id types.ChainID
	copy(id[:], opts.Genesis.ChainID)

	ch, err := chain.New(id, opts.DB, k.utxos, engine)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	k.chain = ch

	// Fresh store: materialize the genesis block and seal the config.
	if ch.GenesisHash().IsZero() {
		if err := ch.InitFromGenesis(opts.Genesis); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := k.sealGenesis(); err != nil {
			return nil, err
		}
		k.log.Info().
			Str("chain_id", opts.Genesis.ChainID).
			Str("hash", ch.GenesisHash().String()).
			Msg("genesis block created")
	}

	ch.SetConsensusRules(rules)

	// Difficulty for new blocks follows the retarget schedule.
	engine.DifficultyFn = func(height uint64) uint64 {
		var prev uint64
		if height > 1 {
			blk, err := ch.GetBlockByHeight(height - 1)
			if err == nil {
				prev = blk.Header.Difficulty
			}
		}
		return engine.ExpectedDifficulty(height, prev, func(h uint64) (uint64, error) {
			b, err := ch.GetBlockByHeight(h)
			if err != nil {
				return 0, err
			}
			return b.Header.Timestamp, nil
		})
	}

	// Pending pool validates against the live UTXO set.
	pool := mempool.New(miner.NewUTXOAdapter(k.utxos), 0)
	pool.SetMinFeeRate(rules.MinFeeRate)
	pool.SetCoinbaseMaturity(config.CoinbaseMaturity, ch.Height, k.utxos)
	k.pool = pool

	k.loadPending()

	k.state = Ready
	return k, nil
}

// checkSealedGenesis enforces the sealed-genesis rule: a stored chain only
// accepts the config it was created with.
func (k *Kernel) checkSealedGenesis() error {
	data, err := k.db.Get(keySealedGenesis)
	if err != nil {
		return nil // Fresh store — nothing sealed yet.
	}

	var sealed sealedGenesis
	if err := json.Unmarshal(data, &sealed); err != nil {
		return fmt.Errorf("%w: corrupt sealed genesis: %v", ErrPersistence, err)
	}

	h, err := k.gen.Hash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if h != sealed.Hash {
		return fmt.Errorf("%w: genesis config does not match sealed chain %q", ErrConfiguration, sealed.ChainID)
	}
	return nil
}

func (k *Kernel) sealGenesis() error {
	h, err := k.gen.Hash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	data, err := json.Marshal(sealedGenesis{Hash: h, ChainID: k.gen.ChainID, Config: k.gen})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := k.db.Put(keySealedGenesis, data); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// State returns the current lifecycle state.
func (k *Kernel) State() LifecycleState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Chain exposes the underlying chain for read-only collaborators.
func (k *Kernel) Chain() *chain.Chain {
	return k.chain
}

// SubmitTransaction validates a transaction and admits it to the pending
// pool. Duplicates by id and double-spends of pending inputs are rejected.
func (k *Kernel) SubmitTransaction(transaction *tx.Transaction) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != Ready {
		return fmt.Errorf("%w: state %s", ErrNotReady, k.state)
	}

	fee, err := k.pool.Add(transaction)
	if err != nil {
		switch {
		case errors.Is(err, mempool.ErrConflict):
			return fmt.Errorf("%w: %v", ErrUTXOConflict, err)
		case errors.Is(err, mempool.ErrAlreadyExists):
			return fmt.Errorf("%w: %v", ErrValidation, err)
		default:
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	k.log.Debug().
		Str("tx", transaction.Hash().String()).
		Uint64("fee", fee).
		Msg("transaction accepted to pending pool")
	return nil
}

// MineBlock drains the pending pool into a new block, appends a coinbase
// paying the reward plus collected fees to minerAddr, performs the
// proof-of-work search, and applies the result to the chain.
func (k *Kernel) MineBlock(ctx context.Context, minerAddr types.Address) (*block.Block, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != Ready {
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, k.state)
	}

	rules := k.gen.Protocol.Consensus
	m := miner.New(k.chain, k.engine, k.pool, minerAddr,
		rules.BlockReward, rules.MaxSupply, k.chain.Supply)
	if rules.MaxBlockSize > 0 {
		m.SetSizeBudget(rules.MaxBlockSize)
	}

	blk, err := m.ProduceBlockCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConsensus, err)
	}

	if err := k.acceptLocked(blk); err != nil {
		return nil, err
	}
	k.log.Info().
		Uint64("height", blk.Header.Height).
		Int("txs", len(blk.Transactions)).
		Uint64("difficulty", blk.Header.Difficulty).
		Msg("block mined")
	return blk, nil
}

// AcceptBlock validates a block received from a peer against the tail and
// applies it. On acceptance contained transactions leave the pending pool.
func (k *Kernel) AcceptBlock(blk *block.Block) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != Ready {
		return fmt.Errorf("%w: state %s", ErrNotReady, k.state)
	}
	if err := k.acceptLocked(blk); err != nil {
		return err
	}
	k.log.Info().
		Uint64("height", blk.Header.Height).
		Int("txs", len(blk.Transactions)).
		Msg("block accepted")
	return nil
}

func (k *Kernel) acceptLocked(blk *block.Block) error {
	if err := k.chain.ProcessBlock(blk); err != nil {
		switch {
		case errors.Is(err, chain.ErrApplyUTXO), errors.Is(err, chain.ErrPersistBlock):
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		case errors.Is(err, chain.ErrBlockKnown),
			errors.Is(err, chain.ErrStaleBlock),
			errors.Is(err, chain.ErrPrevNotFound),
			errors.Is(err, chain.ErrBadHeight),
			errors.Is(err, chain.ErrBadPrevHash),
			errors.Is(err, consensus.ErrInsufficientWork),
			errors.Is(err, consensus.ErrBadDifficulty):
			return fmt.Errorf("%w: %v", ErrConsensus, err)
		default:
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	k.pool.RemoveConfirmed(blk.Transactions)
	return nil
}

// QueryBalance returns the spendable balance of an address.
func (k *Kernel) QueryBalance(addr types.Address) (uint64, error) {
	return k.utxos.Balance(addr)
}

// QueryUTXOs returns the UTXOs held by an address.
func (k *Kernel) QueryUTXOs(addr types.Address) ([]*utxo.UTXO, error) {
	return k.utxos.GetByAddress(addr)
}

// QueryBlockByIndex returns the block at the given height.
func (k *Kernel) QueryBlockByIndex(height uint64) (*block.Block, error) {
	return k.chain.GetBlockByHeight(height)
}

// QueryBlockByHash returns the block with the given hash.
func (k *Kernel) QueryBlockByHash(hash types.Hash) (*block.Block, error) {
	return k.chain.GetBlock(hash)
}

// QueryTransaction returns a transaction by id, checking the pending pool
// before the confirmed index.
func (k *Kernel) QueryTransaction(hash types.Hash) (*tx.Transaction, bool, error) {
	if pending := k.pool.Get(hash); pending != nil {
		return pending, true, nil
	}
	confirmed, err := k.chain.GetTransaction(hash)
	if err != nil {
		return nil, false, err
	}
	return confirmed, false, nil
}

// HistoryEntry is one confirmed transaction touching an address.
type HistoryEntry struct {
	TxID   types.Hash
	Height uint64
	Tx     *tx.Transaction
}

// QueryHistory walks the chain and returns every confirmed transaction whose
// outputs pay the address or whose inputs spend one of its outputs.
func (k *Kernel) QueryHistory(addr types.Address) ([]HistoryEntry, error) {
	tip := k.chain.Height()

	// Track which outpoints belong to the address so spends can be matched.
	owned := make(map[types.Outpoint]struct{})
	var history []HistoryEntry

	for h := uint64(0); h <= tip; h++ {
		blk, err := k.chain.GetBlockByHeight(h)
		if err != nil {
			return nil, err
		}
		for _, transaction := range blk.Transactions {
			txHash := transaction.Hash()
			touches := false

			for _, in := range transaction.Inputs {
				if in.PrevOut.IsZero() {
					continue
				}
				if _, ok := owned[in.PrevOut]; ok {
					touches = true
				}
			}
			for i, out := range transaction.Outputs {
				if out.Script.Type == types.ScriptTypeP2PKH &&
					len(out.Script.Data) == types.AddressSize &&
					types.Address(out.Script.Data[:types.AddressSize]) == addr {
					owned[types.Outpoint{TxID: txHash, Index: uint32(i)}] = struct{}{}
					touches = true
				}
			}

			if touches {
				history = append(history, HistoryEntry{TxID: txHash, Height: h, Tx: transaction})
			}
		}
	}
	return history, nil
}

// PendingCount returns the number of transactions waiting for inclusion.
func (k *Kernel) PendingCount() int {
	return k.pool.Count()
}

// PendingFeeRate returns a pending transaction's fee per byte of signing
// bytes (0 when unknown).
func (k *Kernel) PendingFeeRate(hash types.Hash) uint64 {
	transaction := k.pool.Get(hash)
	if transaction == nil {
		return 0
	}
	size := len(transaction.SigningBytes())
	if size == 0 {
		return 0
	}
	return k.pool.GetFee(hash) / uint64(size)
}

// ValidateChain walks from genesis reapplying validation.
func (k *Kernel) ValidateChain() error {
	return k.chain.ValidateChain()
}

// Close flushes the pending pool to storage and transitions to Closing.
// The storage handles themselves belong to the caller.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != Ready {
		return nil
	}
	k.state = Closing
	return k.persistPending()
}

// persistPending writes the pending pool under the p/ prefix so transactions
// survive a restart.
func (k *Kernel) persistPending() error {
	batcher, ok := k.db.(storage.Batcher)
	if !ok {
		return fmt.Errorf("%w: database %T does not support atomic batches", ErrPersistence, k.db)
	}
	batch := batcher.NewBatch()

	// Drop stale entries from a previous run before writing the live set.
	k.db.ForEach(prefixPending, func(key, _ []byte) error {
		return batch.Delete(append([]byte(nil), key...))
	})

	for _, h := range k.pool.Hashes() {
		transaction := k.pool.Get(h)
		if transaction == nil {
			continue
		}
		data, err := json.Marshal(transaction)
		if err != nil {
			return fmt.Errorf("%w: marshal pending %s: %v", ErrPersistence, h, err)
		}
		if err := batch.Put(pendingKey(h), data); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// loadPending re-validates and re-admits persisted pending transactions.
// Entries that no longer validate (inputs spent meanwhile) are dropped.
func (k *Kernel) loadPending() {
	var stale [][]byte
	k.db.ForEach(prefixPending, func(key, value []byte) error {
		var transaction tx.Transaction
		if err := json.Unmarshal(value, &transaction); err != nil {
			stale = append(stale, append([]byte(nil), key...))
			return nil
		}
		if _, err := k.pool.Add(&transaction); err != nil {
			stale = append(stale, append([]byte(nil), key...))
		}
		return nil
	})
	for _, key := range stale {
		k.db.Delete(key)
	}
}

func pendingKey(h types.Hash) []byte {
	key := make([]byte, len(prefixPending)+types.HashSize)
	copy(key, prefixPending)
	copy(key[len(prefixPending):], h[:])
	return key
}
