package chain

import (
	"bytes"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/grekinsky/lorachain/config"
	"github.com/grekinsky/lorachain/internal/consensus"
	"github.com/grekinsky/lorachain/internal/storage"
	"github.com/grekinsky/lorachain/internal/utxo"
	"github.com/grekinsky/lorachain/pkg/block"
	"github.com/grekinsky/lorachain/pkg/crypto"
	"github.com/grekinsky/lorachain/pkg/tx"
	"github.com/grekinsky/lorachain/pkg/types"
)

const (
	testDifficulty  = 1
	testBlockTime   = 300
	testAdjustEvery = 10
	testReward      = 10
	genesisTS       = uint64(1700000000)
	genesisAlloc    = uint64(1000)
)

// testEnv bundles a chain over in-memory storage with a funded key.
type testEnv struct {
	ch    *Chain
	pow   *consensus.PoW
	utxos *utxo.Store
	key   *crypto.PrivateKey
	addr  types.Address
	gen   *config.Genesis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.AddressFromPubKey(key.PublicKey())

	gen := &config.Genesis{
		ChainID:   "lorachain-test-1",
		ChainName: "Lorachain Test",
		Timestamp: genesisTS,
		Alloc:     map[string]uint64{addr.String(): genesisAlloc},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				BlockTime:         testBlockTime,
				InitialDifficulty: testDifficulty,
				AdjustInterval:    testAdjustEvery,
				MaxRetargetRatio:  4,
				MinDifficulty:     1,
				BlockReward:       testReward,
			},
		},
	}

	pow, err := consensus.NewPoW(testDifficulty, testAdjustEvery, testBlockTime)
	if err != nil {
		t.Fatalf("new pow: %v", err)
	}

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(storage.NewMemory())

	var id types.ChainID
	copy(id[:], gen.ChainID)

	ch, err := New(id, db, utxoStore, pow)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("init genesis: %v", err)
	}

	return &testEnv{ch: ch, pow: pow, utxos: utxoStore, key: key, addr: addr, gen: gen}
}

// coinbaseTx builds a coinbase paying value to addr, with the height encoded
// in the input signature for hash uniqueness.
func coinbaseTx(addr types.Address, value, height uint64) *tx.Transaction {
	heightBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		heightBytes[i] = byte(height >> (8 * i))
	}
	return &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}, Signature: heightBytes}},
		Outputs: []tx.Output{{
			Value:  value,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]},
		}},
	}
}

// buildBlock assembles and seals a block on the current tip.
// coinbaseValue must already include fees.
func (e *testEnv) buildBlock(t *testing.T, txs []*tx.Transaction, timestamp uint64, difficulty, coinbaseValue uint64) *block.Block {
	t.Helper()

	height := e.ch.Height() + 1
	all := make([]*tx.Transaction, 0, 1+len(txs))
	all = append(all, coinbaseTx(e.addr, coinbaseValue, height))

	// Canonical order: non-coinbase sorted by hash ascending.
	sorted := make([]*tx.Transaction, len(txs))
	copy(sorted, txs)
	sort.Slice(sorted, func(i, j int) bool {
		hi, hj := sorted[i].Hash(), sorted[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})
	all = append(all, sorted...)

	hashes := make([]types.Hash, len(all))
	for i, transaction := range all {
		hashes[i] = transaction.Hash()
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   e.ch.TipHash(),
		MerkleRoot: block.ComputeMerkleRoot(hashes),
		Timestamp:  timestamp,
		Height:     height,
		Difficulty: difficulty,
	}
	blk := block.NewBlock(header, all)
	if err := e.pow.Seal(blk); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return blk
}

// mineEmpty mines an empty block one step after the tip timestamp.
func (e *testEnv) mineEmpty(t *testing.T) *block.Block {
	t.Helper()
	ts := e.ch.TipTimestamp() + uint64(testBlockTime)
	blk := e.buildBlock(t, nil, ts, e.expectedDifficulty(), testReward)
	if err := e.ch.ProcessBlock(blk); err != nil {
		t.Fatalf("process block at height %d: %v", blk.Header.Height, err)
	}
	return blk
}

func (e *testEnv) expectedDifficulty() uint64 {
	height := e.ch.Height() + 1
	var prev uint64
	if height > 1 {
		blk, err := e.ch.GetBlockByHeight(height - 1)
		if err == nil {
			prev = blk.Header.Difficulty
		}
	}
	return e.pow.ExpectedDifficulty(height, prev, e.ch.getBlockTimestamp)
}

func (e *testEnv) balance(t *testing.T, addr types.Address) uint64 {
	t.Helper()
	bal, err := e.utxos.Balance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

// --- Genesis ---

func TestChain_InitFromGenesis(t *testing.T) {
	e := newTestEnv(t)

	if e.ch.Height() != 0 {
		t.Errorf("height = %d, want 0", e.ch.Height())
	}
	if e.ch.Supply() != genesisAlloc {
		t.Errorf("supply = %d, want %d", e.ch.Supply(), genesisAlloc)
	}
	if got := e.balance(t, e.addr); got != genesisAlloc {
		t.Errorf("balance = %d, want %d", got, genesisAlloc)
	}
	if e.ch.GenesisHash().IsZero() {
		t.Error("genesis hash should be set")
	}
}

func TestChain_InitFromGenesis_Twice(t *testing.T) {
	e := newTestEnv(t)
	if err := e.ch.InitFromGenesis(e.gen); err == nil {
		t.Error("second InitFromGenesis should fail")
	}
}

// --- Block processing ---

func TestChain_ProcessBlock_MineEmptyChain(t *testing.T) {
	e := newTestEnv(t)

	blk := e.mineEmpty(t)

	if e.ch.Height() != 1 {
		t.Errorf("height = %d, want 1", e.ch.Height())
	}
	if e.ch.TipHash() != blk.Hash() {
		t.Error("tip should be the new block")
	}
	// Miner got the reward, genesis allocation untouched.
	if got := e.balance(t, e.addr); got != genesisAlloc+testReward {
		t.Errorf("balance = %d, want %d", got, genesisAlloc+testReward)
	}
	if e.ch.Supply() != genesisAlloc+testReward {
		t.Errorf("supply = %d, want %d", e.ch.Supply(), genesisAlloc+testReward)
	}
}

func TestChain_ProcessBlock_Duplicate(t *testing.T) {
	e := newTestEnv(t)
	blk := e.mineEmpty(t)

	supplyBefore := e.ch.Supply()
	err := e.ch.ProcessBlock(blk)
	if !errors.Is(err, ErrBlockKnown) {
		t.Fatalf("duplicate block err = %v, want ErrBlockKnown", err)
	}
	// Idempotent: state unchanged.
	if e.ch.Supply() != supplyBefore || e.ch.Height() != 1 {
		t.Error("duplicate acceptance must not change state")
	}
}

func TestChain_ProcessBlock_CompetingBlockRejected(t *testing.T) {
	e := newTestEnv(t)

	ts := e.ch.TipTimestamp() + uint64(testBlockTime)
	first := e.buildBlock(t, nil, ts, testDifficulty, testReward)
	// A competitor at the same height with a different timestamp.
	second := e.buildBlock(t, nil, ts+1, testDifficulty, testReward)

	if err := e.ch.ProcessBlock(first); err != nil {
		t.Fatalf("first block: %v", err)
	}
	err := e.ch.ProcessBlock(second)
	if !errors.Is(err, ErrStaleBlock) {
		t.Fatalf("competing block err = %v, want ErrStaleBlock", err)
	}
	if e.ch.TipHash() != first.Hash() {
		t.Error("first-observed block must remain the tip")
	}
}

func TestChain_ProcessBlock_UnknownParent(t *testing.T) {
	e := newTestEnv(t)

	ts := e.ch.TipTimestamp() + uint64(testBlockTime)
	blk := e.buildBlock(t, nil, ts, testDifficulty, testReward)
	blk.Header.PrevHash = types.Hash{0xde, 0xad}
	blk.Header.Height = 5
	e.pow.Seal(blk)

	err := e.ch.ProcessBlock(blk)
	if !errors.Is(err, ErrPrevNotFound) {
		t.Fatalf("err = %v, want ErrPrevNotFound", err)
	}
}

func TestChain_ProcessBlock_BadHeight(t *testing.T) {
	e := newTestEnv(t)

	ts := e.ch.TipTimestamp() + uint64(testBlockTime)
	blk := e.buildBlock(t, nil, ts, testDifficulty, testReward)
	blk.Header.Height = 7 // Should be 1.
	e.pow.Seal(blk)

	err := e.ch.ProcessBlock(blk)
	if !errors.Is(err, ErrBadHeight) {
		t.Fatalf("err = %v, want ErrBadHeight", err)
	}
}

// --- Timestamp rules ---

func TestChain_ProcessBlock_TimestampAtMedianRejected(t *testing.T) {
	e := newTestEnv(t)

	// With only genesis behind it, the median is the genesis timestamp.
	// A block stamped exactly at the median must be rejected...
	blk := e.buildBlock(t, nil, genesisTS, testDifficulty, testReward)
	err := e.ch.ProcessBlock(blk)
	if !errors.Is(err, ErrTimestampTooOld) {
		t.Fatalf("err = %v, want ErrTimestampTooOld", err)
	}

	// ...and one tick later accepted.
	blk2 := e.buildBlock(t, nil, genesisTS+1, testDifficulty, testReward)
	if err := e.ch.ProcessBlock(blk2); err != nil {
		t.Fatalf("timestamp median+1 should be accepted: %v", err)
	}
}

func TestChain_ProcessBlock_TimestampTooFarInFuture(t *testing.T) {
	e := newTestEnv(t)

	future := uint64(time.Now().Add(3 * time.Hour).Unix())
	blk := e.buildBlock(t, nil, future, testDifficulty, testReward)
	err := e.ch.ProcessBlock(blk)
	if !errors.Is(err, ErrTimestampTooFuture) {
		t.Fatalf("err = %v, want ErrTimestampTooFuture", err)
	}
}

func TestChain_MedianTimePast_UsesEleven(t *testing.T) {
	e := newTestEnv(t)

	// Mine 12 blocks so the median window is saturated.
	for i := 0; i < 12; i++ {
		e.mineEmpty(t)
	}

	median, err := e.ch.medianTimePast(e.ch.Height() + 1)
	if err != nil {
		t.Fatalf("medianTimePast: %v", err)
	}
	// Blocks 2..12 (the last 11) have timestamps genesisTS + i*300 for
	// i in 2..12; median is the 6th of those = genesisTS + 7*300.
	want := genesisTS + 7*uint64(testBlockTime)
	if median != want {
		t.Errorf("median = %d, want %d", median, want)
	}
}

// --- Spending ---

func TestChain_ProcessBlock_SpendAndChange(t *testing.T) {
	e := newTestEnv(t)

	recvKey, _ := crypto.GenerateKey()
	recvAddr := crypto.AddressFromPubKey(recvKey.PublicKey())

	// Spend the genesis allocation: 300 to B, 699 change, fee 1.
	genesisCoinbase := func() *tx.Transaction {
		blk, err := e.ch.GetBlockByHeight(0)
		if err != nil {
			t.Fatal(err)
		}
		return blk.Transactions[0]
	}()
	prevOut := types.Outpoint{TxID: genesisCoinbase.Hash(), Index: 0}

	b := tx.NewBuilder().
		AddInput(prevOut).
		AddOutput(300, types.Script{Type: types.ScriptTypeP2PKH, Data: recvAddr[:]}).
		AddOutput(699, types.Script{Type: types.ScriptTypeP2PKH, Data: e.addr[:]})
	if err := b.Sign(e.key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	spend := b.Build()

	ts := e.ch.TipTimestamp() + uint64(testBlockTime)
	blk := e.buildBlock(t, []*tx.Transaction{spend}, ts, testDifficulty, testReward+1)
	if err := e.ch.ProcessBlock(blk); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := e.balance(t, recvAddr); got != 300 {
		t.Errorf("recipient balance = %d, want 300", got)
	}
	// Sender: 699 change + 11 coinbase (reward 10 + fee 1).
	if got := e.balance(t, e.addr); got != 699+testReward+1 {
		t.Errorf("sender balance = %d, want %d", got, 699+testReward+1)
	}
	// Supply grows only by the reward; the fee is recycled.
	if e.ch.Supply() != genesisAlloc+testReward {
		t.Errorf("supply = %d, want %d", e.ch.Supply(), genesisAlloc+testReward)
	}
}

func TestChain_ProcessBlock_MissingInput(t *testing.T) {
	e := newTestEnv(t)

	b := tx.NewBuilder().
		AddInput(types.Outpoint{TxID: types.Hash{0xff}, Index: 0}).
		AddOutput(100, types.Script{Type: types.ScriptTypeP2PKH, Data: e.addr[:]})
	b.Sign(e.key)

	ts := e.ch.TipTimestamp() + uint64(testBlockTime)
	blk := e.buildBlock(t, []*tx.Transaction{b.Build()}, ts, testDifficulty, testReward)
	if err := e.ch.ProcessBlock(blk); err == nil {
		t.Fatal("block spending a missing input must be rejected")
	}
}

func TestChain_ProcessBlock_DoubleSpendInBlock(t *testing.T) {
	e := newTestEnv(t)

	genesisBlk, _ := e.ch.GetBlockByHeight(0)
	prevOut := types.Outpoint{TxID: genesisBlk.Transactions[0].Hash(), Index: 0}

	recvKey, _ := crypto.GenerateKey()
	recvAddr := crypto.AddressFromPubKey(recvKey.PublicKey())

	mk := func(amount uint64) *tx.Transaction {
		b := tx.NewBuilder().
			AddInput(prevOut).
			AddOutput(amount, types.Script{Type: types.ScriptTypeP2PKH, Data: recvAddr[:]})
		b.Sign(e.key)
		return b.Build()
	}

	ts := e.ch.TipTimestamp() + uint64(testBlockTime)
	blk := e.buildBlock(t, []*tx.Transaction{mk(100), mk(200)}, ts, testDifficulty, testReward)
	if err := e.ch.ProcessBlock(blk); err == nil {
		t.Fatal("block with an in-block double spend must be rejected")
	}
}

func TestChain_ProcessBlock_CoinbaseOverpay(t *testing.T) {
	e := newTestEnv(t)

	ts := e.ch.TipTimestamp() + uint64(testBlockTime)
	blk := e.buildBlock(t, nil, ts, testDifficulty, testReward*100)
	err := e.ch.ProcessBlock(blk)
	if !errors.Is(err, ErrCoinbaseRewardExceeded) {
		t.Fatalf("err = %v, want ErrCoinbaseRewardExceeded", err)
	}
}

// --- Difficulty ---

func TestChain_ProcessBlock_WrongDifficulty(t *testing.T) {
	e := newTestEnv(t)

	ts := e.ch.TipTimestamp() + uint64(testBlockTime)
	blk := e.buildBlock(t, nil, ts, testDifficulty+4, testReward)
	err := e.ch.ProcessBlock(blk)
	if !errors.Is(err, consensus.ErrBadDifficulty) {
		t.Fatalf("err = %v, want ErrBadDifficulty", err)
	}
}

func TestChain_Retarget_FastBlocksRaiseDifficulty(t *testing.T) {
	e := newTestEnv(t)

	// Blocks spaced at half the target interval: heights 1..9.
	half := uint64(testBlockTime) / 2
	for i := 0; i < 9; i++ {
		ts := e.ch.TipTimestamp() + half
		blk := e.buildBlock(t, nil, ts, e.expectedDifficulty(), testReward)
		if err := e.ch.ProcessBlock(blk); err != nil {
			t.Fatalf("block %d: %v", i+1, err)
		}
	}

	// Height 10 is a retarget boundary. Elapsed span = 9*150 = 1350s over an
	// expected 3000s, so the recomputed difficulty is 1*3000/1350 = 2.
	want := uint64(2)
	if got := e.expectedDifficulty(); got != want {
		t.Fatalf("retarget difficulty = %d, want %d", got, want)
	}

	// A block carrying the stale difficulty is rejected.
	ts := e.ch.TipTimestamp() + half
	stale := e.buildBlock(t, nil, ts, testDifficulty, testReward)
	if err := e.ch.ProcessBlock(stale); !errors.Is(err, consensus.ErrBadDifficulty) {
		t.Fatalf("stale difficulty err = %v, want ErrBadDifficulty", err)
	}

	// The recomputed difficulty is accepted.
	good := e.buildBlock(t, nil, ts, want, testReward)
	if err := e.ch.ProcessBlock(good); err != nil {
		t.Fatalf("retarget block: %v", err)
	}
	if e.ch.Height() != 10 {
		t.Errorf("height = %d, want 10", e.ch.Height())
	}
}

// --- Recovery & full validation ---

func TestChain_RebuildUTXOs(t *testing.T) {
	e := newTestEnv(t)
	for i := 0; i < 3; i++ {
		e.mineEmpty(t)
	}
	wantBalance := e.balance(t, e.addr)

	// Corrupt the UTXO set, then rebuild.
	if err := e.utxos.ClearAll(); err != nil {
		t.Fatal(err)
	}
	if got := e.balance(t, e.addr); got != 0 {
		t.Fatalf("cleared balance = %d, want 0", got)
	}

	if err := e.ch.RebuildUTXOs(); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := e.balance(t, e.addr); got != wantBalance {
		t.Errorf("rebuilt balance = %d, want %d", got, wantBalance)
	}
}

func TestChain_ValidateChain(t *testing.T) {
	e := newTestEnv(t)
	for i := 0; i < 5; i++ {
		e.mineEmpty(t)
	}

	if err := e.ch.ValidateChain(); err != nil {
		t.Fatalf("ValidateChain on a freshly built chain: %v", err)
	}
}

func TestChain_GetTransaction(t *testing.T) {
	e := newTestEnv(t)
	blk := e.mineEmpty(t)

	cb := blk.Transactions[0]
	got, err := e.ch.GetTransaction(cb.Hash())
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.Hash() != cb.Hash() {
		t.Error("retrieved transaction hash mismatch")
	}

	if _, err := e.ch.GetTransaction(types.Hash{0xab}); err == nil {
		t.Error("unknown tx should return an error")
	}
}

func TestChain_Recovery_ReloadFromStore(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.AddressFromPubKey(key.PublicKey())

	gen := &config.Genesis{
		ChainID:   "lorachain-test-2",
		Timestamp: genesisTS,
		Alloc:     map[string]uint64{addr.String(): genesisAlloc},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				BlockTime:         testBlockTime,
				InitialDifficulty: testDifficulty,
				AdjustInterval:    testAdjustEvery,
				MaxRetargetRatio:  4,
				MinDifficulty:     1,
				BlockReward:       testReward,
			},
		},
	}

	pow, _ := consensus.NewPoW(testDifficulty, testAdjustEvery, testBlockTime)
	db := storage.NewMemory()
	utxoStore := utxo.NewStore(storage.NewMemory())

	var id types.ChainID
	copy(id[:], gen.ChainID)

	ch, err := New(id, db, utxoStore, pow)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatal(err)
	}
	e := &testEnv{ch: ch, pow: pow, utxos: utxoStore, key: key, addr: addr, gen: gen}
	e.mineEmpty(t)
	tip := ch.TipHash()

	// Reopen over the same storage: state must be recovered.
	ch2, err := New(id, db, utxoStore, pow)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if ch2.Height() != 1 {
		t.Errorf("recovered height = %d, want 1", ch2.Height())
	}
	if ch2.TipHash() != tip {
		t.Error("recovered tip mismatch")
	}
	if ch2.TipTimestamp() == 0 {
		t.Error("recovered tip timestamp should be set")
	}
}
