package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/grekinsky/lorachain/pkg/crypto"
	"github.com/grekinsky/lorachain/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent.
const CoinbaseMaturity uint64 = 20

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
// Once written to the store the config is sealed: only a config whose hash
// matches the stored genesis is accepted on reload.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "LORA")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
}

// ConsensusRules defines how blocks are produced and validated.
type ConsensusRules struct {
	// Block timing
	BlockTime int `json:"block_time"` // Target seconds between blocks

	// Proof-of-work difficulty (leading zero bits of the header hash)
	InitialDifficulty uint64 `json:"initial_difficulty"`
	AdjustInterval    int    `json:"difficulty_adjust"`   // Blocks between adjustments
	MaxRetargetRatio  int64  `json:"max_retarget_ratio"`  // Clamp per retarget (default 4)
	MinDifficulty     uint64 `json:"min_difficulty"`      // Absolute floor
	MaxDifficulty     uint64 `json:"max_difficulty"`      // Absolute ceiling (0 = none)

	// Block size budget used when assembling blocks
	MaxBlockSize int `json:"max_block_size"`

	// Economics
	BlockReward uint64 `json:"block_reward"` // Base units per block
	MaxSupply   uint64 `json:"max_supply"`   // Total coin cap in base units (0 = unlimited)
	MinFeeRate  uint64 `json:"min_fee_rate"` // Minimum fee rate (base units per byte of SigningBytes)
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Derivation path: m/44'/8888'/0'/0/0 (no passphrase)
// =============================================================================

const (
	// TestnetMnemonic is the well-known seed phrase for the testnet faucet.
	TestnetMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

	// TestnetAddress is the address (bech32, tlrc) derived from TestnetMnemonic.
	// Address = BLAKE3(pubkey)[:20]
	TestnetAddress = "tlrc13uayfwq9djh7cd5dagxtuzk3mx7r7sc9fj5ea4"
)

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "lorachain-mainnet-1",
		ChainName: "Lorachain Mainnet",
		Symbol:    "LORA",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Lorachain Genesis",
		Alloc: map[string]uint64{
			"lrc1a8tfl79jgres7t90tttkc7ytjmhs5lpdu2uxuq": 100_000 * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				BlockTime:         300, // 5 minute blocks — LoRa links are slow
				InitialDifficulty: 16,
				AdjustInterval:    10,
				MaxRetargetRatio:  4,
				MinDifficulty:     8,
				MaxDifficulty:     64,
				MaxBlockSize:      MaxBlockSize,
				BlockReward:       20 * MilliCoin,   // 0.02 coins per block
				MaxSupply:         2_000_000 * Coin, // 2,000,000 LORA total
				MinFeeRate:        10_000,           // 10,000 base units per byte
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "lorachain-testnet-1"
	g.ChainName = "Lorachain Testnet"
	g.ExtraData = "Lorachain Testnet Genesis"

	// More relaxed rules for testnet.
	g.Protocol.Consensus.InitialDifficulty = 8
	g.Protocol.Consensus.MinDifficulty = 1
	g.Protocol.Consensus.MinFeeRate = 10 // Very low for testing

	// Testnet allocation: 200,000 LORA to the well-known testnet address.
	g.Alloc = map[string]uint64{
		TestnetAddress: 200_000 * Coin,
	}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	c := &g.Protocol.Consensus
	if c.InitialDifficulty == 0 {
		return fmt.Errorf("initial_difficulty must be positive")
	}
	if c.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}
	if c.BlockReward == 0 {
		return fmt.Errorf("block_reward must be positive")
	}
	if c.MaxRetargetRatio < 0 {
		return fmt.Errorf("max_retarget_ratio must not be negative")
	}
	if c.MinDifficulty > 0 && c.InitialDifficulty < c.MinDifficulty {
		return fmt.Errorf("initial_difficulty below min_difficulty")
	}
	if c.MaxDifficulty > 0 && c.InitialDifficulty > c.MaxDifficulty {
		return fmt.Errorf("initial_difficulty above max_difficulty")
	}
	if c.MaxBlockSize < 0 || c.MaxBlockSize > MaxBlockSize {
		return fmt.Errorf("max_block_size must be in [0, %d]", MaxBlockSize)
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if c.MaxSupply > 0 && totalAlloc > c.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, c.MaxSupply)
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
