// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: Defined in genesis, immutable, must match across all nodes
//   - Node settings: Runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Region identifies the regulatory domain the radio operates under.
type Region string

const (
	RegionEU     Region = "eu"
	RegionUS     Region = "us"
	RegionCA     Region = "ca"
	RegionMX     Region = "mx"
	RegionJP     Region = "jp"
	RegionAU     Region = "au"
	RegionNZ     Region = "nz"
	RegionBR     Region = "br"
	RegionAR     Region = "ar"
	RegionCustom Region = "custom"
)

// NodeType describes the peer capability class advertised on the mesh.
type NodeType string

const (
	NodeFull   NodeType = "full"
	NodeLight  NodeType = "light"
	NodeMining NodeType = "mining"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Radio transport and duty-cycle regulation
	Radio RadioConfig

	// Mesh protocol (routing, delivery, fragmentation)
	Mesh MeshConfig

	// Wire compression
	Compression CompressionConfig

	// Wallet
	Wallet WalletConfig

	// Mining (operational, not consensus rules)
	Mining MiningConfig

	// Logging
	Log LogConfig

	// Maintenance (not persisted in config file)
	RebuildIndexes bool
}

// RadioConfig holds radio transmission and regulatory settings.
type RadioConfig struct {
	Region              Region  `conf:"radio.region"`
	FrequencyMHz        float64 `conf:"radio.frequency"` // Center frequency, e.g. 868.1
	MaxDutyCyclePercent float64 `conf:"radio.dutycycle"` // Only honored for region=custom
	TrackingWindowHours int     `conf:"radio.window"`    // Transmission history retention

	SpreadingFactor int     `conf:"radio.sf"`       // 7..12
	BandwidthKHz    float64 `conf:"radio.bw"`       // 125, 250, 500
	CodingRate      int     `conf:"radio.cr"`       // 5..8 (4/5 .. 4/8)
	PreambleLength  int     `conf:"radio.preamble"` // Symbols, typically 8
	TxPowerDBm      float64 `conf:"radio.power"`
	MTUBytes        int     `conf:"radio.mtu"` // Max frame payload per transmission

	EmergencyOverride bool `conf:"radio.emergency_override"` // Emergency traffic may bypass duty cycle
}

// MeshConfig holds mesh protocol settings: queueing, reliable delivery,
// neighbor discovery, and route discovery.
type MeshConfig struct {
	NodeType NodeType `conf:"mesh.nodetype"`

	MaxPendingMessages int `conf:"mesh.maxpending"` // Priority queue capacity

	// Reliable delivery
	AckTimeoutMs      int     `conf:"mesh.ack_timeout"`
	MaxRetries        int     `conf:"mesh.max_retries"`
	BackoffInitialMs  int     `conf:"mesh.backoff_initial"`
	BackoffMaxMs      int     `conf:"mesh.backoff_max"`
	BackoffMultiplier float64 `conf:"mesh.backoff_multiplier"`
	BackoffJitterMs   int     `conf:"mesh.backoff_jitter"`

	// Neighbor discovery
	NeighborTimeoutMs int `conf:"mesh.neighbor_timeout"`
	BeaconIntervalMs  int `conf:"mesh.beacon_interval"`
	MaxNeighbors      int `conf:"mesh.max_neighbors"`

	// Route discovery
	RouteDiscoveryTimeoutMs int `conf:"mesh.route_timeout"`
	MaxRouteHops            int `conf:"mesh.max_hops"`

	// Fragment reassembly
	FragmentTimeoutMs int `conf:"mesh.fragment_timeout"`
}

// CompressionConfig holds wire compression settings.
type CompressionConfig struct {
	DefaultAlgorithm     string `conf:"compression.algorithm"` // none, lz, deflate, utxo, dictionary, adaptive
	MemoryLimitBytes     int64  `conf:"compression.memory_limit"`
	ThresholdBytes       int    `conf:"compression.threshold"` // Payloads below this skip compression
	EnableDictionary     bool   `conf:"compression.dictionary"`
	EnableIntegrityCheck bool   `conf:"compression.integrity"`
}

// WalletConfig holds wallet settings.
type WalletConfig struct {
	Enabled  bool   `conf:"wallet.enabled"`
	FilePath string `conf:"wallet.file"`
}

// MiningConfig holds block production settings.
// Note: Whether to mine is a node choice; HOW to validate is protocol.
type MiningConfig struct {
	Enabled  bool   `conf:"mining.enabled"`
	Coinbase string `conf:"mining.coinbase"`
	Threads  int    `conf:"mining.threads"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.lorachain
//	macOS:   ~/Library/Application Support/Lorachain
//	Windows: %APPDATA%\Lorachain
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lorachain"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Lorachain")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Lorachain")
		}
		return filepath.Join(home, "AppData", "Roaming", "Lorachain")
	default:
		return filepath.Join(home, ".lorachain")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// DBDir returns the blockchain database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.ChainDataDir(), "db")
}

// WalletDir returns the wallet storage directory.
func (c *Config) WalletDir() string {
	return filepath.Join(c.ChainDataDir(), "wallet")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.ChainDataDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "lorachain.conf")
}
