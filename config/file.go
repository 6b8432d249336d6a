package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, NOT protocol rules.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// Radio
	case "radio.region":
		cfg.Radio.Region = Region(strings.ToLower(value))
	case "radio.frequency":
		cfg.Radio.FrequencyMHz, err = strconv.ParseFloat(value, 64)
	case "radio.dutycycle":
		cfg.Radio.MaxDutyCyclePercent, err = strconv.ParseFloat(value, 64)
	case "radio.window":
		cfg.Radio.TrackingWindowHours, err = strconv.Atoi(value)
	case "radio.sf":
		cfg.Radio.SpreadingFactor, err = strconv.Atoi(value)
	case "radio.bw":
		cfg.Radio.BandwidthKHz, err = strconv.ParseFloat(value, 64)
	case "radio.cr":
		cfg.Radio.CodingRate, err = strconv.Atoi(value)
	case "radio.preamble":
		cfg.Radio.PreambleLength, err = strconv.Atoi(value)
	case "radio.power":
		cfg.Radio.TxPowerDBm, err = strconv.ParseFloat(value, 64)
	case "radio.mtu":
		cfg.Radio.MTUBytes, err = strconv.Atoi(value)
	case "radio.emergency_override":
		cfg.Radio.EmergencyOverride = parseBool(value)

	// Mesh
	case "mesh.nodetype":
		cfg.Mesh.NodeType = NodeType(strings.ToLower(value))
	case "mesh.maxpending":
		cfg.Mesh.MaxPendingMessages, err = strconv.Atoi(value)
	case "mesh.ack_timeout":
		cfg.Mesh.AckTimeoutMs, err = strconv.Atoi(value)
	case "mesh.max_retries":
		cfg.Mesh.MaxRetries, err = strconv.Atoi(value)
	case "mesh.backoff_initial":
		cfg.Mesh.BackoffInitialMs, err = strconv.Atoi(value)
	case "mesh.backoff_max":
		cfg.Mesh.BackoffMaxMs, err = strconv.Atoi(value)
	case "mesh.backoff_multiplier":
		cfg.Mesh.BackoffMultiplier, err = strconv.ParseFloat(value, 64)
	case "mesh.backoff_jitter":
		cfg.Mesh.BackoffJitterMs, err = strconv.Atoi(value)
	case "mesh.neighbor_timeout":
		cfg.Mesh.NeighborTimeoutMs, err = strconv.Atoi(value)
	case "mesh.beacon_interval":
		cfg.Mesh.BeaconIntervalMs, err = strconv.Atoi(value)
	case "mesh.max_neighbors":
		cfg.Mesh.MaxNeighbors, err = strconv.Atoi(value)
	case "mesh.route_timeout":
		cfg.Mesh.RouteDiscoveryTimeoutMs, err = strconv.Atoi(value)
	case "mesh.max_hops":
		cfg.Mesh.MaxRouteHops, err = strconv.Atoi(value)
	case "mesh.fragment_timeout":
		cfg.Mesh.FragmentTimeoutMs, err = strconv.Atoi(value)

	// Compression
	case "compression.algorithm":
		cfg.Compression.DefaultAlgorithm = strings.ToLower(value)
	case "compression.memory_limit":
		cfg.Compression.MemoryLimitBytes, err = strconv.ParseInt(value, 10, 64)
	case "compression.threshold":
		cfg.Compression.ThresholdBytes, err = strconv.Atoi(value)
	case "compression.dictionary":
		cfg.Compression.EnableDictionary = parseBool(value)
	case "compression.integrity":
		cfg.Compression.EnableIntegrityCheck = parseBool(value)

	// Wallet
	case "wallet.enabled", "wallet":
		cfg.Wallet.Enabled = parseBool(value)
	case "wallet.file":
		cfg.Wallet.FilePath = value

	// Mining (operational, not consensus rules)
	case "mining.enabled", "mine":
		cfg.Mining.Enabled = parseBool(value)
	case "mining.coinbase", "coinbase":
		cfg.Mining.Coinbase = value
	case "mining.threads":
		cfg.Mining.Threads, err = strconv.Atoi(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Lorachain Node Configuration
#
# This file contains NODE settings only.
# Protocol rules (consensus, block limits) are hardcoded in the
# genesis configuration and cannot be changed without a hard fork.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.lorachain)
# datadir = ~/.lorachain

# ============================================================================
# Radio / Duty Cycle
# ============================================================================

# Regulatory region: eu, us, ca, mx, jp, au, nz, br, ar, custom
radio.region = eu
radio.frequency = 868.1

# Duty cycle override (percent) — only honored when radio.region = custom
# radio.dutycycle = 1.0

# LoRa modem parameters
radio.sf = 9
radio.bw = 125
radio.cr = 5
radio.preamble = 8
radio.power = 14
radio.mtu = 256

# Allow emergency traffic to bypass duty-cycle limits
radio.emergency_override = false

# ============================================================================
# Mesh Protocol
# ============================================================================

# Node capability class: full, light, mining
mesh.nodetype = full

mesh.maxpending = 256
mesh.ack_timeout = 5000
mesh.max_retries = 3
mesh.backoff_initial = 1000
mesh.backoff_max = 60000
mesh.backoff_multiplier = 2.0
mesh.backoff_jitter = 500
mesh.neighbor_timeout = 180000
mesh.beacon_interval = 60000
mesh.max_neighbors = 32
mesh.route_timeout = 30000
mesh.max_hops = 8
mesh.fragment_timeout = 120000

# ============================================================================
# Compression
# ============================================================================

# Algorithm: none, lz, deflate, utxo, dictionary, adaptive
compression.algorithm = adaptive
compression.threshold = 64
compression.dictionary = true
compression.integrity = true

# ============================================================================
# Wallet
# ============================================================================

wallet.enabled = false
# wallet.file = wallet.dat

# ============================================================================
# Mining / Block Production
# ============================================================================

mining.enabled = false

# Address to receive block rewards
# mining.coinbase = <your-address>

# Mining threads
# mining.threads = 1

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
