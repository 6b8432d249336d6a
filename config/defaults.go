package config

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Radio: RadioConfig{
			Region:              RegionEU,
			FrequencyMHz:        868.1,
			TrackingWindowHours: 24,
			SpreadingFactor:     9,
			BandwidthKHz:        125,
			CodingRate:          5, // 4/5
			PreambleLength:      8,
			TxPowerDBm:          14,
			MTUBytes:            256,
			EmergencyOverride:   false,
		},
		Mesh: MeshConfig{
			NodeType:                NodeFull,
			MaxPendingMessages:      256,
			AckTimeoutMs:            5_000,
			MaxRetries:              3,
			BackoffInitialMs:        1_000,
			BackoffMaxMs:            60_000,
			BackoffMultiplier:       2.0,
			BackoffJitterMs:         500,
			NeighborTimeoutMs:       180_000,
			BeaconIntervalMs:        60_000,
			MaxNeighbors:            32,
			RouteDiscoveryTimeoutMs: 30_000,
			MaxRouteHops:            8,
			FragmentTimeoutMs:       120_000,
		},
		Compression: CompressionConfig{
			DefaultAlgorithm:     "adaptive",
			MemoryLimitBytes:     8 << 20, // 8 MB
			ThresholdBytes:       64,
			EnableDictionary:     true,
			EnableIntegrityCheck: true,
		},
		Wallet: WalletConfig{
			Enabled: false,
		},
		Mining: MiningConfig{
			Enabled: false,
			Threads: 1,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Mesh.BeaconIntervalMs = 30_000
	cfg.Mesh.NeighborTimeoutMs = 90_000
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
