package config

import "fmt"

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}

	switch cfg.Radio.Region {
	case RegionEU, RegionUS, RegionCA, RegionMX, RegionJP,
		RegionAU, RegionNZ, RegionBR, RegionAR:
	case RegionCustom:
		if cfg.Radio.MaxDutyCyclePercent <= 0 || cfg.Radio.MaxDutyCyclePercent > 100 {
			return fmt.Errorf("radio.region=custom requires radio.dutycycle in (0, 100]")
		}
	default:
		return fmt.Errorf("unknown radio.region %q", cfg.Radio.Region)
	}

	if cfg.Radio.FrequencyMHz <= 0 {
		return fmt.Errorf("radio.frequency must be positive")
	}
	if cfg.Radio.SpreadingFactor < 7 || cfg.Radio.SpreadingFactor > 12 {
		return fmt.Errorf("radio.sf must be in [7, 12]")
	}
	switch cfg.Radio.BandwidthKHz {
	case 125, 250, 500:
	default:
		return fmt.Errorf("radio.bw must be 125, 250, or 500 kHz")
	}
	if cfg.Radio.CodingRate < 5 || cfg.Radio.CodingRate > 8 {
		return fmt.Errorf("radio.cr must be in [5, 8]")
	}
	if cfg.Radio.MTUBytes <= 0 {
		return fmt.Errorf("radio.mtu must be positive")
	}
	if cfg.Radio.TrackingWindowHours <= 0 {
		return fmt.Errorf("radio.window must be positive")
	}

	switch cfg.Mesh.NodeType {
	case NodeFull, NodeLight, NodeMining:
	default:
		return fmt.Errorf("mesh.nodetype must be full, light, or mining")
	}
	if cfg.Mesh.MaxPendingMessages <= 0 {
		return fmt.Errorf("mesh.maxpending must be positive")
	}
	if cfg.Mesh.BackoffMultiplier < 1 {
		return fmt.Errorf("mesh.backoff_multiplier must be >= 1")
	}
	if cfg.Mesh.MaxRouteHops <= 0 {
		return fmt.Errorf("mesh.max_hops must be positive")
	}

	switch cfg.Compression.DefaultAlgorithm {
	case "none", "lz", "deflate", "utxo", "dictionary", "adaptive":
	default:
		return fmt.Errorf("unknown compression.algorithm %q", cfg.Compression.DefaultAlgorithm)
	}
	if cfg.Compression.ThresholdBytes < 0 {
		return fmt.Errorf("compression.threshold must not be negative")
	}

	return nil
}
