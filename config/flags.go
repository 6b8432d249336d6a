package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// Radio
	Region       string
	Frequency    float64
	DutyCycle    float64
	SpreadFactor int
	Bandwidth    float64
	CodingRate   int
	TxPower      float64
	MTU          int
	EmergencyOvr bool

	// Mesh
	NodeType string

	// Compression
	Compression string

	// Wallet
	Wallet     bool
	WalletFile string

	// Mining (operational only)
	Mine     bool
	Coinbase string
	Threads  int

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetWallet       bool
	SetMine         bool
	SetLogJSON      bool
	SetEmergencyOvr bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("lorachain", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// Radio
	fs.StringVar(&f.Region, "region", "", "Regulatory region (eu, us, ca, mx, jp, au, nz, br, ar, custom)")
	fs.Float64Var(&f.Frequency, "frequency", 0, "Radio center frequency in MHz")
	fs.Float64Var(&f.DutyCycle, "dutycycle", 0, "Max duty cycle percent (region=custom only)")
	fs.IntVar(&f.SpreadFactor, "sf", 0, "LoRa spreading factor (7-12)")
	fs.Float64Var(&f.Bandwidth, "bw", 0, "LoRa bandwidth in kHz (125, 250, 500)")
	fs.IntVar(&f.CodingRate, "cr", 0, "LoRa coding rate denominator (5-8)")
	fs.Float64Var(&f.TxPower, "power", 0, "Transmit power in dBm")
	fs.IntVar(&f.MTU, "mtu", 0, "Radio frame MTU in bytes")
	fs.BoolVar(&f.EmergencyOvr, "emergency-override", false, "Allow emergency traffic to bypass duty cycle")

	// Mesh
	fs.StringVar(&f.NodeType, "nodetype", "", "Mesh node type (full, light, mining)")

	// Compression
	fs.StringVar(&f.Compression, "compression", "", "Wire compression (none, lz, deflate, utxo, dictionary, adaptive)")

	// Wallet
	fs.BoolVar(&f.Wallet, "wallet", false, "Enable integrated wallet")
	fs.StringVar(&f.WalletFile, "wallet-file", "", "Wallet file path")

	// Mining
	fs.BoolVar(&f.Mine, "mine", false, "Enable block production")
	fs.StringVar(&f.Coinbase, "coinbase", "", "Address to receive block rewards")
	fs.IntVar(&f.Threads, "threads", 0, "Mining threads")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	// Custom usage
	fs.Usage = func() {
		printUsage()
	}

	// Parse
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Handle --testnet shorthand
	if isFlagSet(fs, "testnet") {
		f.Network = "testnet"
	}
	f.SetWallet = isFlagSet(fs, "wallet")
	f.SetMine = isFlagSet(fs, "mine")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.SetEmergencyOvr = isFlagSet(fs, "emergency-override")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	// This catches mistakes like "--wallet validator --mine" where "validator"
	// is not a flag value (--wallet is a bool) and stops all further parsing.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			fmt.Fprintf(os.Stderr, "Error: flag %q was not parsed (positional argument stopped parsing)\n", arg)
			fmt.Fprintf(os.Stderr, "Hint: --wallet is a boolean flag. Use --wallet (not --wallet <name>)\n")
			os.Exit(1)
		}
	}

	return f
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// Radio
	if f.Region != "" {
		cfg.Radio.Region = Region(strings.ToLower(f.Region))
	}
	if f.Frequency != 0 {
		cfg.Radio.FrequencyMHz = f.Frequency
	}
	if f.DutyCycle != 0 {
		cfg.Radio.MaxDutyCyclePercent = f.DutyCycle
	}
	if f.SpreadFactor != 0 {
		cfg.Radio.SpreadingFactor = f.SpreadFactor
	}
	if f.Bandwidth != 0 {
		cfg.Radio.BandwidthKHz = f.Bandwidth
	}
	if f.CodingRate != 0 {
		cfg.Radio.CodingRate = f.CodingRate
	}
	if f.TxPower != 0 {
		cfg.Radio.TxPowerDBm = f.TxPower
	}
	if f.MTU != 0 {
		cfg.Radio.MTUBytes = f.MTU
	}
	if f.SetEmergencyOvr {
		cfg.Radio.EmergencyOverride = f.EmergencyOvr
	}

	// Mesh
	if f.NodeType != "" {
		cfg.Mesh.NodeType = NodeType(strings.ToLower(f.NodeType))
	}

	// Compression
	if f.Compression != "" {
		cfg.Compression.DefaultAlgorithm = strings.ToLower(f.Compression)
	}

	// Wallet
	if f.SetWallet {
		cfg.Wallet.Enabled = f.Wallet
	}
	if f.WalletFile != "" {
		cfg.Wallet.FilePath = f.WalletFile
	}

	// Mining
	if f.SetMine {
		cfg.Mining.Enabled = f.Mine
	}
	if f.Coinbase != "" {
		cfg.Mining.Coinbase = f.Coinbase
	}
	if f.Threads != 0 {
		cfg.Mining.Threads = f.Threads
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Lorachain - a UTXO ledger over a LoRa-class radio mesh

Usage:
  lorachaind [options]
  lorachaind --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.lorachain)
  --config, -c    Config file path (default: <datadir>/lorachain.conf)

Radio Options:
  --region        Regulatory region: eu (default), us, ca, mx, jp, au, nz, br, ar, custom
  --frequency     Center frequency in MHz (default: 868.1)
  --dutycycle     Max duty cycle percent (only with --region=custom)
  --sf            LoRa spreading factor 7-12 (default: 9)
  --bw            LoRa bandwidth in kHz: 125, 250, 500 (default: 125)
  --cr            LoRa coding rate denominator 5-8 (default: 5)
  --power         Transmit power in dBm (default: 14)
  --mtu           Radio frame MTU in bytes (default: 256)
  --emergency-override
                  Allow emergency traffic to bypass duty-cycle limits

Mesh Options:
  --nodetype      Node capability class: full (default), light, mining

Compression Options:
  --compression   Algorithm: none, lz, deflate, utxo, dictionary, adaptive

Wallet Options:
  --wallet        Enable integrated wallet
  --wallet-file   Wallet file path

Mining Options:
  --mine          Enable block production
  --coinbase      Address to receive block rewards
  --threads       Mining threads (default: 1)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: <datadir>/logs/lorachain.log)
  --log-json      Output logs as JSON

Examples:
  # Start mainnet node
  lorachaind

  # Start testnet node
  lorachaind --network=testnet

  # Start a mining node
  lorachaind --mine --coinbase=<address>

  # US region with frequency hopping parameters
  lorachaind --region=us --frequency=915.0 --sf=7 --bw=500

Note:
  Protocol rules (difficulty schedule, block limits, rewards) are hardcoded
  in the genesis configuration and cannot be changed at runtime. Data
  directories are created automatically on first start.
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	// Handle help/version
	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("lorachaind version 0.1.0")
		os.Exit(0)
	}

	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flags.Network) == "testnet" {
		network = Testnet
	}

	// Start with defaults
	cfg := Default(network)

	// Override datadir if specified
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	// Auto-create data directories and default config on first start.
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	// Determine config file path
	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	// Load config file
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}

	// Apply file config
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. This is idempotent — safe to call on
// every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.DBDir(),
		cfg.WalletDir(),
		cfg.KeystoreDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
