// Lorachain full node daemon.
//
// Usage:
//
//	lorachaind [--mine --coinbase=...]  Run node
//	lorachaind --help                   Show help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/grekinsky/lorachain/config"
	"github.com/grekinsky/lorachain/internal/codec"
	"github.com/grekinsky/lorachain/internal/dutycycle"
	"github.com/grekinsky/lorachain/internal/kernel"
	klog "github.com/grekinsky/lorachain/internal/log"
	"github.com/grekinsky/lorachain/internal/mesh"
	"github.com/grekinsky/lorachain/internal/radio"
	"github.com/grekinsky/lorachain/internal/storage"
	"github.com/grekinsky/lorachain/internal/wallet"
	"github.com/grekinsky/lorachain/pkg/block"
	"github.com/grekinsky/lorachain/pkg/crypto"
	"github.com/grekinsky/lorachain/pkg/tx"
	"github.com/grekinsky/lorachain/pkg/types"
)

// Development radio socket defaults (the UDP port stands in for a LoRa HAL).
const (
	radioListenAddr = "0.0.0.0:47808"
	radioPeerAddr   = "255.255.255.255:47808"
)

// schedulerCadence is how often the duty-cycle scheduler checks the queue.
const schedulerCadence = 100 * time.Millisecond

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 1a. Set address HRP based on network ────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Init logger ──────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logs dir: %v\n", err)
			os.Exit(1)
		}
		logFile = filepath.Join(logsDir, "lorachain.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("node")

	// ── 3. Genesis (hardcoded, not loaded from file) ────────────────────
	genesis := config.GenesisFor(cfg.Network)

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("chain_id", genesis.ChainID).
		Str("region", string(cfg.Radio.Region)).
		Float64("frequency_mhz", cfg.Radio.FrequencyMHz).
		Msg("starting lorachaind")

	if err := run(cfg, genesis, logger); err != nil {
		logger.Error().Err(err).Msg("node stopped with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, genesis *config.Genesis, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── 4. Open storage: one badger DB, sublevel per concern ────────────
	db, err := storage.NewBadger(cfg.DBDir())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	chainDB := storage.NewSublevel(db, []byte("chain/"))
	utxoDB := storage.NewSublevel(db, []byte("utxo/"))
	dutyDB := storage.NewSublevel(db, []byte("duty/"))

	// ── 5. Blockchain kernel ────────────────────────────────────────────
	kern, err := kernel.New(kernel.Options{
		DB:      chainDB,
		UTXODB:  utxoDB,
		Genesis: genesis,
		Threads: cfg.Mining.Threads,
		Logger:  klog.Chain,
	})
	if err != nil {
		return fmt.Errorf("start kernel: %w", err)
	}
	defer kern.Close()

	logger.Info().
		Uint64("height", kern.Chain().Height()).
		Str("tip", kern.Chain().TipHash().String()).
		Msg("chain ready")

	// ── 6. Mesh identity ────────────────────────────────────────────────
	meshKey, err := loadOrCreateMeshKey(cfg.KeystoreDir())
	if err != nil {
		return fmt.Errorf("mesh key: %w", err)
	}
	self := mesh.NodeIDFromPubKey(meshKey.PublicKey())
	logger.Info().Str("node_id", self.String()).Msg("mesh identity loaded")

	// ── 7. Codec ────────────────────────────────────────────────────────
	dicts := codec.NewDictionaryStore()
	cdc, err := codec.New(cfg.Compression, dicts)
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}

	// ── 8. Radio port + duty-cycle scheduler ────────────────────────────
	port, err := radio.NewUDPPort(radioListenAddr, radioPeerAddr,
		dutycycle.ParamsFromConfig(cfg.Radio), klog.DutyCycle)
	if err != nil {
		return fmt.Errorf("open radio port: %w", err)
	}
	defer port.Close()

	queue := dutycycle.NewQueue(cfg.Mesh.MaxPendingMessages)
	queue.OnDropped = func(e *dutycycle.Entry, reason string) {
		klog.DutyCycle.Warn().
			Uint64("id", e.ID).
			Str("priority", e.Priority.String()).
			Str("reason", reason).
			Msg("queued frame dropped")
	}

	window := time.Duration(cfg.Radio.TrackingWindowHours) * time.Hour
	history := dutycycle.NewHistory(dutyDB, window)
	scheduler := dutycycle.NewScheduler(cfg.Radio, queue, history, port, klog.DutyCycle)

	// ── 9. Mesh stack ───────────────────────────────────────────────────
	capabilities := func() mesh.Capabilities {
		return mesh.Capabilities{
			NodeType:         cfg.Mesh.NodeType,
			UTXOCompleteness: 1, // Full nodes hold the complete set.
			Height:           kern.Chain().Height(),
		}
	}

	var stack *mesh.Stack
	stack, err = mesh.NewStack(mesh.StackOptions{
		Key:          meshKey,
		MeshConfig:   cfg.Mesh,
		RadioConfig:  cfg.Radio,
		Codec:        cdc,
		Capabilities: capabilities,
		Enqueue: func(frame []byte, msgType byte, priority dutycycle.Priority, ttl time.Duration) error {
			queue.Push(&dutycycle.Entry{
				Frame:       frame,
				Priority:    priority,
				MessageType: msgType,
				Deadline:    time.Now().Add(ttl),
			})
			return nil
		},
		OnData: func(t mesh.MessageType, from mesh.NodeID, payload []byte) {
			handleMeshData(kern, stack, t, from, payload)
		},
		Logger: klog.Mesh,
	})
	if err != nil {
		return fmt.Errorf("mesh stack: %w", err)
	}

	// ── 10. Background tasks ────────────────────────────────────────────
	var wg sync.WaitGroup

	// Duty-cycle scheduler loop.
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx, schedulerCadence)
	}()

	// Radio receive loop.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			frame, meta, err := port.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				klog.Mesh.Debug().Err(err).Msg("receive failed")
				continue
			}
			if err := stack.HandleFrame(frame, meta); err != nil {
				klog.Mesh.Debug().Err(err).Msg("frame dropped")
			}
		}
	}()

	// Beacons + neighbor maintenance.
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := time.Duration(cfg.Mesh.BeaconIntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := stack.Beacon(); err != nil {
					klog.Mesh.Debug().Err(err).Msg("beacon failed")
				}
				stack.Neighbors().EvictStale()
				stack.Router().Table().Expire()
			}
		}
	}()

	// Reliable-delivery retry engine.
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		stack.Delivery().Run(stop, 250*time.Millisecond)
	}()

	// ── 11. Mining loop ─────────────────────────────────────────────────
	if cfg.Mining.Enabled {
		coinbase, err := resolveCoinbase(cfg, logger)
		if err != nil {
			cancel()
			close(stop)
			wg.Wait()
			return err
		}
		logger.Info().Str("coinbase", coinbase.String()).Msg("mining enabled")

		wg.Add(1)
		go func() {
			defer wg.Done()
			mineLoop(ctx, kern, stack, coinbase, genesis.Protocol.Consensus.BlockTime)
		}()
	}

	// ── 12. Wait for shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()
	close(stop)
	wg.Wait()

	return nil
}

// handleMeshData dispatches application payloads from the mesh into the
// kernel and relays valid ones onward.
func handleMeshData(kern *kernel.Kernel, stack *mesh.Stack, t mesh.MessageType, from mesh.NodeID, payload []byte) {
	switch t {
	case mesh.TypeTransaction:
		var transaction tx.Transaction
		if err := json.Unmarshal(payload, &transaction); err != nil {
			klog.Mesh.Debug().Err(err).Msg("bad transaction payload")
			return
		}
		err := kern.SubmitTransaction(&transaction)
		switch {
		case err == nil:
			klog.Chain.Info().
				Str("tx", transaction.Hash().String()).
				Str("from", from.String()).
				Msg("mesh transaction accepted")
			// Relay to the rest of the mesh.
			feeRate := relayFeeRate(kern, &transaction)
			stack.Send(mesh.TypeTransaction, mesh.NodeID{}, payload,
				mesh.BestEffort, dutycycle.PriorityFor(dutycycle.MsgTransaction, feeRate))
		case errors.Is(err, kernel.ErrUTXOConflict):
			klog.Chain.Debug().Err(err).Msg("mesh transaction conflicts")
		default:
			klog.Chain.Debug().Err(err).Msg("mesh transaction rejected")
		}

	case mesh.TypeBlock:
		var blk block.Block
		if err := json.Unmarshal(payload, &blk); err != nil {
			klog.Mesh.Debug().Err(err).Msg("bad block payload")
			return
		}
		err := kern.AcceptBlock(&blk)
		switch {
		case err == nil:
			klog.Chain.Info().
				Uint64("height", blk.Header.Height).
				Str("from", from.String()).
				Msg("mesh block accepted")
			stack.Send(mesh.TypeBlock, mesh.NodeID{}, payload,
				mesh.BestEffort, dutycycle.PriorityCritical)
		case errors.Is(err, kernel.ErrConsensus):
			klog.Chain.Debug().Err(err).Msg("mesh block not adopted")
		default:
			klog.Chain.Debug().Err(err).Msg("mesh block rejected")
		}

	case mesh.TypeSync:
		serveMerkleProof(kern, stack, from, payload)
	}
}

// serveMerkleProof answers a sync request (a tx hash) with the inclusion
// proof against the containing block's merkle root.
func serveMerkleProof(kern *kernel.Kernel, stack *mesh.Stack, from mesh.NodeID, payload []byte) {
	var req struct {
		TxHash types.Hash `json:"tx_hash"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		klog.Mesh.Debug().Err(err).Msg("bad sync request")
		return
	}

	transaction, pending, err := kern.QueryTransaction(req.TxHash)
	if err != nil || pending || transaction == nil {
		return // Unknown or unconfirmed: nothing to prove.
	}

	// Locate the containing block and build the proof.
	blk, err := containingBlock(kern, req.TxHash)
	if err != nil {
		return
	}
	hashes := make([]types.Hash, len(blk.Transactions))
	idx := -1
	for i, t := range blk.Transactions {
		hashes[i] = t.Hash()
		if hashes[i] == req.TxHash {
			idx = i
		}
	}
	proof, ok := block.BuildMerkleProof(hashes, idx)
	if !ok {
		return
	}

	resp := struct {
		Height uint64             `json:"height"`
		Root   types.Hash         `json:"merkle_root"`
		Proof  *block.MerkleProof `json:"proof"`
	}{blk.Header.Height, blk.Header.MerkleRoot, proof}

	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	stack.Send(mesh.TypeSync, from, body, mesh.Confirmed, dutycycle.PriorityHigh)
}

// containingBlock scans every block from genesis to the tip for the one
// holding a tx.
func containingBlock(kern *kernel.Kernel, txHash types.Hash) (*block.Block, error) {
	tip := kern.Chain().Height()
	for h := uint64(0); h <= tip; h++ {
		blk, err := kern.QueryBlockByIndex(h)
		if err != nil {
			return nil, err
		}
		for _, t := range blk.Transactions {
			if t.Hash() == txHash {
				return blk, nil
			}
		}
	}
	return nil, fmt.Errorf("tx %s not in any block", txHash)
}

// relayFeeRate reads the admitted transaction's fee rate back from the
// pending pool for relay priority tiering.
func relayFeeRate(kern *kernel.Kernel, transaction *tx.Transaction) uint64 {
	return kern.PendingFeeRate(transaction.Hash())
}

// mineLoop produces blocks at the target cadence and floods them.
func mineLoop(ctx context.Context, kern *kernel.Kernel, stack *mesh.Stack, coinbase types.Address, blockTime int) {
	if blockTime <= 0 {
		blockTime = 300
	}
	ticker := time.NewTicker(time.Duration(blockTime) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			blk, err := kern.MineBlock(ctx, coinbase)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				klog.Chain.Warn().Err(err).Msg("mining failed")
				continue
			}

			payload, err := json.Marshal(blk)
			if err != nil {
				klog.Chain.Error().Err(err).Msg("block marshal failed")
				continue
			}
			if _, err := stack.Send(mesh.TypeBlock, mesh.NodeID{}, payload,
				mesh.BestEffort, dutycycle.PriorityCritical); err != nil {
				klog.Mesh.Warn().Err(err).Msg("block flood failed")
			}
		}
	}
}

// resolveCoinbase picks the mining payout address: the configured one, or
// the wallet's first derived account.
func resolveCoinbase(cfg *config.Config, logger zerolog.Logger) (types.Address, error) {
	if cfg.Mining.Coinbase != "" {
		addr, err := types.ParseAddress(cfg.Mining.Coinbase)
		if err != nil {
			return types.Address{}, fmt.Errorf("invalid mining.coinbase: %w", err)
		}
		return addr, nil
	}

	// Derive from (or create) the node wallet.
	ks, err := wallet.NewKeystore(cfg.KeystoreDir())
	if err != nil {
		return types.Address{}, fmt.Errorf("open keystore: %w", err)
	}

	const walletName = "miner"
	password := []byte(os.Getenv("LORACHAIN_WALLET_PASSWORD"))

	seed, err := ks.Load(walletName, password)
	if err != nil {
		// First run: create the miner wallet.
		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			return types.Address{}, fmt.Errorf("generate mnemonic: %w", err)
		}
		seed, err = wallet.SeedFromMnemonic(mnemonic, "")
		if err != nil {
			return types.Address{}, fmt.Errorf("derive seed: %w", err)
		}
		if err := ks.Create(walletName, seed, password, wallet.DefaultParams()); err != nil {
			return types.Address{}, fmt.Errorf("create wallet: %w", err)
		}
		logger.Warn().
			Str("wallet", walletName).
			Msg("created miner wallet — back up the keystore; the mnemonic is not stored")
	}

	master, err := wallet.NewMasterKey(seed)
	if err != nil {
		return types.Address{}, fmt.Errorf("master key: %w", err)
	}
	account, err := master.DeriveAddress(0, 0, 0)
	if err != nil {
		return types.Address{}, fmt.Errorf("derive account: %w", err)
	}
	return account.Address(), nil
}

// loadOrCreateMeshKey persists the node's Ed25519 identity in the keystore
// directory.
func loadOrCreateMeshKey(dir string) (*crypto.MeshKey, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "mesh.key")

	if seed, err := os.ReadFile(path); err == nil {
		return crypto.MeshKeyFromSeed(seed)
	}

	key, err := crypto.GenerateMeshKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key.Seed(), 0600); err != nil {
		return nil, err
	}
	return key, nil
}
