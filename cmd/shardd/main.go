package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tari-project/dan-consensus-core/internal/config"
	"github.com/tari-project/dan-consensus-core/internal/consensus"
	"github.com/tari-project/dan-consensus-core/internal/crypto"
	"github.com/tari-project/dan-consensus-core/internal/epochmgr"
	"github.com/tari-project/dan-consensus-core/internal/execution"
	"github.com/tari-project/dan-consensus-core/internal/mempool"
	"github.com/tari-project/dan-consensus-core/internal/metrics"
	"github.com/tari-project/dan-consensus-core/internal/network"
	"github.com/tari-project/dan-consensus-core/internal/p2p"
	"github.com/tari-project/dan-consensus-core/internal/state"
	"github.com/tari-project/dan-consensus-core/internal/storage"
	"github.com/tari-project/dan-consensus-core/internal/types"

	"github.com/tari-project/dan-consensus-core/cmd/shardd/cli"
)

func main() {
	root := cli.NewCLI(run, printIdentity)
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

// run wires and starts one shard replica from the configuration at
// configPath, blocking until an interrupt or terminate signal arrives.
// It adapts the teacher's single flat main() (cmd/empower1d/main.go) into
// the same ordered-init-then-signal-wait shape the REChain Network
// Solutions daemon uses (cmd/rechain/main.go), substituted with this
// shard's own components end to end.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("shardd: load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("shardd: build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("shardd: create data dir: %w", err)
	}

	signingKey, err := loadOrCreateSigningKey(cfg.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("shardd: signing key: %w", err)
	}
	pubBytes, err := crypto.SerializePublicKeyToBytes(&signingKey.PublicKey)
	if err != nil {
		return fmt.Errorf("shardd: serialize public key: %w", err)
	}
	self := types.NodeID(cfg.NodeID)
	if self == "" {
		self = types.NodeID(hex.EncodeToString(pubBytes))
	}
	shardGroup := types.ShardGroup(cfg.ShardGroup)
	epoch := types.Epoch(cfg.Epoch)

	store, err := storage.Open(filepath.Join(cfg.DataDir, "shard.db"), logger)
	if err != nil {
		return fmt.Errorf("shardd: open storage: %w", err)
	}
	defer store.Close() //nolint:errcheck

	genesis, err := ensureGenesis(store, epoch, shardGroup)
	if err != nil {
		return fmt.Errorf("shardd: ensure genesis: %w", err)
	}

	epochs := epochmgr.NewStaticManager(epoch, shardGroup, logger)
	committees := buildCommittees(cfg)
	epochs.LoadEpoch(epoch, committees)
	for _, val := range cfg.Validators {
		pk, err := hex.DecodeString(val.PublicKeyHex)
		if err != nil {
			logger.Warn("skipping validator with unparseable public key", zap.String("node_id", val.NodeID), zap.Error(err))
			continue
		}
		epochs.RegisterValidator(epoch, types.ShardGroup(val.ShardGroup), types.NodeID(val.NodeID), pk)
	}
	localCommittee, err := epochs.LocalCommitteeInfo(epoch)
	if err != nil {
		return fmt.Errorf("shardd: resolve local committee: %w", err)
	}

	transport, err := p2p.NewTransport(cfg.ListenAddrs, logger)
	if err != nil {
		return fmt.Errorf("shardd: start transport: %w", err)
	}
	if err := registerPeers(transport, self, cfg.Validators); err != nil {
		return fmt.Errorf("shardd: register peers: %w", err)
	}
	if err := transport.Start(); err != nil {
		return fmt.Errorf("shardd: transport start: %w", err)
	}
	defer transport.Stop() //nolint:errcheck

	pool := mempool.NewPool(cfg.PoolCapacity, logger)
	txSource := mempool.NewTransactionBodyStore()
	pending := state.NewPendingSubstateStore(store, logger)
	foreign := consensus.NewForeignProposalProcessor(pool, logger)
	executor := execution.NewNativeExecutor(1, logger)
	committeeFor := func(e types.Epoch) (types.CommitteeInfo, error) { return epochs.CommitteeFor(e, shardGroup) }

	mtx := metrics.New("shardd")

	validator := consensus.NewProposalValidator(self, signingKey, store, pending, pool, executor, txSource, committeeFor, foreign, logger)
	validator.SetMetrics(mtx)
	votes := consensus.NewVoteCollector(store, committeeFor, logger)
	proposer := consensus.NewProposer(self, signingKey, store, pool, logger)
	pacemaker := consensus.NewPacemaker(clock.New(), cfg.PacemakerBaseTimeout, logger)
	pacemaker.Reset(epoch, shardGroup, localCommittee, 1)

	commitRule := consensus.NewCommitRule(store, pending, pool, pacemaker, func(ev consensus.BlockCommittedEvent) {
		mtx.BlocksCommitted.Inc()
		for _, txID := range ev.Transactions {
			rec, err := pool.Get(txID)
			if err != nil {
				continue
			}
			if rec.Decision == types.DecisionAbort {
				mtx.TransactionsAborted.Inc()
			} else {
				mtx.TransactionsCommitted.Inc()
			}
		}
		logger.Info("block committed", zap.String("block_id", ev.BlockID.String()), zap.Uint64("height", ev.Height))
	}, logger)

	syncer := network.NewSyncer(self, transport, store, logger)
	responder := network.NewResponder(self, transport, store, logger)

	engine := consensus.NewEngine(consensus.EngineParams{
		Self:                self,
		ShardGroup:          shardGroup,
		Epochs:              epochs,
		Transport:           transport,
		Store:               store,
		Validator:           validator,
		Votes:               votes,
		Foreign:             foreign,
		Proposer:            proposer,
		Pacemaker:           pacemaker,
		CommitRule:          commitRule,
		Syncer:              syncer,
		Responder:           responder,
		Metrics:             mtx,
		TimeoutPollInterval: cfg.TimeoutPollInterval,
		Logger:              logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopPoolSampler := samplePoolStages(ctx, pool, mtx, 5*time.Second)
	defer stopPoolSampler()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mtx.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// The event loop must already be pulling from the transport before
	// catch-up runs: sync responses arrive as ordinary inbound envelopes
	// and only Engine's dispatch loop hands them to the syncer.
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("shardd: start engine: %w", err)
	}
	catchUp(ctx, syncer, store, cfg, self, genesis.ID, logger)

	logger.Info("shard replica running",
		zap.String("self", string(self)), zap.Uint32("shard_group", uint32(shardGroup)),
		zap.String("metrics_addr", cfg.MetricsAddr))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	return engine.Stop()
}

// ensureGenesis persists the deterministic genesis block, its QC and the
// cursors derived from it if this is the replica's first run, and is a
// no-op otherwise.
func ensureGenesis(store *storage.Store, epoch types.Epoch, sg types.ShardGroup) (*types.Block, error) {
	genesis, err := store.GetGenesisForEpoch(epoch, sg)
	if err == nil {
		return genesis, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	genesis = types.NewGenesisBlock(epoch, sg)
	if err := store.PutBlock(genesis); err != nil {
		return nil, err
	}
	qc := types.GenesisQC(genesis)
	if err := store.PutQC(qc); err != nil {
		return nil, err
	}
	if err := store.UpdateHighQC(types.HighQC{QC: qc}); err != nil {
		return nil, err
	}
	if err := store.UpdateLeafBlock(types.LeafBlock{BlockID: genesis.ID, Height: genesis.Height}); err != nil {
		return nil, err
	}
	return genesis, nil
}

// buildCommittees groups configured validators by shard group into the
// CommitteeInfo snapshots epochmgr.LoadEpoch wants, one per distinct shard
// group named in the configuration.
func buildCommittees(cfg *config.Config) []types.CommitteeInfo {
	bySG := make(map[types.ShardGroup][]types.NodeID)
	for _, val := range cfg.Validators {
		sg := types.ShardGroup(val.ShardGroup)
		bySG[sg] = append(bySG[sg], types.NodeID(val.NodeID))
	}
	out := make([]types.CommitteeInfo, 0, len(bySG))
	for sg, members := range bySG {
		out = append(out, types.CommitteeInfo{
			NumCommittees:  cfg.NumCommittees,
			CommitteeSize:  uint32(len(members)),
			ThisShardGroup: sg,
			Members:        members,
		})
	}
	return out
}

// registerPeers dials committee members other than self with the p2p
// transport, resolving each configured PeerAddr multiaddr to a libp2p
// AddrInfo.
func registerPeers(transport *p2p.Transport, self types.NodeID, validators []config.Validator) error {
	for _, val := range validators {
		if types.NodeID(val.NodeID) == self || val.PeerAddr == "" {
			continue
		}
		maddr, err := multiaddr.NewMultiaddr(val.PeerAddr)
		if err != nil {
			return fmt.Errorf("parse peer_addr for %s: %w", val.NodeID, err)
		}
		addrInfo, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return fmt.Errorf("resolve peer_addr for %s: %w", val.NodeID, err)
		}
		if err := transport.RegisterPeer(types.NodeID(val.NodeID), *addrInfo); err != nil {
			return fmt.Errorf("register peer %s: %w", val.NodeID, err)
		}
	}
	return nil
}

// catchUp asks the first reachable committee peer to replay any blocks
// this replica missed since fromBlockID (its own genesis on a first run, or
// whatever it last persisted otherwise), once the engine's event loop is
// already running so the sync responses reach the syncer (spec.md §4.6
// "catch-up sync"), logging rather than failing startup if none respond.
func catchUp(ctx context.Context, syncer *network.Syncer, store *storage.Store, cfg *config.Config, self types.NodeID, fromBlockID types.BlockID, logger *zap.Logger) {
	if leaf, err := store.GetLeafBlock(); err == nil {
		fromBlockID = leaf.BlockID
	}
	for _, val := range cfg.Validators {
		if types.NodeID(val.NodeID) == self {
			continue
		}
		applied, err := syncer.SyncWithPeer(ctx, types.NodeID(val.NodeID), fromBlockID, nil)
		if err != nil {
			logger.Warn("catch-up sync with peer failed", zap.String("peer", val.NodeID), zap.Error(err))
			continue
		}
		logger.Info("catch-up sync complete", zap.String("peer", val.NodeID), zap.Int("blocks_applied", applied))
		return
	}
}

// samplePoolStages periodically publishes the pool's stage distribution to
// metrics until ctx is done, since the pool has no push-based observer of
// its own (spec.md §7 supplemented feature: pool occupancy as an
// operational signal).
func samplePoolStages(ctx context.Context, pool *mempool.Pool, mtx *metrics.Metrics, interval time.Duration) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				mtx.ObservePoolStages(pool.StageCounts())
			}
		}
	}()
	return func() { close(stopCh) }
}

// loadOrCreateSigningKey reads this replica's ECDSA identity from path,
// generating and persisting a fresh one on first run.
func loadOrCreateSigningKey(path string) (*ecdsa.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return crypto.LoadPrivateKeyPEM(path, nil)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	key, err := crypto.GenerateECDSAKeyPair()
	if err != nil {
		return nil, err
	}
	if err := crypto.SavePrivateKeyPEM(key, path, nil); err != nil {
		return nil, err
	}
	return key, nil
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
