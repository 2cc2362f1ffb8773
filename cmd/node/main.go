package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/params"
	"github.com/uhyunpark/hypersettle/pkg/abci"
	"github.com/uhyunpark/hypersettle/pkg/api"
	"github.com/uhyunpark/hypersettle/pkg/app/core/compliance"
	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
	"github.com/uhyunpark/hypersettle/pkg/app/core/stats"
	"github.com/uhyunpark/hypersettle/pkg/app/settle"
	"github.com/uhyunpark/hypersettle/pkg/chain"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/events"
	"github.com/uhyunpark/hypersettle/pkg/p2p"
	"github.com/uhyunpark/hypersettle/pkg/storage"
	"github.com/uhyunpark/hypersettle/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Log.File, util.RotationConfig{
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	// ---- Storage ----
	// Blocks and every piece of settlement state, balances included, share
	// one database; each block's state is committed in a single batch.
	chainDB, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "chain"))
	if err != nil {
		return err
	}
	defer chainDB.Close()

	txLog, err := storage.NewFileWAL(cfg.API.TxLogFile)
	if err != nil {
		return err
	}
	defer txLog.Close()
	blockLog, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "blocks.log"))
	if err != nil {
		return err
	}
	defer blockLog.Close()

	// ---- Settlement ----
	oracle, err := compliance.FromConfig(cfg.Compliance, sugar.Named("compliance"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := stats.NewCollector(reg)

	bus := events.NewBus(sugar.Named("events"))
	defer bus.Close()
	bus.Push(collector.Observe)
	bus.Push(func(ev settlement.Event) {
		sugar.Infow("settlement_event",
			"type", ev.Type, "instruction", ev.Instruction,
			"status", ev.NewStatus.String(), "block", ev.Block, "reason", ev.Reason)
	})

	portfolios := portfolio.NewManager()
	portfolios.AutoAffirmDefault = cfg.Settlement.AutoAffirmReceipts

	domain := crypto.DomainForChain(cfg.Node.ChainID)
	app, err := settle.New(settle.Config{
		Settlement: settlement.Config{
			MaxLegs:              cfg.Settlement.MaxLegs,
			RescheduleUnaffirmed: cfg.Settlement.RescheduleUnaffirmed,
			RescheduleDelay:      cfg.Settlement.RescheduleDelay,
			MaxReschedules:       cfg.Settlement.MaxReschedules,
		},
		Domain: domain,
	}, settle.Deps{
		Portfolios: portfolios,
		Journal:    chainDB,
		Oracle:     oracle,
		Broker:     bus,
		Stats:      collector,
		Logger:     sugar,
	})
	if err != nil {
		return err
	}
	sugar.Infow("app_restored", "height", app.Height(), "app_hash", app.AppHash().String(), "chain_id", cfg.Node.ChainID)

	// ---- Block production ----
	bridge := &abci.Bridge{
		App: app,
		OnFinalize: func(height int64, resp abci.ResponseFinalizeBlock) {
			for _, r := range resp.TxResults {
				if !r.OK() {
					sugar.Infow("tx_rejected", "height", height, "hash", r.Hash, "action", r.Action, "code", r.Code, "log", r.Log)
				}
			}
		},
	}

	attester, err := crypto.NewBLSSigner([]byte(cfg.Chain.AttestationSeed))
	if err != nil {
		return err
	}
	producer := chain.NewProducer("node-0", bridge, chainDB, attester)
	producer.Logger = sugar.Named("chain")
	producer.MinBlockTime = cfg.Node.MinBlockTime
	producer.VerboseLogging = cfg.Log.Verbose
	producer.WAL = blockLog
	if err := producer.Recover(); err != nil {
		return err
	}
	sugar.Infow("block_time_config", "min_block_time_ms", cfg.Node.MinBlockTime.Milliseconds())

	// ---- P2P ----
	var gossip func([]byte)
	if cfg.P2P.Enabled {
		lpn, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
			ListenAddr: cfg.P2P.ListenAddr,
			Bootstrap:  cfg.P2P.Bootstrap,
			Logger:     sugar.Named("p2p"),
		})
		if err != nil {
			return err
		}
		defer lpn.Close()
		wireP2P(ctx, lpn, app, bus, producer, sugar)
		gossip = func(raw []byte) {
			if err := lpn.PublishTx(ctx, raw); err != nil {
				sugar.Warnw("gossip_tx_failed", "err", err)
			}
		}
	}

	// ---- API Server ----
	apiServer := api.NewServer(app, api.Options{
		AllowedOrigins: cfg.API.AllowedOrigins,
		TxLog:          txLog,
		Stats:          collector,
		Gatherer:       reg,
		Bus:            bus,
		Gossip:         gossip,
		Logger:         sugar.Named("api"),
	})
	apiErr := make(chan error, 1)
	go func() { apiErr <- apiServer.Start(ctx, cfg.API.Addr) }()

	sugar.Infow("node_starting", "tip", producer.Tip().Height, "data_dir", cfg.Node.DataDir, "p2p", cfg.P2P.Enabled)

	prodErr := make(chan error, 1)
	go func() { prodErr <- producer.Run(ctx) }()

	select {
	case <-ctx.Done():
		<-prodErr
		return nil
	case err := <-apiErr:
		if err != nil {
			return err
		}
		<-ctx.Done()
		<-prodErr
		return nil
	case err := <-prodErr:
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}

// wireP2P relays peer transactions into the mempool and gossips local
// settlement events and committed blocks.
func wireP2P(ctx context.Context, lpn *p2p.Libp2pNet, app *settle.App, bus *events.Bus, producer *chain.Producer, sugar *zap.SugaredLogger) {
	lpn.SetHandlers(p2p.Handlers{
		OnTx: app.PushTx,
		OnEvent: func(from peer.ID, w p2p.EventWire) {
			sugar.Debugw("peer_settlement_event", "peer", from.String(), "origin", w.Origin,
				"type", w.Event.Type, "instruction", w.Event.Instruction)
		},
		OnBlock: func(from peer.ID, w p2p.BlockWire) {
			if w.Height > producer.Tip().Height {
				sugar.Infow("peer_ahead", "peer", from.String(), "height", w.Height, "local", producer.Tip().Height)
			}
		},
		Status: func() p2p.StatusWire {
			return p2p.StatusWire{Height: app.Height(), AppHash: app.AppHash(), Mempool: app.MempoolLen()}
		},
	})

	producer.OnBlockCommit = func(b chain.Block) {
		if err := lpn.AnnounceBlock(ctx, p2p.AnnouncementOf(b, len(abci.SplitPayload(b.Payload)))); err != nil {
			sugar.Debugw("announce_block_failed", "height", b.Height, "err", err)
		}
	}

	sub := bus.Subscribe(1024)
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if err := lpn.PublishEvent(ctx, ev); err != nil {
					sugar.Debugw("gossip_event_failed", "instruction", ev.Instruction, "err", err)
				}
			}
		}
	}()
}
