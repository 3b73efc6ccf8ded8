// Command engine runs the swap automation service: the poller, the execution
// coordinator, the webhook dispatcher and the operator API, against Postgres
// and a Solana RPC node.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/signalswap/backend/internal/api"
	"github.com/signalswap/backend/internal/chain"
	"github.com/signalswap/backend/internal/config"
	"github.com/signalswap/backend/internal/coordinator"
	"github.com/signalswap/backend/internal/database"
	"github.com/signalswap/backend/internal/locks"
	"github.com/signalswap/backend/internal/market"
	"github.com/signalswap/backend/internal/poller"
	"github.com/signalswap/backend/internal/secrets"
	"github.com/signalswap/backend/internal/swap"
	"github.com/signalswap/backend/internal/webhooks"
)

func main() {
	log.Println("🔥 Starting SignalSwap automation engine...")

	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ------------------------------------------------------------------
	// Storage
	// ------------------------------------------------------------------
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ postgres: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("❌ migrations: %v", err)
	}

	audit := database.NewAuditStore(db)
	ruleStore := database.NewRuleStore(db, audit)
	execStore := database.NewExecutionStore(db, audit)
	dlqStore := database.NewDLQStore(db, execStore, ruleStore, audit)
	walletStore := database.NewWalletStore(db, audit)
	webhookStore := database.NewWebhookStore(db)
	lockStore := database.NewLockStore(db)

	// ------------------------------------------------------------------
	// Secrets
	// ------------------------------------------------------------------
	keyStore, err := secrets.NewStore(cfg.MasterKeyHex, audit)
	if err != nil {
		log.Fatalf("❌ master key: %v", err)
	}

	// ------------------------------------------------------------------
	// Locks: Redis advisory mutex when configured, in-process otherwise
	// ------------------------------------------------------------------
	var mutex locks.AdvisoryMutex
	if cfg.RedisAddr != "" {
		rm, err := locks.NewRedisMutex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("❌ redis: %v", err)
		}
		defer rm.Close()
		mutex = rm
	} else {
		log.Println("⚠️  REDIS_ADDR not set: using in-process mutex (single instance only)")
		mutex = locks.NewMemoryMutex()
	}
	lockMgr := locks.NewManager(lockStore, mutex)

	// ------------------------------------------------------------------
	// Upstreams
	// ------------------------------------------------------------------
	rpc := chain.NewRPCClient(cfg.RPCURL)
	marketClient := market.NewClient(market.NewHTTPProvider(cfg.MarketBaseURL, cfg.MarketAPIKey))
	router := swap.NewHTTPRouter(cfg.RouterBaseURL)
	executor := swap.NewExecutor(router, rpc, keyStore, cfg)

	// ------------------------------------------------------------------
	// Pipeline
	// ------------------------------------------------------------------
	dispatcher := webhooks.NewDispatcher(webhookStore, 4)
	defer dispatcher.Shutdown()

	killSwitch := coordinator.NewKillSwitch(cfg.ExecutionEnabled)

	coord := coordinator.New(ruleStore, execStore, dlqStore, lockMgr, walletStore,
		executor, rpc, dispatcher, killSwitch, coordinator.Config{
			StableMint:              cfg.StableMint,
			VolatileMint:            cfg.VolatileMint,
			LowBalanceFloorLamports: cfg.LowBalanceFloorLamports,
		})

	loop := poller.New(ruleStore, marketClient, coord, killSwitch,
		cfg.PollInterval, cfg.StalenessMax, cfg.Workers)
	loop.Start(ctx)

	// ------------------------------------------------------------------
	// Operator API (blocks until shutdown)
	// ------------------------------------------------------------------
	server := api.NewServer(dlqStore, loop, killSwitch, db, cfg.AdminAPIKeyHash)
	if err := server.Start(ctx, cfg.AdminListenAddr); err != nil {
		log.Printf("❌ operator API: %v", err)
	}

	// ------------------------------------------------------------------
	// Drain
	// ------------------------------------------------------------------
	log.Println("⏳ shutting down: draining in-flight executions...")
	loop.Stop()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := lockMgr.ReleaseAllOwned(releaseCtx); err != nil {
		log.Printf("⚠️  lock release on shutdown: %v", err)
	}

	log.Println("👋 engine stopped")
	os.Exit(0)
}
