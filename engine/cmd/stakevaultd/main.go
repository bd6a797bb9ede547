package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tannatlabs/stakevault/engine/pkg/metrics"
	"github.com/tannatlabs/stakevault/engine/pkg/reconcile"
	"github.com/tannatlabs/stakevault/engine/pkg/scheduler"
	"github.com/tannatlabs/stakevault/engine/pkg/server"
	"github.com/tannatlabs/stakevault/engine/pkg/stake"
	"github.com/tannatlabs/stakevault/engine/pkg/store/memory"
	"github.com/tannatlabs/stakevault/engine/pkg/store/postgres"
	"github.com/tannatlabs/stakevault/engine/pkg/submit"
	"github.com/tannatlabs/stakevault/engine/pkg/tier"
	"github.com/tannatlabs/stakevault/utils/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set LISTEN_ADDR env var)")

	storeFlag := flag.String("store", "memory", "state store backend: memory or postgres (or set STORE env var)")
	postgresURLFlag := flag.String("postgres-url", "", "PostgreSQL connection string (or set POSTGRES_URL env var)")
	migrateFlag := flag.Bool("migrate", true, "run database migrations on startup")

	programIDFlag := flag.String("program-id", "", "staking program id (or set PROGRAM_ID env var)")
	rpcURLFlag := flag.String("rpc-url", "", "Solana RPC endpoint for ledger reconciliation; empty disables ingestion (or set RPC_URL env var)")
	relayerURLFlag := flag.String("relayer-url", "", "relayer endpoint for intent submission; empty logs intents instead (or set RELAYER_URL env var)")
	tiersFileFlag := flag.String("tiers-file", "", "JSON tier catalog; empty uses the built-in catalog (or set TIERS_FILE env var)")

	epochIntervalFlag := flag.Duration("epoch-interval", 10*time.Minute, "how often to check for a due epoch advance")
	sweepIntervalFlag := flag.Duration("sweep-interval", 5*time.Minute, "how often to sweep elapsed cooldowns")
	scanIntervalFlag := flag.Duration("scan-interval", 30*time.Second, "how often to scan the ledger event stream")
	submitRateFlag := flag.Float64("submit-rate", 5, "max intent submissions per second")

	flag.Parse()

	// Best effort; the daemon runs fine without a .env file.
	_ = godotenv.Load()

	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("STORE"); env != "" {
		*storeFlag = env
	}
	if env := os.Getenv("POSTGRES_URL"); env != "" {
		*postgresURLFlag = env
	}
	if env := os.Getenv("PROGRAM_ID"); env != "" {
		*programIDFlag = env
	}
	if env := os.Getenv("RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("RELAYER_URL"); env != "" {
		*relayerURLFlag = env
	}
	if env := os.Getenv("TIERS_FILE"); env != "" {
		*tiersFileFlag = env
	}

	log := logger.New(*verboseFlag)

	if *programIDFlag == "" {
		return fmt.Errorf("--program-id is required")
	}
	programID, err := solana.PublicKeyFromBase58(*programIDFlag)
	if err != nil {
		return fmt.Errorf("invalid program id: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store stake.Store
	var eventStore reconcile.Store
	switch *storeFlag {
	case "memory":
		mem := memory.New()
		store = mem
		eventStore = mem
		log.Warn("using in-memory store; state is lost on restart")
	case "postgres":
		if *postgresURLFlag == "" {
			return fmt.Errorf("--postgres-url is required with --store=postgres")
		}
		pg, err := postgres.New(ctx, postgres.Config{
			Logger:        log,
			ConnStr:       *postgresURLFlag,
			RunMigrations: *migrateFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pg.Close()
		store = pg
		eventStore = pg
	default:
		return fmt.Errorf("unknown store backend %q", *storeFlag)
	}

	tiers := tier.DefaultCatalog()
	if *tiersFileFlag != "" {
		tierSet, err := tier.LoadFile(*tiersFileFlag)
		if err != nil {
			return fmt.Errorf("failed to load tier catalog: %w", err)
		}
		tiers, err = tier.NewCatalog(tierSet)
		if err != nil {
			return fmt.Errorf("failed to build tier catalog: %w", err)
		}
	}

	var submitter submit.Submitter
	if *relayerURLFlag != "" {
		submitter = &submit.HTTPSubmitter{URL: *relayerURLFlag}
	} else {
		submitter = &submit.LogSubmitter{Logger: log}
	}
	queue, err := submit.NewQueue(submit.Config{
		Logger:    log,
		Submitter: submitter,
		RateLimit: *submitRateFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create submit queue: %w", err)
	}

	engine, err := stake.New(ctx, stake.Config{
		Logger:    log,
		Store:     store,
		Tiers:     tiers,
		Params:    stake.DefaultParams(),
		ProgramID: programID,
		Intents:   queue,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Logger:        log,
		Engine:        engine,
		EpochInterval: *epochIntervalFlag,
		SweepInterval: *sweepIntervalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	var ingestor *reconcile.Ingestor
	if *rpcURLFlag != "" {
		source, err := reconcile.NewRPCSource(reconcile.RPCSourceConfig{
			Client:    solanarpc.New(*rpcURLFlag),
			ProgramID: programID,
		})
		if err != nil {
			return fmt.Errorf("failed to create rpc source: %w", err)
		}
		ingestor, err = reconcile.NewIngestor(reconcile.IngestorConfig{
			Logger:       log,
			Source:       source,
			Store:        eventStore,
			Engine:       engine,
			ScanInterval: *scanIntervalFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create ingestor: %w", err)
		}
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: *listenAddrFlag,
		Engine:     engine,
		Tiers:      tiers,
		Queue:      queue,
		Ready: func() bool {
			return ingestor == nil || ingestor.Ready()
		},
		VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	log.Info("stakevaultd: starting",
		"version", version, "listen_addr", *listenAddrFlag,
		"store", *storeFlag, "program_id", programID.String())

	sched.Start(ctx)
	if ingestor != nil {
		ingestor.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
