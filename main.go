package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution-core/internal/api"
	"execution-core/internal/audit"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/health"
	"execution-core/internal/ledger"
	"execution-core/internal/orchestrator"
	"execution-core/internal/reconcile"
	"execution-core/internal/stream"
	"execution-core/pkg/broker"
	"execution-core/pkg/broker/remote"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	risk, err := config.LoadRiskConfig(cfg.RiskConfigPath)
	if err != nil {
		log.Fatalf("risk config load failed: %v", err)
	}
	log.Printf("execution core starting on port %s (db: %s)", cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	led := ledger.New(database)
	trail := audit.New(database)
	defer trail.Close()

	// Broker adapters: the paper simulator plus every configured gateway.
	paper := engine.NewPaperAdapter(engine.SimConfig{
		SlippageMode:  cfg.PaperSlippageMode,
		SlippageValue: cfg.PaperSlippageValue,
		TickSize:      cfg.PaperTickSize,
		FeePerOrder:   cfg.PaperFeePerOrder,
		FeePercent:    cfg.PaperFeePercent,
		LatencyMin:    time.Duration(cfg.PaperLatencyMinMs) * time.Millisecond,
		LatencyMax:    time.Duration(cfg.PaperLatencyMaxMs) * time.Millisecond,
	})
	defer paper.Close()

	adapters := []broker.Adapter{paper}
	liveID := "paper"
	for _, id := range cfg.BrokerIDs {
		url := cfg.BrokerURL(id)
		if url == "" {
			log.Printf("broker %s skipped: no BROKER_%s_URL configured", id, id)
			continue
		}
		adapters = append(adapters, remote.New(remote.Config{
			ID:      id,
			BaseURL: url,
			Token:   cfg.BrokerToken(id),
		}))
		if liveID == "paper" {
			liveID = id
		}
	}

	monitor := health.NewMonitor(adapters, bus, 15*time.Second)
	monitor.Start(ctx)
	defer monitor.Stop()

	var wal *engine.WAL
	if cfg.EnableOrderWAL {
		wal, err = engine.OpenWAL(cfg.OrderWALPath)
		if err != nil {
			log.Fatalf("order wal init failed: %v", err)
		}
		defer wal.Close()
	}

	protection := engine.NewProtection(led, trail, bus)
	orch := orchestrator.New(cfg, risk, led, database, trail, bus, protection, liveID)

	ackTimeout := time.Duration(cfg.AckTimeoutMs) * time.Millisecond
	for _, a := range adapters {
		orch.RegisterExecutor(engine.NewExecutor(engine.ExecutorConfig{
			Adapter:     a,
			Breaker:     monitor.Breaker(a.ID()),
			RatePerSec:  cfg.OrderRatePerSec,
			Database:    database,
			Ledger:      led,
			Trail:       trail,
			Bus:         bus,
			WAL:         wal,
			AckTimeout:  ackTimeout,
			MaxInFlight: cfg.SubmitWorkers,
		}))
	}

	streamSvc := stream.New(database, led, trail, bus, protection)
	reconciler := reconcile.New(database, led, trail, bus, streamSvc, adapters)
	streamSvc.SetReconciler(reconciler.Reconcile)

	// Crash recovery: rehydrate state, surface unresolved submissions, and
	// reconcile against every broker before any new order is accepted.
	recovered, err := led.Load(ctx)
	if err != nil {
		log.Fatalf("session rehydration failed: %v", err)
	}
	if recovered {
		orch.AttachRecovered()
	}
	if wal != nil {
		parked, err := wal.RecoverPending(ctx, database)
		if err != nil {
			log.Printf("order wal recovery failed: %v", err)
		} else if parked > 0 {
			log.Printf("recovery: %d in-flight orders parked for reconciliation", parked)
		}
	}
	reconciler.ReconcileAll(ctx)

	for _, a := range adapters {
		streamSvc.Run(ctx, a)
	}
	reconciler.Start(ctx, time.Minute)
	orch.WatchLimits(ctx)

	squareOff, err := engine.NewSquareOffScheduler(cfg.SquareOffTime, func(ctx context.Context) {
		orch.SquareOff(ctx, "square_off_time")
	})
	if err != nil {
		log.Fatalf("square-off schedule invalid: %v", err)
	}
	squareOff.Start(ctx)

	if !recovered {
		if _, err := orch.StartSession(ctx, ledger.Mode(cfg.Mode)); err != nil {
			log.Fatalf("session start failed: %v", err)
		}
	}

	server := api.NewServer(api.Deps{
		Bus:         bus,
		DB:          database,
		Ledger:      led,
		Orch:        orch,
		Trail:       trail,
		Reconciler:  reconciler,
		Monitor:     monitor,
		Paper:       paper,
		Protection:  protection,
		JWTSecret:   cfg.APISecret,
		OperatorKey: cfg.OperatorKey,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server failed: %v", err)
		}
	}()
	log.Printf("✓ execution core ready (live adapter: %s)", liveID)

	// Graceful shutdown: stop intake, flatten intraday exposure, then give
	// in-flight events a bounded window to land before flushing the trail.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("shutdown signal received")

	orch.Pause()
	if session, ok := led.Session(); ok && session.Mode != ledger.ModeStopped {
		if !risk.AllowOvernightPositions {
			orch.SquareOff(ctx, "shutdown")
		}
		time.Sleep(2 * time.Second)
	}
	cancel()
	streamSvc.Wait()
	if err := trail.Flush(); err != nil {
		log.Printf("audit flush on shutdown: %v", err)
	}
	log.Printf("execution core stopped")
}
