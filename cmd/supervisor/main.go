package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shritish20/volguard-production/internal/adapters"
	"github.com/shritish20/volguard-production/internal/api"
	"github.com/shritish20/volguard-production/internal/config"
	"github.com/shritish20/volguard-production/internal/emergency"
	"github.com/shritish20/volguard-production/internal/journal"
	"github.com/shritish20/volguard-production/internal/marketdata"
	"github.com/shritish20/volguard-production/internal/observ"
	"github.com/shritish20/volguard-production/internal/phase"
	"github.com/shritish20/volguard-production/internal/positions"
	"github.com/shritish20/volguard-production/internal/risk"
	"github.com/shritish20/volguard-production/internal/safety"
	"github.com/shritish20/volguard-production/internal/supervisor"
)

var version = "dev"

func main() {
	var (
		configPath = flag.String("config", "config/config.yaml", "path to config file")
		phaseFlag  = flag.String("phase", "", "override deployment phase: shadow|semi_auto|full_auto")
		listenAddr = flag.String("listen", "", "override admin listen address")
		simMode    = flag.Bool("sim", false, "run against in-process sim collaborators")
	)
	flag.Parse()

	if err := run(*configPath, *phaseFlag, *listenAddr, *simMode); err != nil {
		observ.Error("supervisor_fatal", err, nil)
		os.Exit(1)
	}
}

func run(configPath, phaseOverride, listenOverride string, simMode bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if phaseOverride != "" {
		cfg.Phase.Mode = phaseOverride
	}
	if listenOverride != "" {
		cfg.Admin.ListenAddr = listenOverride
	}

	p, err := phase.Parse(cfg.Phase.Mode)
	if err != nil {
		return err
	}
	observ.SetVersion(version)
	observ.Log("starting", map[string]any{"version": version, "phase": string(p)})

	interval := time.Duration(cfg.Supervisor.CycleIntervalMs) * time.Millisecond
	machine := safety.NewMachine(safety.Config{
		LowQualityHaltAfter:  cfg.Quality.LowQualityHaltAfter,
		MaxConsecutiveFaults: cfg.Supervisor.MaxConsecutiveFaults,
		RecoveryCooldown:     time.Duration(cfg.Supervisor.RecoveryCooldownCyc) * interval,
	})

	gate := marketdata.NewGate(marketdata.GateConfig{
		StaleCutoff:  time.Duration(cfg.Quality.StaleCutoffSecs) * time.Second,
		ExpectedTick: time.Duration(cfg.Quality.ExpectedTickSecs) * time.Second,
		Required:     cfg.Quality.RequiredInstruments,
	})

	governor := risk.NewGovernor(risk.Limits{
		TotalCapital:        cfg.Capital.TotalCapital,
		DailyLossPct:        cfg.Capital.DailyLossPct,
		PositionCapPct:      cfg.Capital.PositionCapPct,
		WorstCasePct:        cfg.Capital.WorstCasePct,
		ConcentrationPct:    cfg.Capital.ConcentrationPct,
		MaxDelta:            cfg.Capital.MaxPortfolioDelta,
		DailyLossWarnAt:     cfg.Capital.DailyLossWarnAt,
		PositionCapWarnAt:   cfg.Capital.PositionCapWarnAt,
		WorstCaseWarnAt:     cfg.Capital.WorstCaseWarnAt,
		ConcentrationWarnAt: cfg.Capital.ConcentrationWarnAt,
	})

	materiality, err := decimal.NewFromString(cfg.Reconciliation.MaterialityQty)
	if err != nil {
		return fmt.Errorf("config: bad materiality_qty %q: %w", cfg.Reconciliation.MaterialityQty, err)
	}
	reconCfg := positions.Config{
		MaterialityQty:        materiality,
		MaxUnresolved:         cfg.Reconciliation.MaxUnresolved,
		MaxUnresolvedNotional: decimal.NewFromFloat(cfg.Reconciliation.MaxUnresolvedNotional),
	}

	store, err := buildJournal(cfg.Journal)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		collab supervisor.Collaborators
		unwind emergency.Unwinder
		feed   *adapters.FeedSource
	)
	if simMode {
		sim := adapters.NewSim()
		collab = supervisor.Collaborators{
			Market:   sim,
			Broker:   sim.PositionSource("broker"),
			Ledger:   sim.PositionSource("ledger"),
			Feed:     sim.PositionSource("feed"),
			Assessor: sim,
		}
		unwind = sim
		observ.Warn("sim_mode", map[string]any{"note": "all collaborators in-process"})
	} else {
		feed = adapters.NewFeedSource(cfg.Feed.URL, time.Duration(cfg.Feed.ReconnectMs)*time.Millisecond)
		collab = supervisor.Collaborators{
			Market:   adapters.NewMarketDataClient(clientConfig("market_data", cfg.MarketData)),
			Broker:   adapters.NewBrokerClient(clientConfig("broker", cfg.Broker)),
			Ledger:   adapters.NewLedgerSource(cfg.Ledger.RedisAddr, cfg.Ledger.RedisDB, cfg.Ledger.KeyPrefix),
			Feed:     feed,
			Assessor: adapters.NewRiskClient(clientConfig("risk_assessor", cfg.RiskAssessor)),
		}
		unwind = adapters.NewExecutionClient(clientConfig("execution", cfg.Execution))
	}

	exec := emergency.NewExecutor(emergency.Config{
		MaxAttempts: cfg.Emergency.MaxAttempts,
		BackoffBase: time.Duration(cfg.Emergency.BackoffBaseMs) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.Emergency.BackoffMaxMs) * time.Millisecond,
	}, unwind, machine)

	approvals := phase.NewApprovalStore(
		time.Duration(cfg.Phase.ApprovalExpirySecs)*time.Second,
		cfg.Phase.ApprovalMaxSpotMovePct,
	)

	loop := supervisor.NewLoop(
		supervisor.Config{
			Interval:         interval,
			Deadline:         time.Duration(cfg.Supervisor.CycleDeadlineMs) * time.Millisecond,
			MinScoreShadow:   cfg.Quality.MinScoreShadow,
			MinScoreSemiAuto: cfg.Quality.MinScoreSemiAuto,
			MinScoreFullAuto: cfg.Quality.MinScoreFullAuto,
			AppendAttempts:   cfg.Journal.AppendAttempts,
			AppendBackoff:    time.Duration(cfg.Journal.AppendBackoffMs) * time.Millisecond,
		},
		p, machine, gate, governor, reconCfg, exec, store, approvals, collab,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if feed != nil {
		feed.Start(ctx)
	}
	preflight(ctx, machine, collab)

	spot := func(ctx context.Context) (float64, error) {
		snap, err := collab.Market.GetSnapshot(ctx)
		if err != nil {
			return 0, err
		}
		return snap.Spot, nil
	}
	admin := api.NewServer(machine, loop, approvals, exec, spot, int(cfg.Admin.RateLimitPerSec))
	httpSrv := &http.Server{Addr: cfg.Admin.ListenAddr, Handler: admin.Router()}
	go func() {
		observ.Log("admin_listening", map[string]any{"addr": cfg.Admin.ListenAddr})
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observ.Error("admin_server_failed", err, nil)
		}
	}()

	err = loop.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)

	if err == context.Canceled {
		return nil
	}
	return err
}

// preflight probes every collaborator once before the first cycle.
// Failures do not stop startup, they start it DEGRADED: the loop recovers
// on its own once the collaborators answer.
func preflight(ctx context.Context, machine *safety.Machine, collab supervisor.Collaborators) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var failed []string
	if _, err := collab.Market.GetSnapshot(pctx); err != nil {
		failed = append(failed, "market_data")
		observ.Error("preflight_probe_failed", err, map[string]any{"collaborator": "market_data"})
	}
	for _, src := range []positions.Source{collab.Broker, collab.Ledger, collab.Feed} {
		if _, err := src.Positions(pctx); err != nil {
			failed = append(failed, src.Name())
			observ.Error("preflight_probe_failed", err, map[string]any{"collaborator": src.Name()})
		}
	}
	if _, err := collab.Assessor.Exposure(pctx); err != nil {
		failed = append(failed, "risk_assessor")
		observ.Error("preflight_probe_failed", err, map[string]any{"collaborator": "risk_assessor"})
	}

	if len(failed) > 0 {
		machine.Degrade(fmt.Sprintf("preflight: %d collaborator probes failed: %v", len(failed), failed))
	}
	observ.Log("preflight_complete", map[string]any{
		"failed": failed, "mode": string(machine.Mode()),
	})
}

func clientConfig(name string, c config.Collaborator) adapters.ClientConfig {
	return adapters.ClientConfig{
		Name:            name,
		BaseURL:         c.BaseURL,
		TimeoutMs:       c.TimeoutMs,
		MaxRetries:      c.MaxRetries,
		BackoffBaseMs:   c.BackoffBaseMs,
		RateLimitPerSec: c.RateLimitPerSec,
	}
}

func buildJournal(cfg config.Journal) (journal.Store, error) {
	file, err := journal.NewFileStore(cfg.Path)
	if err != nil {
		return nil, err
	}
	if cfg.PostgresDSN == "" {
		return file, nil
	}
	pg, err := journal.NewPostgresStore(cfg.PostgresDSN)
	if err != nil {
		// The file journal is the source of truth; a dead database is a
		// warning, not a startup failure.
		observ.Error("journal_postgres_unavailable", err, nil)
		return file, nil
	}
	return journal.NewMultiStore(file, pg), nil
}
