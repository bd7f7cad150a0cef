package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/quantkit/botcore/internal/advisory"
	"github.com/quantkit/botcore/internal/audit"
	"github.com/quantkit/botcore/internal/config"
	"github.com/quantkit/botcore/internal/execution"
	"github.com/quantkit/botcore/internal/marketdata"
	"github.com/quantkit/botcore/internal/observ"
	"github.com/quantkit/botcore/internal/position"
	"github.com/quantkit/botcore/internal/risk"
	"github.com/quantkit/botcore/internal/scheduler"
	"github.com/quantkit/botcore/internal/strategy"
)

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		observ.Log("config_error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	trail, err := audit.NewTrail(cfg.Audit.TrailPath)
	if err != nil {
		observ.Log("audit_error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	var rec audit.Recorder = trail
	if cfg.Audit.Postgres.Enabled {
		pg, err := audit.NewPGStore(cfg.Audit.Postgres.DSN)
		if err != nil {
			// The mirror is optional; the jsonl trail stays the source
			// of truth, so trading continues without it.
			observ.Log("audit_pg_disabled", map[string]any{"error": err.Error()})
		} else {
			defer pg.Close()
			rec = audit.NewMulti(trail, pg)
		}
	}

	riskState := risk.NewState(cfg.Risk.SnapshotPath, nil)
	if err := riskState.Restore(); err != nil {
		observ.Log("risk_restore_error", map[string]any{"error": err.Error()})
	}
	gate, err := risk.NewGate(riskState, risk.Limits{
		DailyLossCapUSD:         cfg.Risk.DailyLossCapUSD,
		PortfolioExposureCapUSD: cfg.Risk.PortfolioExposureCapUSD,
	})
	if err != nil {
		observ.Log("risk_gate_error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	if cfg.Execution.Mode != "paper" {
		observ.Log("execution_mode_unsupported", map[string]any{"mode": cfg.Execution.Mode})
		os.Exit(1)
	}
	exec := execution.NewPaper(cfg.Execution, time.Now().UnixNano())
	data := marketdata.NewSim(time.Now().UnixNano())

	execTimeout := time.Duration(cfg.Execution.TimeoutMs) * time.Millisecond
	book, err := position.NewBook(riskState, rec, exec, data, execTimeout, nil)
	if err != nil {
		observ.Log("book_error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	advisor := advisory.NewClient(cfg.Advisory, nil)

	var runners []scheduler.Runner
	for _, preset := range cfg.Strategies {
		w, err := strategy.NewWorker(preset, advisor, data, gate, exec, book, rec, cfg.Risk.CapitalBaseUSD, nil)
		if err != nil {
			// Config failure disables this strategy only.
			observ.Log("strategy_disabled", map[string]any{"strategy": preset.Name, "error": err.Error()})
			continue
		}
		runners = append(runners, w)
		observ.Log("strategy_enabled", map[string]any{
			"strategy": preset.Name, "instrument": preset.Instrument,
			"interval_s": preset.ScanIntervalSec,
		})
	}
	if len(runners) == 0 {
		observ.Log("no_strategies", nil)
		os.Exit(1)
	}

	sched, err := scheduler.New(runners...)
	if err != nil {
		observ.Log("scheduler_error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	sched.Start()

	router := mux.NewRouter()
	router.Handle("/metrics", observ.MetricsHandler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	audit.Routes(router, trail)
	router.HandleFunc("/risk/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(riskState.View())
	}).Methods(http.MethodGet)
	router.HandleFunc("/risk/lockout/{strategy}/clear", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["strategy"]
		riskState.ClearLockout(name)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
	router.HandleFunc("/positions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(book.Snapshot())
	}).Methods(http.MethodGet)

	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		observ.Log("http_listening", map[string]any{"addr": cfg.ListenAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observ.Log("http_error", map[string]any{"error": err.Error()})
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	observ.Log("shutdown_begin", nil)

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(drainCtx); err != nil {
		observ.Log("shutdown_drain_error", map[string]any{"error": err.Error()})
	}
	if err := riskState.Persist(); err != nil {
		observ.Log("risk_persist_error", map[string]any{"error": err.Error()})
	}
	shutCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = server.Shutdown(shutCtx)
	observ.Log("shutdown_complete", nil)
}
