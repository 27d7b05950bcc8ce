package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"datamarket/config"
	"datamarket/core/events"
	"datamarket/core/state"
	"datamarket/indexer"
	"datamarket/native/market"
	"datamarket/observability"
	"datamarket/observability/logging"
	"datamarket/storage"
)

func main() {
	configPath := flag.String("config", "marketd.toml", "path to the marketd configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup("marketd", cfg.Environment, logging.RotationConfig{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})

	if err := run(cfg, log); err != nil {
		log.Error("marketd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	manager := state.NewManager(db)
	engine := market.NewEngine()
	engine.SetState(manager)
	engine.SetMetrics(observability.Ledger())

	emitters := events.Fanout{&logEmitter{log: log}, &gaugeEmitter{engine: engine}}
	if cfg.IndexDBPath != "" {
		snapDB, err := indexer.Open(cfg.IndexDBPath)
		if err != nil {
			return fmt.Errorf("open index database: %w", err)
		}
		ix, err := indexer.New(snapDB, log)
		if err != nil {
			return fmt.Errorf("migrate index database: %w", err)
		}
		emitters = append(emitters, ix)
	}
	engine.SetEmitter(emitters)

	if err := bootstrap(cfg, engine, log); err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listener started", "address", cfg.MetricsAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("metrics listener: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// bootstrap installs the access control record on a fresh ledger and applies
// the configured admin settings. An already-bootstrapped ledger is left as-is;
// runtime changes go through the administrative operations.
func bootstrap(cfg *config.Config, engine *market.Engine, log *slog.Logger) error {
	owner, err := cfg.OwnerAddress()
	if err != nil {
		return err
	}
	if err := engine.Bootstrap(owner); err != nil {
		if errors.Is(err, market.ErrInvalidState) {
			return nil
		}
		return fmt.Errorf("bootstrap ledger: %w", err)
	}
	log.Info("ledger bootstrapped", "owner", cfg.Owner)

	verifier, err := cfg.VerifierAddress()
	if err != nil {
		return err
	}
	if verifier != ([20]byte{}) {
		if err := engine.SetVerifier(verifier, owner); err != nil {
			return fmt.Errorf("configure verifier: %w", err)
		}
	}
	if cfg.WhitelistEnabled {
		if err := engine.SetWhitelistEnabled(true, owner); err != nil {
			return fmt.Errorf("enable whitelist: %w", err)
		}
	}
	if cfg.ModelRegistryEnabled {
		if err := engine.SetModelRegistryEnabled(true, owner); err != nil {
			return fmt.Errorf("enable model registry: %w", err)
		}
	}
	if cfg.AllowModelSelfVerify {
		if err := engine.SetAllowModelSelfVerify(true, owner); err != nil {
			return fmt.Errorf("enable model self-verify: %w", err)
		}
	}
	return nil
}

// logEmitter mirrors every ledger event into the structured log.
type logEmitter struct {
	log *slog.Logger
}

func (l *logEmitter) Emit(evt events.Event) {
	if l == nil || l.log == nil || evt == nil {
		return
	}
	l.log.Info("ledger event", "type", evt.EventType())
}

// gaugeEmitter refreshes the escrowed-funds gauge after every committed
// operation. Reads go straight to committed state and take no lock.
type gaugeEmitter struct {
	engine *market.Engine
}

func (g *gaugeEmitter) Emit(events.Event) {
	if g == nil || g.engine == nil {
		return
	}
	total, err := g.engine.TotalEscrowed()
	if err != nil {
		return
	}
	value, _ := new(big.Float).SetInt(total).Float64()
	observability.Ledger().SetEscrowed(value)
}
