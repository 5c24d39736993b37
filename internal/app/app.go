// Package app wires configuration, logging, the cycle pipeline, and the
// HTTP surface into one runnable coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"log/slog"

	"github.com/gorilla/handlers"

	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/config"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/cycle"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/game"
	httpserver "github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/http"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/ingest"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/publish"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/registry"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/retry"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/sched"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/strategy"
)

// Application owns every long-lived component of the coordinator and
// their shutdown order.
type Application struct {
	cfg     config.Config
	logger  *slog.Logger
	logFile *os.File
	server  *http.Server
	health  *httpserver.HealthState
	loop    *sched.Orchestrator
	bridge  *ingest.Bridge
	ledger  *publish.Ledger
}

// New prepares a fully wired coordinator from the supplied
// configuration. It ensures the log directory exists, builds the cycle
// pipeline, and initializes the HTTP router with middleware.
func New(cfg config.Config) (*Application, error) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return nil, errors.New("listen address cannot be empty")
	}
	logPath := filepath.Clean(cfg.LogFilePath)
	if logPath == "" {
		return nil, errors.New("log file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := newLogger(lf)

	clock, err := cycle.NewClock(cfg.CycleInterval, cfg.UploadWindow)
	if err != nil {
		_ = lf.Close()
		return nil, fmt.Errorf("cycle clock init: %w", err)
	}
	store := cycle.NewStore(clock)
	roster := registry.NewRoster()

	invoker, err := game.NewInvoker(game.Config{
		Command:   cfg.EngineCommand,
		Timeout:   cfg.EngineTimeout,
		TimeSlots: cfg.TimeSlots,
	}, logger)
	if err != nil {
		_ = lf.Close()
		return nil, fmt.Errorf("engine invoker init: %w", err)
	}

	strategies, err := strategy.NewMemoryStore(cfg.CycleInterval, logger)
	if err != nil {
		_ = lf.Close()
		return nil, fmt.Errorf("strategy store init: %w", err)
	}

	var ledger *publish.Ledger
	var publisher sched.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		ledger = publish.NewLedger(cfg.KafkaBrokers, cfg.LedgerTopic, logger)
		publisher = ledger
		logger.Info("decision_ledger_enabled",
			slog.String("topic", cfg.LedgerTopic),
			slog.String("brokers", strings.Join(cfg.KafkaBrokers, ",")),
		)
	}

	loop, err := sched.New(sched.Options{
		Clock:     clock,
		Store:     store,
		Invoker:   invoker,
		Gateway:   strategies,
		Roster:    roster,
		Publisher: publisher,
		Logger:    logger,
		Retention: cfg.Retention,
		PersistRetry: retry.Policy{
			Attempts: cfg.PersistAttempts,
			Backoff:  cfg.PersistBackoff,
		},
	})
	if err != nil {
		if ledger != nil {
			_ = ledger.Close()
		}
		_ = lf.Close()
		return nil, fmt.Errorf("orchestrator init: %w", err)
	}

	var bridge *ingest.Bridge
	if cfg.MQTTBroker != "" {
		bridge, err = ingest.NewBridge(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix, store, clock, logger)
		if err != nil {
			if ledger != nil {
				_ = ledger.Close()
			}
			_ = lf.Close()
			return nil, fmt.Errorf("mqtt bridge init: %w", err)
		}
	}

	health := httpserver.NewHealthState()
	router := httpserver.NewRouter(logger, health, roster, clock, store, strategies, loop)
	handler := handlers.LoggingHandler(os.Stdout, router)
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPWriteTimeout,
	}

	return &Application{
		cfg:     cfg,
		logger:  logger,
		logFile: lf,
		server:  server,
		health:  health,
		loop:    loop,
		bridge:  bridge,
		ledger:  ledger,
	}, nil
}

// Logger exposes the configured slog logger so callers (such as main)
// can emit structured logs after initialization.
func (a *Application) Logger() *slog.Logger {
	return a.logger
}

// Run blocks until the context is cancelled or a component terminates
// unexpectedly. It manages readiness probes and graceful shutdown.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.bridge != nil {
		if err := a.bridge.Start(); err != nil {
			return fmt.Errorf("mqtt bridge start: %w", err)
		}
		defer a.bridge.Stop()
	}

	httpCh := make(chan error, 1)
	go func() {
		a.health.SetReady(true)
		a.logger.Info("http_server_listen", slog.String("address", a.cfg.ListenAddress))
		err := a.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpCh <- err
			return
		}
		httpCh <- err
	}()

	loopCh := make(chan error, 1)
	go func() {
		loopCh <- a.loop.Run(ctx)
	}()

	var httpErr error
	var loopErr error

	for {
		select {
		case err := <-httpCh:
			httpErr = err
			httpCh = nil
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http_server_error", slog.Any("err", err))
			} else {
				a.logger.Info("server_closed")
			}
			cancel()
		case err := <-loopCh:
			loopErr = err
			loopCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("cycle_loop_error", slog.Any("err", err))
			} else {
				a.logger.Info("cycle_loop_stopped")
			}
			cancel()
		case <-ctx.Done():
			a.logger.Info("shutdown_signal")
			a.health.SetReady(false)
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				if !errors.Is(err, context.Canceled) {
					a.logger.Error("server_shutdown_failed", slog.Any("err", err))
					if httpErr == nil {
						httpErr = fmt.Errorf("shutdown: %w", err)
					}
				}
			}
			shutdownCancel()

			if httpCh != nil {
				if err := <-httpCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("server_shutdown_error", slog.Any("err", err))
					if httpErr == nil {
						httpErr = err
					}
				}
			}
			if loopCh != nil {
				if err := <-loopCh; err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Error("cycle_loop_shutdown_error", slog.Any("err", err))
					if loopErr == nil {
						loopErr = err
					}
				}
			}

			if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
				return loopErr
			}
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				return httpErr
			}
			a.logger.Info("shutdown_complete")
			return nil
		}
	}
}

// Close flushes and closes resources owned by the application instance.
func (a *Application) Close() error {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			return err
		}
		a.ledger = nil
	}
	if a.logFile == nil {
		return nil
	}
	if err := a.logFile.Close(); err != nil {
		return err
	}
	a.logFile = nil
	return nil
}
