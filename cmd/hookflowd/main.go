// Command hookflowd runs the workflow execution daemon: it claims queued
// runs from the shared store, executes them under renewable leases and fires
// cron schedules.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hookflow/hookflow/internal/actions"
	"github.com/hookflow/hookflow/internal/admission"
	"github.com/hookflow/hookflow/internal/api"
	"github.com/hookflow/hookflow/internal/egress"
	"github.com/hookflow/hookflow/internal/engine"
	"github.com/hookflow/hookflow/internal/events"
	"github.com/hookflow/hookflow/internal/logging"
	"github.com/hookflow/hookflow/internal/mailer"
	"github.com/hookflow/hookflow/internal/runaway"
	"github.com/hookflow/hookflow/internal/secrets"
	"github.com/hookflow/hookflow/internal/store"
	"github.com/hookflow/hookflow/internal/validation"
	"github.com/hookflow/hookflow/internal/worker"
)

func main() {
	// A missing .env file is fine; real environment variables still apply.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env file", "error", err)
	}
	cfg := loadConfig()

	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, nil)))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	st, err := store.NewLibSQLStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	maskList := cfg.Secrets
	if cfg.SMTP.Password != "" {
		maskList = append(maskList, cfg.SMTP.Password)
	}

	registry := actions.NewRegistry()
	for _, ex := range []actions.Executor{
		actions.NewHTTPExecutor(st, logger),
		actions.NewEmailExecutor(mailer.NewSMTPMailer(cfg.SMTP)),
		actions.NewDelayExecutor(),
		actions.NewTransformExecutor(),
	} {
		if err := registry.Register(ex); err != nil {
			return err
		}
	}

	vault, err := buildVault(cfg, st)
	if err != nil {
		return err
	}
	if vault == nil {
		logger.Warn("no vault key configured, {{secrets.*}} templating disabled")
	}

	hub := events.NewMemoryHub()

	eng := engine.New(st, registry, logger, engine.Config{
		Egress: egress.Policy{
			Allow:       cfg.EgressAllow,
			Deny:        cfg.EgressDeny,
			DefaultDeny: cfg.EgressDefaultDeny,
			Production:  cfg.Production,
		},
		Secrets: maskList,
		Vault:   vault,
		Events:  hub,
	})

	validator, err := validation.NewSnapshotValidator()
	if err != nil {
		return err
	}
	guard := runaway.NewGuard(st, cfg.RunawayLimit)
	admitter := admission.New(st, validator, guard, logger)

	w := worker.New(st, eng, logger, worker.Config{
		ID:            cfg.WorkerID,
		Concurrency:   cfg.Concurrency,
		LeaseSeconds:  cfg.LeaseSeconds,
		RetentionDays: cfg.RetentionDays,
		Events:        hub,
	})
	dispatcher := worker.NewDispatcher(st, admitter, logger)

	if err := w.Start(ctx); err != nil {
		return err
	}
	if err := dispatcher.Start(ctx); err != nil {
		_ = w.Stop()
		return err
	}

	var apiSrv *http.Server
	if cfg.APIAddr != "" {
		ops := api.NewServer(api.Deps{
			Store:     st,
			Submitter: admitter,
			Vault:     vault,
			Hub:       hub,
			Logger:    logger,
		})
		apiSrv = &http.Server{Addr: cfg.APIAddr, Handler: ops.Handler()}
		go func() {
			logger.Info("api listening", "addr", cfg.APIAddr)
			if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	logger.Info("hookflowd running",
		"worker_id", w.ID(),
		"production", cfg.Production,
		"actions", registry.Names())

	<-ctx.Done()
	logger.Info("shutting down")

	if apiSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
		cancel()
	}

	if err := dispatcher.Stop(); err != nil {
		logger.Error("dispatcher stop failed", "error", err)
	}
	if err := w.Stop(); err != nil {
		logger.Error("worker stop failed", "error", err)
	}
	return nil
}

// buildVault constructs the secrets vault from either a hex master key or a
// passphrase+salt pair. With neither configured the daemon runs without
// secret resolution.
func buildVault(cfg Config, st *store.LibSQLStore) (secrets.Vault, error) {
	if cfg.VaultMasterKey == "" && cfg.VaultPassphrase == "" {
		return nil, nil
	}
	vcfg := secrets.VaultConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       []byte(cfg.VaultSalt),
	}
	if cfg.VaultMasterKey != "" {
		key, err := hex.DecodeString(cfg.VaultMasterKey)
		if err != nil {
			return nil, errors.New("HOOKFLOW_VAULT_MASTER_KEY must be hex-encoded")
		}
		vcfg.MasterKey = key
	}
	return secrets.NewAESVault(st, vcfg)
}
