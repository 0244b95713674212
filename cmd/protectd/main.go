// Command protectd bridges Nest Protect smoke/CO alarms and Nest temperature
// sensors into Home Assistant via MQTT discovery, with a local HTTP API for
// status, control and re-authentication.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Jastroger/ha-nest-protect/internal/config"
	"github.com/Jastroger/ha-nest-protect/internal/core/auth"
	"github.com/Jastroger/ha-nest-protect/internal/core/observe"
	"github.com/Jastroger/ha-nest-protect/internal/core/state"
	"github.com/Jastroger/ha-nest-protect/internal/core/transport"
	"github.com/Jastroger/ha-nest-protect/internal/httpapi"
	"github.com/Jastroger/ha-nest-protect/internal/logging"
	"golang.org/x/time/rate"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "protectd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := logging.New(cfg.Log, version)
	log.Info("starting protectd", "environment", cfg.Nest.Environment, "entry_id", cfg.Nest.EntryID)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	env := auth.Environment(cfg.Nest.Environment)

	var store auth.TokenStore
	if cfg.Store.Path != "" {
		sqliteStore, err := auth.OpenSQLiteStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer sqliteStore.Close()
		store = sqliteStore
	}

	oauthClient := auth.NewClient(auth.ClientConfig{
		ClientID:     cfg.Nest.ClientID,
		ClientSecret: cfg.Nest.ClientSecret,
		Environment:  env,
		Timeout:      cfg.Sync.RefreshTimeout(),
	}, log.With("component", "auth"))

	tokenMgr := auth.NewTokenManager(oauthClient, store, cfg.Nest.EntryID, log.With("component", "auth"))
	if err := tokenMgr.Load(ctx, cfg.Nest.RefreshToken); err != nil {
		if !errors.Is(err, auth.ErrNoCredential) {
			return err
		}
		// No credential yet: start parked; the HTTP re-auth flow installs
		// one and wakes the synchronizer.
		log.Warn("no credential available, waiting for authentication via /api/auth/code")
	}

	bus := state.NewEventBus(log.With("component", "bus"))
	cache := state.NewCache(log.With("component", "cache"))

	api := transport.NewClient(env.APIHost(), tokenMgr, log.With("component", "transport"))
	dialer := transport.NewCloudDialer(cfg.Sync.IdleTimeout(), log.With("component", "transport"))

	sync := observe.New(api, dialer, tokenMgr, cache, bus, observe.Config{
		BackoffBase: cfg.Sync.BackoffBase(),
		BackoffMax:  cfg.Sync.BackoffMax(),
		IdleTimeout: cfg.Sync.IdleTimeout(),
		WriteLimit:  rate.Limit(float64(cfg.Sync.WritesPerMinute) / 60),
		WriteBurst:  cfg.Sync.WriteBurst,
	}, log.With("component", "observe"))

	if err := sync.Start(ctx); err != nil {
		return err
	}

	publisher := newPublisher(cfg, sync, cache, bus, log)
	if err := publisher.Start(ctx); err != nil {
		return err
	}

	apiServer := httpapi.NewServer(sync, cache, tokenMgr, oauthClient, cfg.Nest.RedirectURI, cfg.HTTP.CORSAll, log.With("component", "httpapi"))
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: apiServer.Handler(),
	}

	httpErr := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-httpErr:
		log.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	httpServer.Shutdown(shutdownCtx) //nolint:errcheck
	publisher.Stop(shutdownCtx)      //nolint:errcheck
	sync.Stop(shutdownCtx)           //nolint:errcheck

	log.Info("protectd stopped")
	return nil
}
