// Package cmd implements the CLI subcommands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/synoproxy/synoproxy/internal/api"
	"github.com/synoproxy/synoproxy/internal/brand"
	"github.com/synoproxy/synoproxy/internal/config"
	"github.com/synoproxy/synoproxy/internal/logging"
	"github.com/synoproxy/synoproxy/internal/ratelimit"
	"github.com/synoproxy/synoproxy/internal/rules"
	"github.com/synoproxy/synoproxy/internal/secrets"
	"github.com/synoproxy/synoproxy/internal/syno"
	"github.com/synoproxy/synoproxy/internal/webauth"
)

// RunServe wires the service together and blocks until shutdown.
func RunServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		JSON:   cfg.Log.JSON,
		Output: os.Stderr,
	})
	logging.SetDefault(logger)
	logger.Info("Starting "+brand.Name, "version", brand.Version, "data_dir", cfg.DataDir)

	key, err := secrets.LoadOrGenerateKey(brand.KeyFile())
	if err != nil {
		return fmt.Errorf("failed to initialize encryption key: %w", err)
	}

	nasStore := secrets.NewStore(brand.NasSessionFile(), key)
	webSessStore := secrets.NewStore(brand.WebSessionsFile(), key)

	clientOpts := []syno.ClientOption{syno.WithTimeout(cfg.Synology.Timeout)}
	if cfg.Synology.SkipTLSVerify {
		clientOpts = append(clientOpts, syno.WithInsecureTLS())
	}
	nasClient := syno.NewClient(cfg.Synology.URL, clientOpts...)
	nasSessions := syno.NewSessionManager(nasClient, cfg.Synology, nasStore, logger, nil)
	ruleClient := syno.NewRuleClient(nasClient, nasSessions, logger)
	bulk := rules.NewService(ruleClient, logger)

	web, err := webauth.New(brand.WebAuthFile(), webSessStore, cfg.WebAuth, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize web auth: %w", err)
	}
	if web.SetupRequired() {
		logger.Warn("No web account configured; complete setup via POST /api/auth/setup or set APP_USERNAME/APP_PASSWORD")
	}

	limiter := ratelimit.NewTracker(cfg.RateLimit.MaxAttempts, cfg.RateLimit.Window, nil)
	limiter.StartCleanup(10 * time.Minute)

	server := api.NewServer(api.ServerOptions{
		Config:      cfg,
		Logger:      logger,
		WebAuth:     web,
		NasSessions: nasSessions,
		RuleClient:  ruleClient,
		BulkService: bulk,
		RateLimiter: limiter,
	})
	httpServer := server.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}
