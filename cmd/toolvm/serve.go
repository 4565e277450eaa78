package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/freewebtopdf/toolvm/internal/api"
	"github.com/freewebtopdf/toolvm/internal/index"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	var healthCheck bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the package catalog and installation state over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if healthCheck {
				return performHealthCheck(cmd.OutOrStdout(), c.app.cfg.Server.Port)
			}
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&healthCheck, "health-check", false, "query a running server's health endpoint and exit")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	cfg := c.app.cfg

	healthChecker, err := c.app.healthChecker(ctx)
	if err != nil {
		return err
	}

	idx, err := c.app.index(ctx)
	if err != nil {
		return err
	}
	catalog := index.NewSnapshot(idx)
	log.Info().Int("packages", idx.Len()).Msg("Catalog loaded")

	router := api.SetupRouter(api.RouterDependencies{
		Catalog:       catalog,
		Installed:     api.InstalledFunc(c.app.installed),
		HealthChecker: healthChecker,
	}, api.RouterConfig{
		CORSOrigins:    cfg.Server.CORSOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		RateLimitRPS:   100,
		RateLimitBurst: 200,
	})
	defer router.Cleanup()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var syncer *index.Syncer
	if cfg.Sources.SyncInterval > 0 {
		syncer = index.NewSyncer(c.app.indexer, c.app.sources, cfg.Sources.SyncInterval)
		syncer.SetOnSync(func(idx *index.Index) {
			catalog.Swap(idx)
			log.Debug().Int("packages", idx.Len()).Msg("Catalog now served from the regenerated index")
		})
		syncer.Start(sigCtx)
		log.Info().Dur("interval", syncer.Interval()).Msg("Index syncer started")
	}

	done := setupGracefulShutdown(sigCtx, router.App, syncer)

	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info().
		Int("port", cfg.Server.Port).
		Str("addr", serverAddr).
		Msg("Starting HTTP server")

	if err := router.App.Listen(serverAddr); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	<-done
	return nil
}

// setupGracefulShutdown stops the syncer, if any, and app once ctx is done.
// The returned channel is closed when shutdown has finished.
func setupGracefulShutdown(ctx context.Context, app *fiber.App, syncer *index.Syncer) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)
		<-ctx.Done()

		log.Info().Msg("Received shutdown signal, initiating graceful shutdown")

		if syncer != nil {
			log.Info().Msg("Stopping index syncer...")
			syncer.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		log.Info().Msg("Stopping HTTP server...")
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error during HTTP server shutdown")
		}

		log.Info().Msg("Graceful shutdown completed")
	}()

	return done
}

func performHealthCheck(out io.Writer, port int) error {
	client := &http.Client{
		Timeout: 3 * time.Second,
	}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: HTTP %d", resp.StatusCode)
	}

	fmt.Fprintln(out, "Health check passed")
	return nil
}
