package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/riftops/pipeloor/pkg/api"
	"github.com/riftops/pipeloor/pkg/config"
	"github.com/riftops/pipeloor/pkg/tracker"
	"github.com/riftops/pipeloor/pkg/tracker/indexstore"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runs API server",
	Long:  `Serve recorded pipeline runs over HTTP from the run index and tracker log.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	applyConfigLogLevel(cmd, cfg)

	if cfg.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required")
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	tr := tracker.NewTracker(log, cfg.Tracker.Dir)
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("starting tracker: %w", err)
	}

	defer func() {
		if err := tr.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop tracker")
		}
	}()

	var index indexstore.Store

	if cfg.Tracker.Index.Enabled {
		index = indexstore.NewStore(log, &cfg.Tracker.Index)

		if err := index.Start(ctx); err != nil {
			return fmt.Errorf("starting run index: %w", err)
		}

		defer func() {
			if err := index.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop run index")
			}
		}()
	}

	srv := api.NewServer(log, &cfg.API, index, tr)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
