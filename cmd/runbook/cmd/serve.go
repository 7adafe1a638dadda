package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stage0-ops/runbook-api/pkg/config"
	"github.com/stage0-ops/runbook-api/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runbook API server",
	Long: `Start the HTTP API server. Routes:

  GET   /api/runbooks                          list runbooks
  GET   /api/runbooks/{filename}               read a runbook
  GET   /api/runbooks/{filename}/required-env  environment report
  PATCH /api/runbooks/{filename}/validate      validate a runbook
  POST  /api/runbooks/{filename}/execute       execute a runbook`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	srv, err := server.New(log, cfg)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	// Block until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.WithField("signal", sig.String()).Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	return srv.Stop(shutdownCtx)
}
