package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahmadzakiakmal/supplychain-provenance/server"
	"github.com/ahmadzakiakmal/supplychain-provenance/srvreg"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the supply-chain operations over HTTP",
	Long: `Connect to the ledger, follow the contract's events and serve the
role, item and history operations as a JSON API. The history is mirrored
to PostgreSQL when database.dsn is configured.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, runtimeOptions{mirror: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	serviceRegistry := srvreg.NewServiceRegistry(rt.client, rt.repository, rt.logger)
	serviceRegistry.RegisterDefaultServices()

	webserver := server.NewWebServer(cfg.HTTPPort, serviceRegistry, rt.registry, rt.logger)
	if err := webserver.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	rt.logger.Info("Received shutdown signal, shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := webserver.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error("Error shutting down HTTP web server", "err", err)
	}
	return nil
}
