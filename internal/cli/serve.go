package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Docfold-Labs/docfold/internal/config"
	"github.com/Docfold-Labs/docfold/internal/logger"
	"github.com/Docfold-Labs/docfold/internal/server"
)

type serveFlags struct {
	port int
}

// newServeCommand creates the serve subcommand
func newServeCommand() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the docfold HTTP server",
		Long:  `Start an HTTP server that exposes run creation, approval and clarification decisions, and per-run SSE event streams.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, cmd.Flags().Changed("port"))
		},
	}

	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "Port to run the HTTP server on (default from DOCFOLD_HTTP_PORT)")

	return cmd
}

// runServe assembles the run stack, starts the HTTP server, and blocks until
// a shutdown signal or a server failure.
func runServe(ctx context.Context, flags *serveFlags, portSet bool) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.InitializeFromConfig(cfg)

	client, err := newGenerateClient(cfg)
	if err != nil {
		return err
	}
	comps, err := buildComponents(cfg, client)
	if err != nil {
		return err
	}

	// An explicit --port wins, including 0 for an OS-assigned port
	port := cfg.Server.Port
	if portSet {
		port = flags.port
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	srv := server.New(port, server.Deps{
		Store:           comps.store,
		Engine:          comps.engine,
		Relay:           comps.relay,
		Registry:        comps.registry,
		Templates:       comps.templates,
		Logger:          comps.log,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting docfold HTTP server on port %d", port)
		serverErr <- srv.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Infof("Received %s, shutting down", sig)
		cancel()
		err = <-serverErr
	case err = <-serverErr:
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
