package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/campaignsync/internal/remote"
	"github.com/roach88/campaignsync/internal/telemetry"
)

// SyncPath is the websocket endpoint served by `serve`.
const SyncPath = "/sync"

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// ready, when set, receives the bound address once listening (tests).
	ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory remote store over websocket",
		Long: `Serve an in-memory document store at ws://<listen>/sync.

The store speaks the same frame protocol that 'connect' uses, so it can
stand in for the hosted backend during development. Documents are lost
when the process exits.

Example:
  campaignsync serve --listen 127.0.0.1:8740`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "address to bind (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	logger := opts.setupLogging(cmd.ErrOrStderr())

	ctx, cancel := signalContext(cmd)
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: telemetry.ServiceName + "-serve",
		Endpoint:    cfg.Telemetry.Endpoint,
		Disabled:    cfg.Telemetry.Disabled,
	})
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
	}
	defer shutdown(shutdownTelemetry)

	mux := http.NewServeMux()
	mux.Handle(SyncPath, remote.NewServer(remote.NewMemory(), logger))

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	addr := ln.Addr().String()
	logger.Info("remote store listening", "addr", addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving ws://%s%s\n", addr, SyncPath)
	if opts.ready != nil {
		opts.ready(addr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}
	logger.Info("remote store stopped")
	return nil
}

func shutdown(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
}
