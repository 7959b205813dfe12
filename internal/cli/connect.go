package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/campaignsync/internal/auth"
	"github.com/roach88/campaignsync/internal/connection"
	"github.com/roach88/campaignsync/internal/offline"
	"github.com/roach88/campaignsync/internal/realtime"
	"github.com/roach88/campaignsync/internal/remote"
	"github.com/roach88/campaignsync/internal/telemetry"
)

const settlePoll = 50 * time.Millisecond

// ConnectOptions holds flags for the connect command.
type ConnectOptions struct {
	*RootOptions
	ContextFlags

	// Once exits after the first time the context is active with no
	// outstanding work.
	Once    bool
	Timeout time.Duration
}

// NewConnectCommand creates the connect command.
func NewConnectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConnectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Sync a campaign context with the remote store",
		Long: `Open a sync context for one user and campaign against the remote store.

The command subscribes to the configured collections, replays any queued
offline edits in order, and prints sync notices until interrupted. Snapshot
notices are printed only with --verbose.

With --once the command exits as soon as the context is active and has no
queued or in-flight writes.

Exit codes:
  0 - Stopped cleanly (or settled, with --once)
  1 - Did not settle before --timeout
  2 - Command error (missing context, bad config, database unreadable)

Examples:
  campaignsync connect --user u-1 --campaign camp-1
  campaignsync connect --once --timeout 10s --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user id (overrides config)")
	cmd.Flags().StringVar(&opts.Campaign, "campaign", "", "campaign id (overrides config)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "exit once synced")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long --once waits to settle")

	return cmd
}

func runConnect(opts *ConnectOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.apply(&cfg)
	if err := cfg.RequireContext(); err != nil {
		return WrapExitError(ExitCommandError, "no sync context", err)
	}

	logger := opts.setupLogging(cmd.ErrOrStderr())
	out := opts.formatter(cmd)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
		Endpoint: cfg.Telemetry.Endpoint,
		Disabled: cfg.Telemetry.Disabled,
	})
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
	}
	defer shutdown(shutdownTelemetry)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	monitor := connection.New(
		connection.WithDebounce(cfg.Connection.Debounce),
		connection.WithLogger(logger),
	)
	defer monitor.Close()

	client := remote.NewClient(cfg.RemoteURL,
		remote.WithLogger(logger),
		remote.WithRequestTimeout(cfg.Sync.WriteTimeout),
		remote.WithSessionObserver(monitor.SetConnected),
	)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		_ = client.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		_ = monitor.Run(ctx, connection.PingProber{Pinger: client}, cfg.Connection.ProbeInterval)
	}()
	defer workers.Wait()
	defer cancel()

	var outMu sync.Mutex
	emit := func(line NoticeLine) {
		outMu.Lock()
		defer outMu.Unlock()
		_ = out.Success(line)
	}

	session := auth.NewLoggedIn(cfg.UserID)
	registry := realtime.NewRegistry(ctx, func(ctx context.Context, c realtime.Context) (*realtime.Coordinator, error) {
		q, err := openQueue(ctx, st, cfg, offline.Key(c.ID()), offline.RemoteExecutor{Adapter: client}, logger)
		if err != nil {
			return nil, err
		}
		return realtime.New(realtime.Config{
			Context:     c,
			Remote:      client,
			Queue:       q,
			Connection:  monitor,
			Auth:        session,
			Collections: realtime.CampaignCollections(c, cfg.Collections...),
		},
			realtime.WithLogger(logger),
			realtime.WithSweepInterval(cfg.Sync.SweepInterval),
			realtime.WithMetricsInterval(cfg.Sync.MetricsInterval),
			realtime.WithConfirmTimeout(cfg.Sync.ConfirmTimeout),
			realtime.WithWriteTimeout(cfg.Sync.WriteTimeout),
			realtime.WithObserver(func(n realtime.Notice) {
				if n.Kind == realtime.NoticeSnapshot && !opts.Verbose {
					return
				}
				emit(NewNoticeLine(n))
			}),
		)
	}, logger)

	syncCtx := syncContext(cfg)
	coord, err := registry.Open(ctx, syncCtx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open sync context", err)
	}
	logger.Info("sync context opened", "context", syncCtx.ID(), "remote", cfg.RemoteURL)

	var settled *realtime.Status
	var waitErr error
	if opts.Once {
		settled, waitErr = waitSettled(ctx, coord, opts.Timeout)
		closeCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := registry.CloseAll(closeCtx); err != nil {
			logger.Warn("sync context did not stop", "error", err)
		}
	}
	<-coord.Done()

	if waitErr != nil {
		_ = out.Error(CodeSync, "sync did not settle", waitErr.Error())
		return WrapExitError(ExitFailure, "sync did not settle", waitErr)
	}
	if settled != nil {
		outMu.Lock()
		defer outMu.Unlock()
		return out.Success(settledSummary(syncCtx, *settled))
	}
	return nil
}

// waitSettled polls until the coordinator is active, connected and idle.
func waitSettled(ctx context.Context, coord *realtime.Coordinator, timeout time.Duration) (*realtime.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		st, err := coord.Status(ctx)
		if err != nil {
			return nil, err
		}
		if st.State == realtime.StateTornDown {
			return nil, fmt.Errorf("context torn down")
		}
		if st.State == realtime.StateActive && st.Connected && st.Idle() {
			return &st, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("state %s after %s: %w", st.State, timeout, ctx.Err())
		case <-ticker.C:
		case <-coord.Done():
			return nil, fmt.Errorf("coordinator stopped")
		}
	}
}

// SyncSummary is printed by connect --once.
type SyncSummary struct {
	Context string           `json:"context"`
	State   string           `json:"state"`
	Metrics realtime.Metrics `json:"metrics"`
}

func (s SyncSummary) String() string {
	m := s.Metrics
	return fmt.Sprintf("%s %s: %d pending, %d errored, %d queued, %d failed operations",
		s.Context, s.State, m.PendingUpdates, m.ErroredUpdates, m.QueuedOperations, m.FailedOperations)
}

func settledSummary(c realtime.Context, st realtime.Status) SyncSummary {
	return SyncSummary{Context: c.ID(), State: st.State.String(), Metrics: st.Metrics}
}
