package cli

import (
	"context"
	"log/slog"

	"github.com/roach88/campaignsync/internal/config"
	"github.com/roach88/campaignsync/internal/offline"
	"github.com/roach88/campaignsync/internal/realtime"
	"github.com/roach88/campaignsync/internal/store"
)

// ContextFlags select the sync context for commands that need one.
type ContextFlags struct {
	User     string
	Campaign string
}

// apply overrides the configured context with non-empty flags.
func (f ContextFlags) apply(cfg *config.Config) {
	if f.User != "" {
		cfg.UserID = f.User
	}
	if f.Campaign != "" {
		cfg.CampaignID = f.Campaign
	}
}

func syncContext(cfg config.Config) realtime.Context {
	return realtime.Context{UserID: cfg.UserID, CampaignID: cfg.CampaignID}
}

func openStore(cfg config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// openQueue opens the offline queue stored under key with the configured
// replay policy. The store doubles as the lifecycle journal.
func openQueue(ctx context.Context, st *store.Store, cfg config.Config, key string, exec offline.Executor, logger *slog.Logger) (*offline.Queue, error) {
	return offline.Open(ctx, st, key, exec,
		offline.WithMaxAttempts(cfg.Queue.MaxAttempts),
		offline.WithConcurrency(cfg.Queue.Concurrency),
		offline.WithBackoff(cfg.Queue.BackoffMin, cfg.Queue.BackoffMax),
		offline.WithJournal(st),
		offline.WithLogger(logger),
	)
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
