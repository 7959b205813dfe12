package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/campaignsync/internal/config"
	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/offline"
	"github.com/roach88/campaignsync/internal/store"
	"github.com/roach88/campaignsync/internal/syncerr"
)

// errOfflineOnly is returned if anything tries to replay from a queue
// opened by the queue commands.
var errOfflineOnly = errors.New("queue opened for inspection only")

// QueueOptions holds flags shared by the queue subcommands.
type QueueOptions struct {
	*RootOptions
	ContextFlags
}

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage offline queues",
		Long: `Inspect and manage the offline queues stored in the local database.

Operations that exhausted their attempts or were rejected by the remote
store stay in the failed list until they are retried or discarded. A
retried operation is replayed by the next 'connect'.`,
	}

	cmd.PersistentFlags().StringVar(&opts.User, "user", "", "user id (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Campaign, "campaign", "", "campaign id (overrides config)")

	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueAddCommand(opts))
	cmd.AddCommand(newQueueRetryCommand(opts))
	cmd.AddCommand(newQueueDiscardCommand(opts))
	cmd.AddCommand(newQueueHistoryCommand(opts))

	return cmd
}

// QueueListing is one queue's contents.
type QueueListing struct {
	Key     string              `json:"key"`
	Pending []offline.Operation `json:"pending"`
	Failed  []offline.Operation `json:"failed"`
}

func (l QueueListing) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d pending, %d failed", l.Key, len(l.Pending), len(l.Failed))
	for _, op := range l.Pending {
		fmt.Fprintf(&b, "\n  pending %s", describeOp(op))
	}
	for _, op := range l.Failed {
		fmt.Fprintf(&b, "\n  failed  %s", describeOp(op))
	}
	return b.String()
}

func describeOp(op offline.Operation) string {
	s := fmt.Sprintf("%s %s %s/%s attempts=%d", op.ID, op.Type, op.Collection, op.DocID, op.Attempts)
	if op.LastError != "" {
		s += " error=" + op.LastError
	}
	return s
}

// QueueListResult lists every queue shown by `queue list`.
type QueueListResult struct {
	Queues []QueueListing `json:"queues"`
}

func (r QueueListResult) String() string {
	if len(r.Queues) == 0 {
		return "No queued operations."
	}
	parts := make([]string, len(r.Queues))
	for i, q := range r.Queues {
		parts[i] = q.String()
	}
	return strings.Join(parts, "\n")
}

// queueSession is an open database plus the configuration it came from.
type queueSession struct {
	cfg    config.Config
	store  *store.Store
	logger *slog.Logger
}

func (o *QueueOptions) open(cmd *cobra.Command, requireContext bool) (*queueSession, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	o.apply(&cfg)
	if requireContext {
		if err := cfg.RequireContext(); err != nil {
			return nil, WrapExitError(ExitCommandError, "no sync context", err)
		}
	}
	logger := o.setupLogging(cmd.ErrOrStderr())
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	return &queueSession{cfg: cfg, store: st, logger: logger}, nil
}

func (s *queueSession) close() { closeStore(s.store) }

// inspectOnly backs queues that are never drained.
var inspectOnly = offline.ExecutorFunc(func(ctx context.Context, op offline.Operation) (document.Document, error) {
	return document.Document{}, syncerr.Transient(op.Collection, op.DocID, errOfflineOnly)
})

// queue opens the queue for the configured context.
func (s *queueSession) queue(ctx context.Context) (*offline.Queue, error) {
	q, err := openQueue(ctx, s.store, s.cfg, offline.Key(syncContext(s.cfg).ID()), inspectOnly, s.logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open queue", err)
	}
	return q, nil
}

func newQueueListCommand(opts *QueueOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued and failed operations",
		Long: `List the offline queue of the selected context, or of every context in
the database when no user and campaign are configured.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer s.close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			result := QueueListResult{Queues: []QueueListing{}}
			if s.cfg.RequireContext() == nil {
				q, err := s.queue(ctx)
				if err != nil {
					return err
				}
				state := q.State()
				result.Queues = append(result.Queues, QueueListing{Key: q.Key(), Pending: state.Pending, Failed: state.Failed})
				return opts.formatter(cmd).Success(result)
			}

			keys, err := s.store.Keys(ctx, offline.KeyPrefix)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list queues", err)
			}
			for _, key := range keys {
				listing, err := loadListing(ctx, s, key)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read queue "+key, err)
				}
				result.Queues = append(result.Queues, listing)
			}
			return opts.formatter(cmd).Success(result)
		},
	}
}

func loadListing(ctx context.Context, s *queueSession, key string) (QueueListing, error) {
	q, err := openQueue(ctx, s.store, s.cfg, key, inspectOnly, s.logger)
	if err != nil {
		return QueueListing{}, err
	}
	state := q.State()
	return QueueListing{Key: key, Pending: state.Pending, Failed: state.Failed}, nil
}

// QueueAddOptions holds flags for queue add.
type QueueAddOptions struct {
	*QueueOptions
	Collection string
	DocID      string
	Op         string
	Value      string
}

func newQueueAddCommand(parent *QueueOptions) *cobra.Command {
	opts := &QueueAddOptions{QueueOptions: parent}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue an edit for the next connect",
		Long: `Append an operation to the context's offline queue without contacting the
remote store. The next 'connect' replays it.

Example:
  campaignsync queue add --user u-1 --campaign camp-1 \
    --collection npcs --id npc-1 --op update --value '{"hp": 5}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueAdd(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Collection, "collection", "", "collection name")
	cmd.Flags().StringVar(&opts.DocID, "id", "", "document id")
	cmd.Flags().StringVar(&opts.Op, "op", "update", "operation (create|update|delete)")
	cmd.Flags().StringVar(&opts.Value, "value", "", "document fields as a JSON object")

	return cmd
}

func runQueueAdd(opts *QueueAddOptions, cmd *cobra.Command) error {
	var payload document.Fields
	if opts.Value != "" {
		if err := json.Unmarshal([]byte(opts.Value), &payload); err != nil {
			return WrapExitError(ExitCommandError, "invalid --value", err)
		}
	}

	s, err := opts.open(cmd, true)
	if err != nil {
		return err
	}
	defer s.close()

	q, err := s.queue(context.Background())
	if err != nil {
		return err
	}
	op, err := q.Enqueue(offline.Operation{
		Type:       document.Op(opts.Op),
		Collection: opts.Collection,
		DocID:      opts.DocID,
		Payload:    payload,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid operation", err)
	}
	return opts.formatter(cmd).Success(OperationResult{Action: "queued", Operation: op})
}

// OperationResult reports a single-operation change.
type OperationResult struct {
	Action    string            `json:"action"`
	Operation offline.Operation `json:"operation"`
}

func (r OperationResult) String() string {
	return r.Action + " " + describeOp(r.Operation)
}

func newQueueRetryCommand(opts *QueueOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "retry <op-id>",
		Short:         "Move a failed operation back to the pending list",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeFailed(opts, cmd, args[0], "retried", (*offline.Queue).Retry)
		},
	}
}

func newQueueDiscardCommand(opts *QueueOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "discard <op-id>",
		Short:         "Drop a failed operation",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeFailed(opts, cmd, args[0], "discarded", (*offline.Queue).Discard)
		},
	}
}

func changeFailed(opts *QueueOptions, cmd *cobra.Command, id, action string, change func(*offline.Queue, string) error) error {
	s, err := opts.open(cmd, true)
	if err != nil {
		return err
	}
	defer s.close()

	q, err := s.queue(context.Background())
	if err != nil {
		return err
	}

	var target offline.Operation
	for _, op := range q.State().Failed {
		if op.ID == id {
			target = op
		}
	}
	if err := change(q, id); err != nil {
		out := opts.formatter(cmd)
		if errors.Is(err, offline.ErrNotFound) {
			_ = out.Error(CodeNotFound, fmt.Sprintf("no failed operation %s in %s", id, q.Key()), nil)
			return WrapExitError(ExitFailure, "operation not found", err)
		}
		_ = out.Error(CodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, action+" failed", err)
	}
	return opts.formatter(cmd).Success(OperationResult{Action: action, Operation: target})
}

// QueueHistoryOptions holds flags for queue history.
type QueueHistoryOptions struct {
	*QueueOptions
	After int64
	Limit int
}

// QueueHistory is the lifecycle journal of one queue.
type QueueHistory struct {
	Key     string               `json:"key"`
	Entries []store.JournalEntry `json:"entries"`
}

func (h QueueHistory) String() string {
	if len(h.Entries) == 0 {
		return h.Key + ": no history"
	}
	var b strings.Builder
	b.WriteString(h.Key)
	for _, e := range h.Entries {
		fmt.Fprintf(&b, "\n  %d %s %s %s attempts=%d", e.Seq, e.At.Format(time.RFC3339), e.OpID, e.Event, e.Attempts)
		if e.Detail != "" {
			fmt.Fprintf(&b, " %s", e.Detail)
		}
	}
	return b.String()
}

func newQueueHistoryCommand(parent *QueueOptions) *cobra.Command {
	opts := &QueueHistoryOptions{QueueOptions: parent}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the operation lifecycle journal",
		Long: `Show queue lifecycle events (enqueued, succeeded, requeued, failed,
retried, discarded) for the selected context, oldest first.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd, true)
			if err != nil {
				return err
			}
			defer s.close()

			key := offline.Key(syncContext(s.cfg).ID())
			entries, err := s.store.Journal(context.Background(), key, opts.After, opts.Limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read journal", err)
			}
			if entries == nil {
				entries = []store.JournalEntry{}
			}
			return opts.formatter(cmd).Success(QueueHistory{Key: key, Entries: entries})
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "only entries with a greater sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum entries (0 = all)")

	return cmd
}
