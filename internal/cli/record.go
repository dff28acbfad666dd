package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lytics/internal/recorder"
	"github.com/roach88/lytics/internal/session"
	"github.com/roach88/lytics/internal/settings"
)

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	*RootOptions
	Categories []string
	Params     []string
}

// RecordResult is the output of record and session.
type RecordResult struct {
	Seq        int64    `json:"seq"`
	Kind       string   `json:"kind"`
	Key        string   `json:"key"`
	Categories []string `json:"categories"`
	QueueSize  int64    `json:"queue_size"`
}

func (r RecordResult) String() string {
	return fmt.Sprintf("queued %s %q (seq %d, categories %s); %d pending",
		r.Kind, r.Key, r.Seq, strings.Join(r.Categories, ","), r.QueueSize)
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record <key>",
		Short: "Append an event to the queue",
		Long: `Append a named event to the queue without sending it.

Category defaults from the configured settings file are merged under the
given parameters.

Examples:
  lytics record purchase -c commerce -p amount=9.99 -p currency=USD
  lytics record app_open --db ./lytics.db --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Categories, "category", "c", nil, "event category (repeatable)")
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "parameter as key=value (repeatable)")

	return cmd
}

func runRecord(opts *RecordOptions, key string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	params, err := parseParams(opts.Params)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --param", err)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.logger(cmd)

	provider, err := settings.Load(cfg.SettingsFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load settings", err)
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	rec, err := recorder.New(st, recorder.WithSettings(provider), recorder.WithLogger(logger)).
		Record(ctx, key, opts.Categories, params)
	if err != nil {
		return WrapExitError(ExitFailure, "event dropped", err)
	}

	size, err := st.Size(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read queue size", err)
	}
	out.VerboseLog("queue %s", cfg.DBPath)

	return out.Success(RecordResult{
		Seq:        rec.Seq,
		Kind:       string(rec.Kind),
		Key:        rec.Key,
		Categories: rec.Categories,
		QueueSize:  size,
	})
}

// SessionOptions holds flags for the session command.
type SessionOptions struct {
	*RootOptions
	Duration time.Duration
}

// NewSessionCommand creates the session command.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Append a finished session to the queue",
		Long: `Append a session_end record for a session that ended now and lasted
--duration.

Example:
  lytics session --duration 90s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "active session duration (required)")
	_ = cmd.MarkFlagRequired("duration")

	return cmd
}

func runSession(opts *SessionOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	if opts.Duration < 0 {
		return NewExitError(ExitCommandError, "--duration must not be negative")
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.logger(cmd)

	provider, err := settings.Load(cfg.SettingsFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load settings", err)
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	end := time.Now()
	ctx := cmd.Context()
	rec, err := recorder.New(st, recorder.WithSettings(provider), recorder.WithLogger(logger)).
		RecordSessionEnd(ctx, session.Summary{
			Start:    end.Add(-opts.Duration),
			End:      end,
			Duration: opts.Duration,
		})
	if err != nil {
		return WrapExitError(ExitFailure, "session dropped", err)
	}

	size, err := st.Size(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read queue size", err)
	}

	return out.Success(RecordResult{
		Seq:        rec.Seq,
		Kind:       string(rec.Kind),
		Key:        rec.Key,
		Categories: rec.Categories,
		QueueSize:  size,
	})
}
