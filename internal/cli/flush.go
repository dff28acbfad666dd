package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lytics"
)

// FlushResult is the output of flush.
type FlushResult struct {
	Delivered int64 `json:"delivered"`
	Remaining int64 `json:"remaining"`
}

func (r FlushResult) String() string {
	return fmt.Sprintf("delivered %d records; %d pending", r.Delivered, r.Remaining)
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Send pending records to the collection endpoint",
		Long: `Send every pending record, batch by batch, to {host}/c/{account}.

Exit codes:
  0 - Queue drained
  1 - A send failed; undelivered records stay queued
  2 - Command error (missing account or host, bad config)

Example:
  lytics flush --account acct1 --host collector.example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlush(rootOpts, cmd)
		},
	}
	return cmd
}

func runFlush(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if cfg.AccountID == "" || cfg.Host == "" {
		return NewExitError(ExitCommandError, "account and host are required (--account/--host or config)")
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := lytics.New(
		lytics.WithConfig(cfg),
		lytics.WithTickInterval(0),
		lytics.WithLogger(opts.logger(cmd)),
	)
	if err := tracker.Start(ctx, cfg.AccountID, cfg.Host); err != nil {
		return WrapExitError(ExitCommandError, "failed to start tracker", err)
	}
	defer tracker.Close()

	var delivered int64
	for {
		n, err := tracker.Flush(ctx)
		delivered += n
		if errors.Is(err, lytics.ErrFlushInProgress) {
			out.VerboseLog("flush in progress, retrying")
			select {
			case <-ctx.Done():
				return WrapExitError(ExitFailure, "flush interrupted", ctx.Err())
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("flush failed after %d records", delivered), err)
		}
		break
	}

	return out.Success(FlushResult{Delivered: delivered, Remaining: tracker.QueueSize()})
}
