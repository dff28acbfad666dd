package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lytics/internal/event"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the pending record queue",
	}
	cmd.AddCommand(newQueueSizeCommand(rootOpts))
	cmd.AddCommand(newQueuePeekCommand(rootOpts))
	cmd.AddCommand(newQueueClearCommand(rootOpts))
	return cmd
}

// QueueStatus is the output of queue size and queue clear.
type QueueStatus struct {
	Pending int64 `json:"pending"`
	LastSeq int64 `json:"last_seq"`
	Removed int64 `json:"removed,omitempty"`
}

func (s QueueStatus) String() string {
	if s.Removed > 0 {
		return fmt.Sprintf("removed %d records; %d pending (last seq %d)", s.Removed, s.Pending, s.LastSeq)
	}
	return fmt.Sprintf("%d pending (last seq %d)", s.Pending, s.LastSeq)
}

// RecordView is one queued record as printed by queue peek.
type RecordView struct {
	Seq             int64            `json:"seq"`
	Kind            string           `json:"kind"`
	Key             string           `json:"key"`
	Categories      []string         `json:"categories"`
	Parameters      event.Parameters `json:"parameters"`
	Timestamp       time.Time        `json:"timestamp"`
	SessionDuration string           `json:"session_duration,omitempty"`
}

// RecordList prints one record per line in text mode.
type RecordList []RecordView

func (l RecordList) String() string {
	if len(l) == 0 {
		return "queue is empty"
	}
	var b strings.Builder
	for i, r := range l {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%6d  %-11s  %-24s  %s  %s",
			r.Seq, r.Kind, r.Key, strings.Join(r.Categories, ","), r.Timestamp.Format(time.RFC3339))
		if r.SessionDuration != "" {
			fmt.Fprintf(&b, "  duration=%s", r.SessionDuration)
		}
	}
	return b.String()
}

func newQueueSizeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "size",
		Short: "Print the number of pending records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, opts.logger(cmd))
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			size, err := st.Size(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read queue size", err)
			}
			last, err := st.LastSeq(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read last seq", err)
			}
			return opts.formatter(cmd).Success(QueueStatus{Pending: size, LastSeq: last})
		},
	}
}

func newQueuePeekCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "peek",
		Short: "List the oldest pending records without removing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, opts.logger(cmd))
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.PeekBatch(cmd.Context(), limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read queue", err)
			}

			list := make(RecordList, 0, len(records))
			for _, r := range records {
				v := RecordView{
					Seq:        r.Seq,
					Kind:       string(r.Kind),
					Key:        r.Key,
					Categories: r.Categories,
					Parameters: r.Parameters,
					Timestamp:  r.Timestamp,
				}
				if r.IsSessionEnd() {
					v.SessionDuration = r.SessionDuration.String()
				}
				list = append(list, v)
			}
			return opts.formatter(cmd).Success(list)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records to list (0 for all)")
	return cmd
}

func newQueueClearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard every pending record",
		Long: `Discard every pending record without sending it. Sequence numbers are
not reused afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, opts.logger(cmd))
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			last, err := st.LastSeq(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read last seq", err)
			}
			removed, err := st.Acknowledge(ctx, last)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to clear queue", err)
			}
			return opts.formatter(cmd).Success(QueueStatus{Pending: 0, LastSeq: last, Removed: removed})
		},
	}
}
