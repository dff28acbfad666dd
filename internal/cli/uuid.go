package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/lytics/internal/identity"
)

// UUIDResult is the output of the uuid commands.
type UUIDResult struct {
	UUID string `json:"uuid"`
}

func (r UUIDResult) String() string {
	if r.UUID == "" {
		return "(no device id)"
	}
	return r.UUID
}

// NewUUIDCommand creates the uuid command. Without a subcommand it prints
// the device identifier, generating one when generate_uuid is enabled.
func NewUUIDCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uuid",
		Short: "Print the device identifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUUID(rootOpts, cmd, nil)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <id>",
		Short: "Override the device identifier (empty string clears it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUUID(rootOpts, cmd, &args[0])
		},
	})

	return cmd
}

func runUUID(opts *RootOptions, cmd *cobra.Command, set *string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg, opts.logger(cmd))
	if err != nil {
		return err
	}
	defer st.Close()

	ids := identity.New(st, cfg.GenerateUUID)
	ctx := cmd.Context()
	if set != nil {
		if err := ids.Set(ctx, *set); err != nil {
			return WrapExitError(ExitFailure, "failed to set device id", err)
		}
	}
	id, err := ids.Get(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read device id", err)
	}
	return opts.formatter(cmd).Success(UUIDResult{UUID: id})
}
