package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string
	AccountID  string
	Host       string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the lytics CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Execute runs the CLI with os.Args, reports any error in the selected
// format and returns the process exit code.
func Execute() int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	if err := cmd.Execute(); err != nil {
		_ = opts.formatter(cmd).Error(ErrorCode(err), err.Error(), nil)
		return GetExitCode(err)
	}
	return ExitSuccess
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lytics",
		Short: "Inspect and drive a lytics event queue",
		Long: `Operator tool for the lytics analytics queue.

Records events and sessions into the on-disk queue, inspects and clears
it, manages the device identifier and flushes pending records to the
collection endpoint.

Configuration comes from --config (YAML) and LYTICS_* environment
variables; --db, --account and --host override them.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the SQLite queue (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.AccountID, "account", "", "account id (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Host, "host", "", "collection host (overrides config)")

	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewFlushCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewUUIDCommand(opts))
	cmd.AddCommand(NewSettingsCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
