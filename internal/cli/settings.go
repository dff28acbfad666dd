package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lytics/internal/event"
	"github.com/roach88/lytics/internal/settings"
)

// SettingsOptions holds flags for the settings command.
type SettingsOptions struct {
	*RootOptions
	File string
}

// CategoryDefaults is one category with the defaults a record in it
// receives, "all" layer included.
type CategoryDefaults struct {
	Name     string           `json:"name"`
	Defaults event.Parameters `json:"defaults"`
}

// CategoryList prints one category per line in text mode.
type CategoryList []CategoryDefaults

func (l CategoryList) String() string {
	if len(l) == 0 {
		return "no categories configured"
	}
	var b strings.Builder
	for i, c := range l {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.Name)
		for _, k := range c.Defaults.SortedKeys() {
			fmt.Fprintf(&b, "  %s=%v", k, c.Defaults[k])
		}
	}
	return b.String()
}

// NewSettingsCommand creates the settings command.
func NewSettingsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SettingsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "List configured categories and their default parameters",
		Long: `List every category in the settings file with the defaults merged
into records of that category.

Examples:
  lytics settings --config lytics.yaml
  lytics settings --file settings.cue --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettings(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "settings file (overrides settings_file from config)")

	return cmd
}

func runSettings(opts *SettingsOptions, cmd *cobra.Command) error {
	path := opts.File
	if path == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		path = cfg.SettingsFile
	}

	provider, err := settings.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load settings", err)
	}

	list := CategoryList{}
	for _, name := range provider.Categories() {
		defaults, err := event.Merge(provider.Defaults([]string{name})...)
		if err != nil {
			return WrapExitError(ExitFailure, "invalid settings", err)
		}
		list = append(list, CategoryDefaults{Name: name, Defaults: defaults})
	}
	return opts.formatter(cmd).Success(list)
}
