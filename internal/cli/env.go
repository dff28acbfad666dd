package cli

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lytics/internal/config"
	"github.com/roach88/lytics/internal/store"
)

// loadConfig reads --config and the environment, then applies flag
// overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.DBPath = o.Database
	}
	if o.AccountID != "" {
		cfg.AccountID = o.AccountID
	}
	if o.Host != "" {
		cfg.Host = o.Host
	}
	return cfg, nil
}

// logger writes structured logs to stderr, at debug level with --verbose.
func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openStore opens the queue named by cfg.
func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.DBPath, store.WithCap(cfg.QueueCap), store.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open queue", err)
	}
	return st, nil
}

// parseParams turns key=value flags into event parameters. Values that
// parse as true/false, an integer or a float keep that type; everything
// else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", pair)
		}
		params[key] = parseValue(value)
	}
	return params, nil
}

func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
