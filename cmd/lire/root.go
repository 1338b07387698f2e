package main

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/lire"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	config   string
	logLevel string
	index    string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "lire",
		Short: "Disk-resident approximate nearest-neighbor index",
		Long: `lire manages disk-resident vector indexes that stay balanced under
continuous inserts and deletes.

Vector files hold a little-endian uint32 count, a uint32 dimension and the
float32 values in row order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&g.config, "config", "c", "", "YAML options file")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVarP(&g.index, "index", "i", "", "Index directory")

	cmd.AddCommand(
		newBuildCmd(g),
		newSearchCmd(g),
		newInsertCmd(g),
		newRemoveCmd(g),
		newStatsCmd(g),
		newBackupCmd(g),
		newRestoreCmd(g),
	)
	return cmd
}

// options turns the global flags into index options.
func (g *globalFlags) options() ([]lire.Option, error) {
	opts := lire.DefaultOptions()
	if g.config != "" {
		var err error
		if opts, err = lire.LoadOptions(g.config); err != nil {
			return nil, err
		}
	}
	level, err := parseLevel(g.logLevel)
	if err != nil {
		return nil, err
	}
	return []lire.Option{lire.WithOptions(opts), lire.WithLogLevel(level)}, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, &lire.ConfigurationError{Field: "log-level", Reason: err.Error()}
	}
	return level, nil
}

func (g *globalFlags) requireIndex() error {
	if g.index == "" {
		return &lire.ConfigurationError{Field: "index", Reason: "--index is required"}
	}
	return nil
}
