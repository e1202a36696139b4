package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/version"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	LogLevel   string // Overrides logging.level when set
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "livesync",
		Short:         "Realtime change streaming with optimistic local state",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "configs/livesync.local.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logging.level (debug|info|warn|error)")

	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newTasksCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// setup loads the config and builds the process logger.
func (o *rootOptions) setup(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadAndValidate(o.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}

	logger, err := newLogger(cfg.Logging, w)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"config", o.ConfigPath,
		"instance_id", cfg.Instance.ID,
		"realtime_url", cfg.Realtime.URL,
		"version", version.Version,
		"commit", version.Commit,
	)
	return cfg, logger, nil
}

func newVersionCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
