package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/spiral/internal/config"
	"github.com/rendis/spiral/internal/logging"
)

// cli carries the state shared by every subcommand.
type cli struct {
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "spiral",
		Short:         "Workflow automation engine",
		Long:          "spiral runs event, schedule and metric triggered workflows and delivers their lifecycle events to signed webhooks.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.setupConfig(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "Path to config file (yaml, json or toml)")
	root.PersistentFlags().String("log.level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log.format", "json", "Log format: json or text")
	root.PersistentFlags().String("store.db_path", "spiral.db", "Path to the libsql database file")

	registerServeCommand(root, c)
	registerMCPCommand(root, c)
	registerDefineCommand(root, c)
	registerValidateCommand(root, c)
	registerTriggerCommand(root, c)
	registerMaintainCommand(root, c)
	registerVersionCommand(root)
	return root
}

// setupConfig loads defaults, the config file, SPIRAL_* env vars and flags.
func (c *cli) setupConfig(cmd *cobra.Command) error {
	cfg, err := config.Load(viper.New(), c.configFile, cmd.Flags())
	if err != nil {
		return err
	}
	c.cfg = cfg
	// Logs go to stderr: stdout belongs to command output and the MCP transport.
	c.logger = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(c.logger)
	return nil
}
