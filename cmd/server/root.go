package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/remote-agent-terminal/agentrelay/internal/config"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "agentrelay",
		Short:         "Run CLI AI agents and drive them from a browser or phone",
		Long:          "agentrelay starts interactive CLI agents (Claude, Gemini, Cursor, Codex) in a working directory and relays their input and output to connected clients over a WebSocket, keeping every session's history in SQLite.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./agentrelay.toml or ~/.config/agentrelay/agentrelay.toml)")
	rootCmd.PersistentFlags().String("db-path", "", "SQLite database path")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")
	_ = v.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db-path"))
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	load := func() (*config.Config, error) {
		return config.Load(v, configPath)
	}

	serveCmd := newServeCmd(v, load)
	rootCmd.RunE = serveCmd.RunE
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())

	rootCmd.AddCommand(
		serveCmd,
		newSessionsCmd(load),
	)

	return rootCmd
}
