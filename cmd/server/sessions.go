package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/agentrelay/internal/config"
	"github.com/remote-agent-terminal/agentrelay/internal/db"
	"github.com/remote-agent-terminal/agentrelay/internal/repository"
)

func newSessionsCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		agentType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			agents := cfg.Catalog().Names()
			if agentType != "" {
				if _, err := cfg.Catalog().Lookup(agentType); err != nil {
					return err
				}
				agents = []string{agentType}
			}

			conn, err := db.InitDB(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.CloseDB()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tID\tNAME\tSTATUS\tSTARTED\tMESSAGES\tRESUMABLE")
			for _, name := range agents {
				sessions, err := repository.NewSessionRepository(conn, name).ListSessions(cmd.Context(), limit, 0)
				if err != nil {
					return err
				}
				for _, s := range sessions {
					resumable := "no"
					if s.AgentSessionID != "" {
						resumable = "yes"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
						name, s.ID, s.Name, s.Status, s.StartTime.Local().Format(time.DateTime), s.MessageCount, resumable)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&agentType, "agent", "a", "", "only list sessions of this agent")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "sessions per agent")

	return cmd
}
