package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/internal/history"
	"github.com/quarryhq/quarry/internal/ingest"
	"github.com/quarryhq/quarry/internal/ui"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage conversation sessions",
		Long: `List or clear conversation sessions.

Sessions keep conversation history so follow-up questions can be
answered in context. Oldest sessions are pruned automatically past the
configured limit.

Examples:
  # List all sessions
  quarry sessions

  # Clear one session's history
  quarry sessions clear debugging`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSessionsList(cmd)
		},
	}

	cmd.AddCommand(newSessionsClearCmd())

	return cmd
}

func newSessionsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear NAME",
		Short: "Delete a session and its turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsClear(cmd, args[0])
		},
	}
}

func runSessionsList(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sessions, err := history.NewStore(ingest.HistoryPath(cfg.DataDir), cfg.History.MaxSessions)
	if err != nil {
		return err
	}
	defer sessions.Close()

	list, err := sessions.ListSessions(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "No sessions. Use 'quarry ask --session NAME' to start one.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTURNS\tLAST USED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%d\t%s\n", s.ID, s.TurnCount, ui.FormatTime(s.UpdatedAt))
	}
	return w.Flush()
}

func runSessionsClear(cmd *cobra.Command, name string) error {
	if err := history.ValidateSessionName(name); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sessions, err := history.NewStore(ingest.HistoryPath(cfg.DataDir), cfg.History.MaxSessions)
	if err != nil {
		return err
	}
	defer sessions.Close()

	if err := sessions.ClearSession(cmd.Context(), name); err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Cleared session %q\n", name)
	return err
}
