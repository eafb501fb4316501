package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/peterje/termlink/internal/db"
	"github.com/peterje/termlink/internal/models"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)

func sessionsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List previously attached sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			history, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer history.Close()

			sessions, err := db.ListSessions(cmd.Context(), history)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}
			printSessions(cmd.OutOrStdout(), sessions, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printSessions(w io.Writer, sessions []models.SessionRecord, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions attached yet.")
		return
	}

	idWidth := len("SESSION")
	for _, s := range sessions {
		idWidth = max(idWidth, len(s.ID))
	}

	row := func(id, phase, attaches, last, url string) string {
		return fmt.Sprintf("%-*s  %-12s  %8s  %-10s  %s", idWidth, id, phase, attaches, last, url)
	}
	fmt.Fprintln(w, headerStyle.Render(row("SESSION", "PHASE", "ATTACHES", "LAST", "URL")))
	for _, s := range sessions {
		phase := s.LastPhase
		if phase == "" {
			phase = "-"
		}
		fmt.Fprintln(w, row(s.ID, phase, fmt.Sprint(s.AttachCount), ago(now.Sub(s.LastAttached)), s.URL))
	}
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
