package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/termlink/internal/bridge"
	"github.com/peterje/termlink/internal/config"
	"github.com/peterje/termlink/internal/db"
	"github.com/peterje/termlink/internal/models"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) SendInputBytes(raw []byte) *bridge.Delivery {
	f.sent = append(f.sent, append([]byte(nil), raw...))
	return nil
}

func TestPumpInputStopsAtDetachKey(t *testing.T) {
	s := &fakeSender{}
	err := pumpInput(strings.NewReader("ls\r\x1dignored"), s)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("ls\r")}, s.sent)
}

func TestPumpInputEOF(t *testing.T) {
	s := &fakeSender{}
	err := pumpInput(strings.NewReader("exit\r"), s)
	assert.ErrorContains(t, err, "EOF")
	assert.Equal(t, [][]byte{[]byte("exit\r")}, s.sent)
}

func TestPrintSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printSessions(&out, []models.SessionRecord{
		{ID: "abc", URL: "ws://x/control", LastAttached: now.Add(-2 * time.Hour), LastPhase: "connected", AttachCount: 3},
		{ID: "a-much-longer-id", URL: "ws://y/control", LastAttached: now.Add(-30 * time.Second), AttachCount: 1},
	}, now)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "abc")
	assert.Contains(t, lines[1], "2h ago")
	assert.Contains(t, lines[2], "just now")
	assert.Contains(t, lines[2], " - ")

	out.Reset()
	printSessions(&out, nil, now)
	assert.Contains(t, out.String(), "No sessions")
}

func TestOpenHistoryRunsMigrations(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	database, err := openHistory(cfg)
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, db.RecordAttach(context.Background(), database, "s1", "ws://x", time.Now()))
	sessions, err := db.ListSessions(context.Background(), database)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSessionsCommandJSON(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TERMLINK_DATA_DIR", dir)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"sessions", "--json", "--config", filepath.Join(dir, "absent.yaml")})
	defer rootCmd.SetArgs(nil)
	require.NoError(t, rootCmd.Execute())
	assert.JSONEq(t, `[]`, out.String())
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TERMLINK_URL", "ws://from-env/control")
	t.Setenv("TERMLINK_RETRY_DELAY", "7s")

	var got *config.Config
	probe := &cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			got = cfg
			return err
		},
	}
	rootCmd.AddCommand(probe)
	defer rootCmd.RemoveCommand(probe)

	rootCmd.SetArgs([]string{"probe", "--config", filepath.Join(dir, "absent.yaml"), "--url", "wss://from-flag/control"})
	defer rootCmd.SetArgs(nil)
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "wss://from-flag/control", got.URL)
	assert.Equal(t, 7*time.Second, got.RetryDelay)
}
