package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *sql.DB {
	t.Helper()
	database, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	script, err := os.ReadFile("../../migrations/001_initial.sql")
	require.NoError(t, err)
	require.NoError(t, Migrate(database, string(script)))
	// Migrations must be safe to rerun on every start.
	require.NoError(t, Migrate(database, string(script)))
	return database
}

func TestRecordAttachUpserts(t *testing.T) {
	database := openTest(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, RecordAttach(ctx, database, "s1", "ws://a/control", t0))
	require.NoError(t, RecordAttach(ctx, database, "s1", "ws://b/control", t0.Add(time.Hour)))
	require.NoError(t, RecordAttach(ctx, database, "s2", "ws://a/control", t0.Add(30*time.Minute)))

	sessions, err := ListSessions(ctx, database)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "s1", sessions[0].ID)
	assert.Equal(t, "ws://b/control", sessions[0].URL)
	assert.Equal(t, 2, sessions[0].AttachCount)
	assert.True(t, sessions[0].FirstAttached.Equal(t0))
	assert.True(t, sessions[0].LastAttached.Equal(t0.Add(time.Hour)))

	assert.Equal(t, "s2", sessions[1].ID)
	assert.Equal(t, 1, sessions[1].AttachCount)
}

func TestSetPhase(t *testing.T) {
	database := openTest(t)
	ctx := context.Background()

	require.NoError(t, RecordAttach(ctx, database, "s1", "ws://a/control", time.Now()))
	require.NoError(t, SetPhase(ctx, database, "s1", "disconnected"))
	require.NoError(t, SetPhase(ctx, database, "unknown", "connected"))

	sessions, err := ListSessions(ctx, database)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "disconnected", sessions[0].LastPhase)
}

func TestListSessionsEmpty(t *testing.T) {
	sessions, err := ListSessions(context.Background(), openTest(t))
	require.NoError(t, err)
	assert.NotNil(t, sessions)
	assert.Empty(t, sessions)
}
