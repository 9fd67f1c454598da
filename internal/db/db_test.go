package db

import (
	"bytes"
	"io/fs"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for i, e := range entries {
		body, err := fs.ReadFile(migrations, "migrations/"+e.Name())
		require.NoError(t, err)
		assert.Contains(t, string(body), "-- +goose Up", e.Name())
		assert.Contains(t, string(body), "-- +goose Down", e.Name())
		if i > 0 {
			assert.Less(t, entries[i-1].Name(), e.Name())
		}
	}
}

func TestMigrationsCoverRepositoryTables(t *testing.T) {
	var all strings.Builder
	entries, err := fs.ReadDir(migrations, "migrations")
	require.NoError(t, err)
	for _, e := range entries {
		body, _ := fs.ReadFile(migrations, "migrations/"+e.Name())
		all.Write(body)
	}
	for _, table := range []string{"accounts", "account_credentials", "campaigns", "campaign_reports", "delivery_log"} {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}

func TestGooseLoggerDoesNotExit(t *testing.T) {
	var buf bytes.Buffer
	l := &gooseLogger{log: slog.New(slog.NewTextHandler(&buf, nil))}

	l.Printf("applied %d", 3)
	l.Fatalf("broken %s", "migration")

	assert.Contains(t, buf.String(), "applied 3")
	assert.Contains(t, buf.String(), "broken migration")
	assert.Contains(t, buf.String(), "level=ERROR")
}
