package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0001.up.sql")
	sql := "CREATE TABLE IF NOT EXISTS ems_requests (id TEXT);\ncreate table if not exists ems_request_events (id BIGSERIAL);\nCREATE INDEX IF NOT EXISTS ix ON ems_requests (id);\n"
	require.NoError(t, os.WriteFile(path, []byte(sql), 0o600))

	tables, err := extractTables(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ems_requests", "ems_request_events"}, tables)
}

func TestExtractTablesFromRepoMigration(t *testing.T) {
	tables, err := extractTables("../../migrations/0001_init.up.sql")
	require.NoError(t, err)
	assert.Contains(t, tables, "ems_requests")
	assert.Contains(t, tables, "ems_request_events")
}
