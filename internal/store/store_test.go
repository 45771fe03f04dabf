package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesHistoryTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canary.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, path)
	for _, table := range []string{"runs", "stage_results", "cleanup_steps"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestOpen_ReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canary.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.WriteRun(context.Background(), createTestRun("run-1", t0, "connect")))
	require.NoError(t, s.Close())

	for range 3 {
		s, err = Open(path)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.ListRuns(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "reopening never drops or duplicates runs")
}

func TestOpen_MissingDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "canary.db"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "open history")
}

func TestClose_Unopened(t *testing.T) {
	assert.NoError(t, (&Store{}).Close())
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	for _, p := range pragmas {
		got, err := s.pragmaValue(p.name)
		require.NoError(t, err)
		assert.Equal(t, p.reads, got, p.name)
	}
}

func TestSchema_Columns(t *testing.T) {
	s := createTestStore(t)

	tests := map[string][]string{
		"runs": {
			"run_id", "network", "profile", "target", "started_at", "duration_ms",
			"passed", "truncated", "failure", "cleanup_reason", "cleanup_failed",
		},
		"stage_results": {"run_id", "seq", "stage_id", "status", "duration_ms", "error"},
		"cleanup_steps": {"run_id", "position", "name", "status", "error"},
	}
	for table, want := range tests {
		t.Run(table, func(t *testing.T) {
			assert.Subset(t, tableColumns(t, s.db, table), want)
		})
	}
}

func TestSchema_StageResultNeedsRun(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`INSERT INTO stage_results (run_id, seq, stage_id, status, duration_ms)
		VALUES ('unknown-run', 1, 'connect', 'passed', 0)`)

	assert.Error(t, err, "foreign keys are enforced")
}

func TestMigrate_FreshDatabaseIsCurrent(t *testing.T) {
	s := createTestStore(t)

	got, err := s.pragmaValue("user_version")
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, mustAtoi(t, got))
}

func TestMigrate_UpgradesOlderHistory(t *testing.T) {
	for _, from := range []int{0, 1} {
		t.Run(fmt.Sprintf("from v%d", from), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "canary.db")
			db, err := sql.Open("sqlite3", path)
			require.NoError(t, err)
			_, err = db.Exec(schemaSQL)
			require.NoError(t, err)
			for _, m := range migrations[:from] {
				_, err = db.Exec(m.stmt)
				require.NoError(t, err)
			}
			_, err = db.Exec(fmt.Sprintf("PRAGMA user_version = %d", from))
			require.NoError(t, err)
			require.NoError(t, db.Close())

			s, err := Open(path)
			require.NoError(t, err)
			defer s.Close()

			got, err := s.pragmaValue("user_version")
			require.NoError(t, err)
			assert.Equal(t, currentSchemaVersion, mustAtoi(t, got))
			assert.Contains(t, tableIndexes(t, s.db, "stage_results"), "idx_stage_results_stage")
			assert.Contains(t, tableIndexes(t, s.db, "runs"), "idx_runs_network")
		})
	}
}

func tableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	require.NoError(t, err)
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		cols = append(cols, name)
	}
	require.NoError(t, rows.Err())
	return cols
}

func tableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}
