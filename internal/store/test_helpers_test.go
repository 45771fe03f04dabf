package store

import (
	"path/filepath"
	"testing"
	"time"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun creates a passing run with one result per stage.
func createTestRun(id string, started time.Time, stages ...string) Run {
	r := Run{
		RunID:     id,
		Network:   "local",
		Profile:   "light",
		Target:    "verify-absence",
		StartedAt: started,
		Duration:  3 * time.Second,
		Passed:    true,
	}
	for i, st := range stages {
		r.Stages = append(r.Stages, StageResult{
			Seq:      int64(i + 1),
			StageID:  st,
			Status:   "passed",
			Duration: time.Duration(i+1) * time.Millisecond,
		})
	}
	return r
}
