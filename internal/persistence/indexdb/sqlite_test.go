package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"voxellight.ai/internal/lighting"
)

func TestSQLiteIndex_RecordRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()
	idx.RecordRun(lighting.Result{
		ID: id, Kind: "batch", World: "overworld", State: lighting.Done,
		Chunks: 100, Failed: 2, Sweeps: 31, Sections: 412, TimedOut: true,
		Started: started, Finished: started.Add(1500 * time.Millisecond),
	})
	idx.RecordRun(lighting.Result{
		ID: uuid.New(), Kind: "world", World: "nether", State: lighting.Aborted,
		Started: started, Finished: started.Add(time.Second),
	})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	idx.RecordRun(lighting.Result{ID: uuid.New()})

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var (
		world, state string
		chunks, fail int
		timedOut     int
		durationMS   int64
	)
	row := db.QueryRow(`SELECT world,state,chunks,failed_loads,timed_out,duration_ms FROM runs WHERE id=?`, id.String())
	if err := row.Scan(&world, &state, &chunks, &fail, &timedOut, &durationMS); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if world != "overworld" || state != "DONE" || chunks != 100 || fail != 2 || timedOut != 1 || durationMS != 1500 {
		t.Fatalf("row mismatch: world=%q state=%q chunks=%d failed=%d timed_out=%d duration=%d", world, state, chunks, fail, timedOut, durationMS)
	}

	runs, err := RecentRuns(context.Background(), path, "nether", 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Kind != "world" || runs[0].State != "ABORTED" {
		t.Fatalf("runs = %+v", runs)
	}
	all, err := RecentRuns(context.Background(), path, "", 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("all runs = %+v, %v", all, err)
	}
}

func TestRecentRunsMissingFile(t *testing.T) {
	if _, err := RecentRuns(context.Background(), filepath.Join(t.TempDir(), "nope.db"), "", 1); err == nil {
		t.Fatalf("missing index opened")
	}
}
