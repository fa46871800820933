// Package indexdb keeps a queryable SQLite index of finished repair tasks.
// The JSONL run log stays the source of truth; the index may drop rows
// when its writer falls behind.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxellight.ai/internal/lighting"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan lighting.Result
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan lighting.Result, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			world TEXT NOT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			chunks INTEGER NOT NULL,
			failed_loads INTEGER NOT NULL,
			sweeps INTEGER NOT NULL,
			capped INTEGER NOT NULL,
			sections INTEGER NOT NULL,
			write_errors INTEGER NOT NULL,
			timed_out INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_world_finished ON runs(world, finished_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordRun queues a finished task for indexing.
func (s *SQLiteIndex) RecordRun(r lighting.Result) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()
	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(id,world,kind,state,chunks,failed_loads,sweeps,capped,sections,write_errors,timed_out,started_at,finished_at,duration_ms) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertRun != nil {
			_ = insertRun.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = 2 * time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	tick := time.NewTicker(commitMaxWait)
	defer tick.Stop()
	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			begin()
			if tx == nil || insertRun == nil {
				continue
			}
			timedOut := 0
			if r.TimedOut {
				timedOut = 1
			}
			if _, err := tx.Stmt(insertRun).Exec(
				r.ID.String(),
				r.World,
				r.Kind,
				r.State.String(),
				r.Chunks,
				r.Failed,
				r.Sweeps,
				r.Capped,
				r.Sections,
				r.WriteErrors,
				timedOut,
				r.Started.UTC().Format(time.RFC3339Nano),
				r.Finished.UTC().Format(time.RFC3339Nano),
				r.Duration().Milliseconds(),
			); err != nil {
				_ = tx.Rollback()
				tx = nil
				continue
			}
			opCount++
			if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		case <-tick.C:
			commit()
		}
	}
}

// Run is one indexed task.
type Run struct {
	ID          string
	World       string
	Kind        string
	State       string
	Chunks      int
	FailedLoads int
	Sweeps      int
	Sections    int
	TimedOut    bool
	FinishedAt  string
	DurationMS  int64
}

// RecentRuns reads the newest runs from an index file, optionally for one
// world only. It opens its own connection so it works beside a live writer.
func RecentRuns(ctx context.Context, path, world string, limit int) ([]Run, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id,world,kind,state,chunks,failed_loads,sweeps,sections,timed_out,finished_at,duration_ms FROM runs`
	args := []any{}
	if world != "" {
		q += ` WHERE world=?`
		args = append(args, world)
	}
	q += ` ORDER BY finished_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r        Run
			timedOut int
		)
		if err := rows.Scan(&r.ID, &r.World, &r.Kind, &r.State, &r.Chunks, &r.FailedLoads, &r.Sweeps, &r.Sections, &timedOut, &r.FinishedAt, &r.DurationMS); err != nil {
			return nil, err
		}
		r.TimedOut = timedOut != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
