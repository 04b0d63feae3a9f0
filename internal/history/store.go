package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run is a single invocation of the loop command from start to terminal
// state.
type Run struct {
	ID         string
	PRDPath    string
	Branch     string
	Terminal   string
	Iterations int
	Completed  int
	Total      int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Iteration is one agent invocation inside a run.
type Iteration struct {
	RunID    string
	Number   int
	StoryID  string
	Agent    string
	Model    string
	Outcome  string // success, failure, rate-limited, timeout
	ExitCode int
	Duration time.Duration
	At       time.Time
}

// Store records runs and iterations in SQLite for the status command.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at dbPath. Parent
// directories are created as needed. WAL mode keeps concurrent status
// reads from blocking the loop's writes.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	db.SetMaxOpenConns(2)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return s, nil
}

// OpenMemory creates an in-memory store for testing.
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	db.SetMaxOpenConns(2)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return s, nil
}

// DefaultPath returns the conventional history location inside a repo.
func DefaultPath(repoRoot string) string {
	return filepath.Join(repoRoot, ".prdloop", "history.db")
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		prd_path TEXT NOT NULL,
		branch TEXT NOT NULL,
		terminal TEXT NOT NULL DEFAULT '',
		iterations INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		story_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		model TEXT NOT NULL,
		outcome TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id, number);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// BeginRun inserts a new run row and returns its generated ID.
func (s *Store) BeginRun(ctx context.Context, prdPath, branch string, total int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, prd_path, branch, total, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, prdPath, branch, total, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("recording run start: %w", err)
	}
	return id, nil
}

// FinishRun stamps the run with its terminal state and final counters.
func (s *Store) FinishRun(ctx context.Context, runID, terminal string, iterations, completed int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET terminal = ?, iterations = ?, completed = ?, finished_at = ?
		WHERE id = ?
	`, terminal, iterations, completed, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// RecordIteration appends one iteration row.
func (s *Store) RecordIteration(ctx context.Context, it Iteration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	at := it.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO iterations (run_id, number, story_id, agent, model, outcome, exit_code, duration_ms, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, it.RunID, it.Number, it.StoryID, it.Agent, it.Model, it.Outcome, it.ExitCode, it.Duration.Milliseconds(), at)
	if err != nil {
		return fmt.Errorf("recording iteration: %w", err)
	}
	return nil
}

// LastRun returns the most recently started run, or nil when the
// database is empty.
func (s *Store) LastRun(ctx context.Context) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var r Run
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, prd_path, branch, terminal, iterations, completed, total, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT 1
	`).Scan(&r.ID, &r.PRDPath, &r.Branch, &r.Terminal, &r.Iterations, &r.Completed, &r.Total, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last run: %w", err)
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return &r, nil
}

// RunIterations returns a run's iterations in execution order.
func (s *Store) RunIterations(ctx context.Context, runID string) ([]Iteration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, number, story_id, agent, model, outcome, exit_code, duration_ms, at
		FROM iterations
		WHERE run_id = ?
		ORDER BY number ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying iterations: %w", err)
	}
	defer rows.Close()

	iterations := []Iteration{}
	for rows.Next() {
		var it Iteration
		var ms int64
		if err := rows.Scan(&it.RunID, &it.Number, &it.StoryID, &it.Agent, &it.Model, &it.Outcome, &it.ExitCode, &ms, &it.At); err != nil {
			return nil, fmt.Errorf("scanning iteration: %w", err)
		}
		it.Duration = time.Duration(ms) * time.Millisecond
		iterations = append(iterations, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return iterations, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
