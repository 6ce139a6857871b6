package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ferry/internal/database/migrations"
	"ferry/internal/ferry"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Transfer statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Transfer is one recorded ferry run.
type Transfer struct {
	ID          int64
	OpID        string
	Remote      string
	Source      string
	Destination string
	Move        bool
	Direction   string // empty until the direction is resolved
	Status      string
	Files       int
	Bytes       int64
	Elapsed     time.Duration
	Error       string
	StartedAt   time.Time
	FinishedAt  sql.NullTime
}

// SQLiteDatabase records transfer history in SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	clock ferry.Clock
	path  string
}

// NewSQLiteDatabase opens the database at path, which can be a file path or
// ":memory:". A nil clock uses the real time.
func NewSQLiteDatabase(path string, clock ferry.Clock) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteDatabaseFromDB(db, clock, path), nil
}

// NewSQLiteDatabaseFromDB wraps an existing connection.
func NewSQLiteDatabaseFromDB(db *sql.DB, clock ferry.Clock, path string) *SQLiteDatabase {
	if clock == nil {
		clock = ferry.RealClock{}
	}
	return &SQLiteDatabase{db: db, clock: clock, path: path}
}

// OpenConnection opens and configures a SQLite connection.
// path can be a file path or ":memory:" for an in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// Path returns the database location.
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// BeginTransfer records a running transfer for job under opID.
func (s *SQLiteDatabase) BeginTransfer(ctx context.Context, opID string, job ferry.Job) error {
	remote := job.Remote.Addr()
	if job.Remote.User != "" {
		remote = job.Remote.User + "@" + remote
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfers (op_id, remote, source, destination, move, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		opID, remote, job.Source, job.Destination, job.Move, StatusRunning, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording transfer start: %w", err)
	}
	return nil
}

// FinishTransfer completes the record for opID. res may be nil when the
// job failed before the traversal started.
func (s *SQLiteDatabase) FinishTransfer(ctx context.Context, opID string, res *ferry.Result, runErr error) error {
	status := StatusSucceeded
	var errText string
	if runErr != nil {
		status = StatusFailed
		errText = runErr.Error()
	}

	var direction string
	var files int
	var bytes, elapsedMS int64
	if res != nil {
		direction = res.Direction.String()
		files = res.Files
		bytes = res.Bytes
		elapsedMS = res.Elapsed.Milliseconds()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE transfers
		SET direction = ?, status = ?, files = ?, bytes = ?, elapsed_ms = ?, error = ?, finished_at = ?
		WHERE op_id = ?`,
		direction, status, files, bytes, elapsedMS, errText, s.clock.Now().UTC(), opID)
	if err != nil {
		return fmt.Errorf("recording transfer finish: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording transfer finish: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no transfer recorded for operation %s", opID)
	}
	return nil
}

// FindTransfer returns the transfer for opID, or nil if none exists.
func (s *SQLiteDatabase) FindTransfer(ctx context.Context, opID string) (*Transfer, error) {
	row := s.db.QueryRowContext(ctx, selectTransfers+` WHERE op_id = ?`, opID)
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding transfer: %w", err)
	}
	return t, nil
}

// RecentTransfers returns up to limit transfers, newest first.
func (s *SQLiteDatabase) RecentTransfers(ctx context.Context, limit int) ([]*Transfer, error) {
	rows, err := s.db.QueryContext(ctx, selectTransfers+` ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	defer rows.Close()

	var out []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transfer: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	return out, nil
}

const selectTransfers = `
	SELECT id, op_id, remote, source, destination, move, direction, status,
	       files, bytes, elapsed_ms, error, started_at, finished_at
	FROM transfers`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (*Transfer, error) {
	var t Transfer
	var elapsedMS int64
	err := row.Scan(&t.ID, &t.OpID, &t.Remote, &t.Source, &t.Destination, &t.Move,
		&t.Direction, &t.Status, &t.Files, &t.Bytes, &elapsedMS, &t.Error,
		&t.StartedAt, &t.FinishedAt)
	if err != nil {
		return nil, err
	}
	t.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	return &t, nil
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Migrate applies pending schema migrations.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
