package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{cfg: cfg, now: time.Now}, nil
}

// Init opens the database with WAL mode, foreign keys and immediate
// transactions on every pooled connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

const executionColumns = `identifier, name, pipeline_identifier, descriptor_type, timeout,
	study_identifier, creator_username, status, start_date, end_date, created_at, last_update`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		exec       Execution
		status     string
		timeout    sql.NullInt64
		study      sql.NullString
		startDate  sql.NullInt64
		endDate    sql.NullInt64
		createdAt  int64
		lastUpdate int64
	)
	err := row.Scan(
		&exec.Identifier,
		&exec.Name,
		&exec.PipelineIdentifier,
		&exec.DescriptorType,
		&timeout,
		&study,
		&exec.CreatorUsername,
		&status,
		&startDate,
		&endDate,
		&createdAt,
		&lastUpdate,
	)
	if err != nil {
		return nil, err
	}
	exec.Status = ExecutionStatus(status)
	if timeout.Valid {
		exec.Timeout = &timeout.Int64
	}
	if study.Valid {
		exec.StudyIdentifier = &study.String
	}
	if startDate.Valid {
		exec.StartDate = &startDate.Int64
	}
	if endDate.Valid {
		exec.EndDate = &endDate.Int64
	}
	exec.CreatedAt = time.UnixMilli(createdAt)
	exec.LastUpdate = time.UnixMilli(lastUpdate)
	return &exec, nil
}

// CreateExecution inserts a new execution. CreatedAt and LastUpdate are set
// when zero.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	now := s.now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.LastUpdate.IsZero() {
		exec.LastUpdate = now
	}

	query := `INSERT INTO executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		exec.Identifier,
		exec.Name,
		exec.PipelineIdentifier,
		exec.DescriptorType,
		nullInt64(exec.Timeout),
		nullString(exec.StudyIdentifier),
		exec.CreatorUsername,
		string(exec.Status),
		nullInt64(exec.StartDate),
		nullInt64(exec.EndDate),
		exec.CreatedAt.UnixMilli(),
		exec.LastUpdate.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by identifier
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE identifier = ?`

	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// ListExecutionsByCreator lists a user's executions, newest first. A
// negative limit returns every row after offset.
func (s *SQLiteStore) ListExecutionsByCreator(ctx context.Context, username string, limit, offset int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE creator_username = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`

	return s.queryExecutions(ctx, query, username, limit, offset)
}

// CountExecutionsByCreator counts a user's executions.
func (s *SQLiteStore) CountExecutionsByCreator(ctx context.Context, username string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE creator_username = ?`, username,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// ListExecutionsByStatus lists every execution in a status, oldest first.
func (s *SQLiteStore) ListExecutionsByStatus(ctx context.Context, status ExecutionStatus) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE status = ?
		ORDER BY created_at ASC, rowid ASC`

	return s.queryExecutions(ctx, query, string(status))
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := []*Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return executions, nil
}

// UpdateExecution edits the name and timeout of an execution that is still
// Initializing. Nil arguments leave the column unchanged.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, id string, name *string, timeout *int64) error {
	var (
		sets []string
		args []any
	)
	if name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *name)
	}
	if timeout != nil {
		sets = append(sets, "timeout = ?")
		args = append(args, *timeout)
	}
	sets = append(sets, "last_update = ?")
	args = append(args, s.nowMillis(), id, string(StatusInitializing))

	query := `UPDATE executions SET ` + strings.Join(sets, ", ") + ` WHERE identifier = ? AND status = ?`

	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update execution: %w", err)
		}
		return s.checkConditional(ctx, tx, result, id)
	})
}

// TransitionStatus moves an execution from one status to another. It fails
// with ErrPreconditionFailed when the current status is not from.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from, to ExecutionStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, last_update = ? WHERE identifier = ? AND status = ?`,
			string(to), s.nowMillis(), id, string(from),
		)
		if err != nil {
			return fmt.Errorf("failed to update execution status: %w", err)
		}
		return s.checkConditional(ctx, tx, result, id)
	})
}

// checkConditional turns a zero-row conditional update into ErrNotFound or
// ErrPreconditionFailed.
func (s *SQLiteStore) checkConditional(ctx context.Context, tx *sql.Tx, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE identifier = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get execution status: %w", err)
	}
	return fmt.Errorf("execution %s is %s: %w", id, status, ErrPreconditionFailed)
}

// DeleteExecution deletes an execution and, by cascade, its process rows.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE identifier = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return nil
}
