package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StartExecution records the supervisor process and moves an Initializing
// execution to Running with its start date, atomically.
func (s *SQLiteStore) StartExecution(ctx context.Context, id string, supervisorPID int, startDate int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, start_date = ?, last_update = ?
			 WHERE identifier = ? AND status = ?`,
			string(StatusRunning), startDate, s.nowMillis(), id, string(StatusInitializing),
		)
		if err != nil {
			return fmt.Errorf("failed to start execution: %w", err)
		}
		if err := s.checkConditional(ctx, tx, result, id); err != nil {
			return err
		}
		return s.insertProcess(ctx, tx, id, supervisorPID, true)
	})
}

// AddWorkProcess records the spawned work process. It only succeeds while
// the execution is Running and has room for another tracked process.
func (s *SQLiteStore) AddWorkProcess(ctx context.Context, id string, pid int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := s.statusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != StatusRunning {
			return fmt.Errorf("execution %s is %s: %w", id, status, ErrPreconditionFailed)
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM execution_processes WHERE execution_identifier = ?`, id,
		).Scan(&count); err != nil {
			return fmt.Errorf("failed to count processes: %w", err)
		}
		if count >= MaxProcessesPerExecution {
			return fmt.Errorf("execution %s already tracks %d processes: %w", id, count, ErrPreconditionFailed)
		}

		return s.insertProcess(ctx, tx, id, pid, false)
	})
}

// FinishExecution is the supervisor's finalizer. It deletes every process
// row and sets the end date if unset. The status moves to `to` only if the
// execution is still Running; otherwise ErrPreconditionFailed is returned
// after the cleanup is committed.
func (s *SQLiteStore) FinishExecution(ctx context.Context, id string, to ExecutionStatus, endDate int64) error {
	var transitioned bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, last_update = ?
			 WHERE identifier = ? AND status = ?`,
			string(to), s.nowMillis(), id, string(StatusRunning),
		)
		if err != nil {
			return fmt.Errorf("failed to finish execution: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		transitioned = rows > 0

		if _, err := tx.ExecContext(ctx,
			`UPDATE executions SET end_date = ? WHERE identifier = ? AND end_date IS NULL AND start_date IS NOT NULL`,
			endDate, id,
		); err != nil {
			return fmt.Errorf("failed to set end date: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM execution_processes WHERE execution_identifier = ?`, id,
		); err != nil {
			return fmt.Errorf("failed to delete processes: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !transitioned {
		return fmt.Errorf("execution %s was no longer running: %w", id, ErrPreconditionFailed)
	}
	return nil
}

// ClaimKill commits a kill before any signal is sent: it verifies the
// execution is Running with tracked processes, sets Killed and the end
// date, deletes the rows and returns them for termination.
func (s *SQLiteStore) ClaimKill(ctx context.Context, id string, endDate int64) ([]ExecutionProcess, error) {
	return s.endRunning(ctx, id, StatusKilled, endDate, true)
}

// MarkUnknown is ClaimKill for the startup reconciler: the execution ends
// as Unknown and may have no rows left.
func (s *SQLiteStore) MarkUnknown(ctx context.Context, id string, endDate int64) ([]ExecutionProcess, error) {
	return s.endRunning(ctx, id, StatusUnknown, endDate, false)
}

func (s *SQLiteStore) endRunning(ctx context.Context, id string, to ExecutionStatus, endDate int64, requireProcesses bool) ([]ExecutionProcess, error) {
	var procs []ExecutionProcess
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := s.statusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != StatusRunning {
			return fmt.Errorf("execution %s is %s: %w", id, status, ErrPreconditionFailed)
		}

		procs, err = s.listProcesses(ctx, tx, id)
		if err != nil {
			return err
		}
		if requireProcesses && len(procs) == 0 {
			return fmt.Errorf("execution %s: %w", id, ErrNoProcesses)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, end_date = COALESCE(end_date, ?), last_update = ?
			 WHERE identifier = ?`,
			string(to), endDate, s.nowMillis(), id,
		); err != nil {
			return fmt.Errorf("failed to update execution status: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM execution_processes WHERE execution_identifier = ?`, id,
		); err != nil {
			return fmt.Errorf("failed to delete processes: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return procs, nil
}

// ListProcesses lists the tracked processes of an execution.
func (s *SQLiteStore) ListProcesses(ctx context.Context, id string) ([]ExecutionProcess, error) {
	return s.listProcesses(ctx, s.db, id)
}

// ListOrphanProcesses lists process rows whose execution is not Running.
func (s *SQLiteStore) ListOrphanProcesses(ctx context.Context) ([]ExecutionProcess, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.execution_identifier, p.pid, p.is_supervisor_process, p.created_at
		FROM execution_processes p
		JOIN executions e ON e.identifier = p.execution_identifier
		WHERE e.status != ?
		ORDER BY p.execution_identifier, p.pid`,
		string(StatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan processes: %w", err)
	}
	return scanProcesses(rows)
}

// DeleteProcess deletes one process row.
func (s *SQLiteStore) DeleteProcess(ctx context.Context, id string, pid int) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_processes WHERE execution_identifier = ? AND pid = ?`, id, pid,
	)
	if err != nil {
		return fmt.Errorf("failed to delete process: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("process %d of execution %s: %w", pid, id, ErrNotFound)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) listProcesses(ctx context.Context, q querier, id string) ([]ExecutionProcess, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT execution_identifier, pid, is_supervisor_process, created_at
		FROM execution_processes
		WHERE execution_identifier = ?
		ORDER BY is_supervisor_process DESC, pid`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	return scanProcesses(rows)
}

func scanProcesses(rows *sql.Rows) ([]ExecutionProcess, error) {
	defer rows.Close()

	procs := []ExecutionProcess{}
	for rows.Next() {
		var (
			p         ExecutionProcess
			createdAt int64
		)
		if err := rows.Scan(&p.ExecutionIdentifier, &p.PID, &p.IsSupervisorProcess, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		p.CreatedAt = time.UnixMilli(createdAt)
		procs = append(procs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processes: %w", err)
	}
	return procs, nil
}

func (s *SQLiteStore) insertProcess(ctx context.Context, tx *sql.Tx, id string, pid int, supervisor bool) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_processes (execution_identifier, pid, is_supervisor_process, created_at)
		 VALUES (?, ?, ?, ?)`,
		id, pid, supervisor, s.nowMillis(),
	); err != nil {
		return fmt.Errorf("failed to insert process: %w", err)
	}
	return nil
}

func (s *SQLiteStore) statusTx(ctx context.Context, tx *sql.Tx, id string) (ExecutionStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE identifier = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get execution status: %w", err)
	}
	return ExecutionStatus(status), nil
}

// AppendAudit appends an audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (execution_identifier, action, actor, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ExecutionIdentifier, entry.Action, entry.Actor, entry.Detail, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAudit lists the audit trail of an execution in insertion order. A
// non-positive limit returns every entry.
func (s *SQLiteStore) ListAudit(ctx context.Context, executionID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_identifier, action, actor, COALESCE(detail, ''), created_at
		FROM audit
		WHERE execution_identifier = ?
		ORDER BY id
		LIMIT ?`,
		executionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		var (
			e         AuditEntry
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.ExecutionIdentifier, &e.Action, &e.Actor, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
