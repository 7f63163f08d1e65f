package stores

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed is returned when a conditional write finds the
	// execution in a different status than required. The losing side of a
	// kill/finish race receives it.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrNoProcesses is returned by ClaimKill for a Running execution that
	// has no tracked process rows.
	ErrNoProcesses = errors.New("no tracked processes")
)

// ExecutionStatus is the persisted lifecycle status of an execution.
type ExecutionStatus string

const (
	StatusInitializing         ExecutionStatus = "Initializing"
	StatusInitializationFailed ExecutionStatus = "InitializationFailed"
	StatusRunning              ExecutionStatus = "Running"
	StatusFinished             ExecutionStatus = "Finished"
	StatusExecutionFailed      ExecutionStatus = "ExecutionFailed"
	StatusKilled               ExecutionStatus = "Killed"
	StatusUnknown              ExecutionStatus = "Unknown"
)

// MaxProcessesPerExecution bounds the tracked rows of one execution: the
// supervisor and the work process.
const MaxProcessesPerExecution = 2

// Execution is one request to run a pipeline.
type Execution struct {
	Identifier         string          `json:"identifier"`
	Name               string          `json:"name"`
	PipelineIdentifier string          `json:"pipelineIdentifier"`
	DescriptorType     string          `json:"descriptorType"`
	Timeout            *int64          `json:"timeout,omitempty"`
	StudyIdentifier    *string         `json:"studyIdentifier,omitempty"`
	CreatorUsername    string          `json:"creatorUsername"`
	Status             ExecutionStatus `json:"status"`
	StartDate          *int64          `json:"startDate,omitempty"` // epoch ms
	EndDate            *int64          `json:"endDate,omitempty"`   // epoch ms
	CreatedAt          time.Time       `json:"createdAt"`
	LastUpdate         time.Time       `json:"lastUpdate"`
}

// ExecutionProcess is a tracked OS process of a Running execution.
type ExecutionProcess struct {
	ExecutionIdentifier string    `json:"executionIdentifier"`
	PID                 int       `json:"pid"`
	IsSupervisorProcess bool      `json:"isSupervisorProcess"`
	CreatedAt           time.Time `json:"createdAt"`
}

// AuditEntry is an append-only record of a lifecycle action.
type AuditEntry struct {
	ID                  int64     `json:"id"`
	ExecutionIdentifier string    `json:"executionIdentifier"`
	Action              string    `json:"action"`
	Actor               string    `json:"actor"`
	Detail              string    `json:"detail,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Store defines the persistence operations of the execution subsystem.
// Every status change is a conditional write so concurrent actors resolve
// races through the database instead of in-process locks.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Execution operations
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutionsByCreator(ctx context.Context, username string, limit, offset int) ([]*Execution, error)
	CountExecutionsByCreator(ctx context.Context, username string) (int, error)
	ListExecutionsByStatus(ctx context.Context, status ExecutionStatus) ([]*Execution, error)
	UpdateExecution(ctx context.Context, id string, name *string, timeout *int64) error
	TransitionStatus(ctx context.Context, id string, from, to ExecutionStatus) error
	DeleteExecution(ctx context.Context, id string) error

	// Lifecycle transitions with process bookkeeping
	StartExecution(ctx context.Context, id string, supervisorPID int, startDate int64) error
	AddWorkProcess(ctx context.Context, id string, pid int) error
	FinishExecution(ctx context.Context, id string, to ExecutionStatus, endDate int64) error
	ClaimKill(ctx context.Context, id string, endDate int64) ([]ExecutionProcess, error)
	MarkUnknown(ctx context.Context, id string, endDate int64) ([]ExecutionProcess, error)

	// Process operations
	ListProcesses(ctx context.Context, id string) ([]ExecutionProcess, error)
	ListOrphanProcesses(ctx context.Context) ([]ExecutionProcess, error)
	DeleteProcess(ctx context.Context, id string, pid int) error

	// Audit operations
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, executionID string, limit int) ([]*AuditEntry, error)
}
