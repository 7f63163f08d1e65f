package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/CARMIN-org/CARMIN-server/pkg/descriptor"
	"github.com/CARMIN-org/CARMIN-server/pkg/stores"
	"github.com/CARMIN-org/CARMIN-server/pkg/telemetry"
)

// startFailureNotice is written to stderr when the command cannot be launched.
const startFailureNotice = "Execution could not be started."

// supervision is the state a worker needs to run one execution.
type supervision struct {
	execution      *stores.Execution
	username       string
	descriptor     descriptor.Descriptor
	descriptorPath string
	inputsPath     string
}

// supervise runs a Running execution to a terminal status. The execution
// was moved to Running with its supervisor row by PlayExecution; finalize
// runs on every path.
func (s *Service) supervise(ctx context.Context, job *supervision) {
	id := job.execution.Identifier
	ctx, span := s.telemetry.Tracer.StartExecutionSpan(ctx, "supervise", id)
	defer span.End()

	logger := s.logger.NewComponentLogger("supervisor").WithExecutionID(id).WithUser(job.username)
	started := s.now()

	status := stores.StatusExecutionFailed
	defer func() { s.finalize(ctx, job, status, started, logger, span) }()

	status = s.run(ctx, job, logger)
}

// run spawns the work process, records it and waits for it within the
// execution timeout. It returns the terminal status to record.
func (s *Service) run(ctx context.Context, job *supervision, logger *telemetry.Logger) stores.ExecutionStatus {
	id := job.execution.Identifier

	current, err := s.store.GetExecution(ctx, id)
	if err != nil {
		logger.WithError(err).Error("failed to reload execution before spawn")
		return stores.StatusExecutionFailed
	}
	if current.Status != stores.StatusRunning {
		logger.Infof("execution is %s, not spawning", current.Status)
		return current.Status
	}

	argv, err := job.descriptor.Execute(s.sandbox.UserRoot(job.username), job.descriptorPath, job.inputsPath)
	if err == nil && len(argv) == 0 {
		err = errors.New("descriptor produced an empty command")
	}
	if err != nil {
		logger.WithError(err).Error("failed to build command")
		s.spawnFailed(job, logger)
		return stores.StatusExecutionFailed
	}

	stdout, stderr, err := s.sandbox.OpenStdFiles(job.username, id)
	if err != nil {
		logger.WithError(err).Error("failed to create std files")
		s.telemetry.Metrics.RecordSpawnFailure(job.execution.DescriptorType)
		return stores.StatusExecutionFailed
	}
	defer stdout.Close()
	defer stderr.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.sandbox.ExecutionDir(job.username, id)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		logger.WithError(err).WithField("command", argv[0]).Error("failed to start work process")
		s.spawnFailed(job, logger)
		return stores.StatusExecutionFailed
	}

	pid := cmd.Process.Pid
	logger = logger.WithPID(pid)
	_, pspan := s.telemetry.Tracer.StartProcessSpan(ctx, id, pid)
	defer pspan.End()

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	if err := s.store.AddWorkProcess(ctx, id, pid); err != nil {
		if errors.Is(err, stores.ErrPreconditionFailed) {
			logger.Info("execution ended while spawning, terminating work process")
		} else {
			logger.WithError(err).Error("failed to record work process")
		}
		s.terminate(ctx, []int{pid}, logger)
		<-waited
		return stores.StatusExecutionFailed
	}
	logger.Debug("work process started")

	timeout := s.platform.EffectiveTimeout(current.Timeout)
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-waited:
		return exitStatus(err, logger)

	case <-expired:
		logger.Warnf("execution timed out after %s", timeout)
		s.terminate(ctx, []int{pid}, logger)
		<-waited

		notice := fmt.Sprintf("Execution timed out after %d seconds", int64(timeout/time.Second))
		if err := s.sandbox.AppendStderr(job.username, id, notice); err != nil {
			logger.WithError(err).Warn("failed to write timeout notice")
		}
		s.telemetry.Metrics.RecordTimeout()
		return stores.StatusExecutionFailed
	}
}

func exitStatus(err error, logger *telemetry.Logger) stores.ExecutionStatus {
	if err == nil {
		return stores.StatusFinished
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		logger.Infof("work process exited with code %d", exitErr.ExitCode())
	} else {
		logger.WithError(err).Error("failed waiting for work process")
	}
	return stores.StatusExecutionFailed
}

func (s *Service) spawnFailed(job *supervision, logger *telemetry.Logger) {
	s.telemetry.Metrics.RecordSpawnFailure(job.execution.DescriptorType)
	if err := s.sandbox.AppendStderr(job.username, job.execution.Identifier, startFailureNotice); err != nil {
		logger.WithError(err).Warn("failed to write start failure notice")
	}
}

// finalize records status if the execution is still Running, removes its
// process rows, sets the end date and deletes the absolute inputs file.
// A kill that committed first keeps its status.
func (s *Service) finalize(ctx context.Context, job *supervision, status stores.ExecutionStatus, started time.Time, logger *telemetry.Logger, span trace.Span) {
	id := job.execution.Identifier
	defer s.active.Delete(id)

	if !CanTransition(stores.StatusRunning, status) {
		status = stores.StatusExecutionFailed
	}

	recorded := status
	err := s.store.FinishExecution(ctx, id, status, s.nowMillis())
	switch {
	case err == nil:
		telemetry.AddStatusEvent(span, string(stores.StatusRunning), string(status))
		s.audit(ctx, id, "finish", systemActor, string(status))
		logger.Infof("execution ended with status %s", status)
	case errors.Is(err, stores.ErrPreconditionFailed):
		recorded = s.currentStatus(ctx, id)
		logger.Infof("execution already ended as %s", recorded)
	case errors.Is(err, stores.ErrNotFound):
		logger.Info("execution was deleted while running")
	default:
		logger.WithError(err).Error("failed to finalize execution")
	}

	s.telemetry.Metrics.RecordExecutionCompleted(string(recorded), s.now().Sub(started))
	s.removeInputs(job.username, id, logger)
}
