package engine

import (
	"context"
	"errors"

	"github.com/CARMIN-org/CARMIN-server/pkg/identity"
	"github.com/CARMIN-org/CARMIN-server/pkg/policy"
	"github.com/CARMIN-org/CARMIN-server/pkg/stores"
	"github.com/CARMIN-org/CARMIN-server/pkg/telemetry"
)

// KillExecution terminates a Running execution. The Killed status is
// committed before any signal is sent, so a concurrent finalizer or second
// kill loses the race with a state conflict instead of overwriting it.
func (s *Service) KillExecution(ctx context.Context, user identity.User, id string) (err error) {
	ctx, span, logger := s.begin(ctx, "kill", id)
	defer span.End()
	defer func() { err = s.finish(span, logger, "kill", id, err) }()

	exec, err := s.load(ctx, user, id, policy.ActionKill)
	if err != nil {
		return err
	}
	if exec.Status != stores.StatusRunning {
		s.telemetry.Metrics.RecordKill("not_running")
		return NewStateConflictError(CodeCannotKillNotRunningExecution, nil, exec.Status).
			WithDetail("status", string(exec.Status))
	}

	if err := s.kill(ctx, id, user.Username, logger); err != nil {
		return err
	}
	telemetry.AddStatusEvent(span, string(stores.StatusRunning), string(stores.StatusKilled))
	return nil
}

// DeleteExecution kills the execution if it is still Running. With
// purgeFiles it then removes the execution directory and the record.
func (s *Service) DeleteExecution(ctx context.Context, user identity.User, id string, purgeFiles bool) (err error) {
	ctx, span, logger := s.begin(ctx, "delete", id)
	defer span.End()
	defer func() { err = s.finish(span, logger, "delete", id, err) }()

	exec, err := s.load(ctx, user, id, policy.ActionDelete)
	if err != nil {
		return err
	}

	if exec.Status == stores.StatusRunning {
		// Ending on its own between the load and the claim is fine.
		if err := s.kill(ctx, id, user.Username, logger); err != nil && CodeOf(err) != CodeCannotKillNotRunningExecution {
			return err
		}
	}

	if !purgeFiles {
		s.audit(ctx, id, "delete", user.Username, "files kept")
		return nil
	}

	if err := s.sandbox.DeleteExecutionDirectory(exec.CreatorUsername, id); err != nil {
		return NewResourceError(err)
	}
	if err := s.store.DeleteExecution(ctx, id); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return NewNotFoundError(CodeExecutionNotFound, err, id)
		}
		return NewResourceError(err)
	}

	s.audit(ctx, id, "delete", user.Username, "files purged")
	logger.Info("execution deleted")
	return nil
}

// kill claims the Killed status and then terminates the claimed processes.
func (s *Service) kill(ctx context.Context, id, actor string, logger *telemetry.Logger) error {
	processes, err := s.store.ClaimKill(ctx, id, s.nowMillis())
	switch {
	case errors.Is(err, stores.ErrPreconditionFailed):
		s.telemetry.Metrics.RecordKill("not_running")
		return NewStateConflictError(CodeCannotKillNotRunningExecution, err, s.currentStatus(ctx, id))
	case errors.Is(err, stores.ErrNoProcesses):
		s.telemetry.Metrics.RecordKill("finishing")
		return NewStateConflictError(CodeCannotKillFinishingExecution, err, id)
	case errors.Is(err, stores.ErrNotFound):
		return NewNotFoundError(CodeExecutionNotFound, err, id)
	case err != nil:
		return NewResourceError(err)
	}

	s.terminate(context.WithoutCancel(ctx), pidsOf(processes), logger)
	s.telemetry.Metrics.RecordKill("killed")
	s.audit(ctx, id, "kill", actor, "")
	logger.Info("execution killed")
	return nil
}

// terminate logs instead of failing: the status is already committed.
func (s *Service) terminate(ctx context.Context, pids []int, logger *telemetry.Logger) {
	if err := s.terminator.TerminateProcessGroup(ctx, pids); err != nil {
		logger.WithError(err).Warn("failed to terminate some processes")
	}
}

// pidsOf lists work processes before supervisors.
func pidsOf(processes []stores.ExecutionProcess) []int {
	pids := make([]int, 0, len(processes))
	for _, p := range processes {
		if !p.IsSupervisorProcess {
			pids = append(pids, p.PID)
		}
	}
	for _, p := range processes {
		if p.IsSupervisorProcess {
			pids = append(pids, p.PID)
		}
	}
	return pids
}
