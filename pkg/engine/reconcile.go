package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/CARMIN-org/CARMIN-server/pkg/stores"
	"github.com/CARMIN-org/CARMIN-server/pkg/telemetry"
)

// crashRule decides from the tracked process rows of a Running execution
// whether its supervision is gone. It also returns how many rows it found
// alive, for the log.
type crashRule func(ctx context.Context, rows []stores.ExecutionProcess) (crashed bool, alive int)

// Reconcile repairs executions left Running by a previous process. It is
// meant to run once at startup. A Running execution whose tracked processes
// are all still alive is left alone; any other is terminated and marked
// Unknown. Process rows of executions that are no longer Running are
// terminated and deleted.
//
// Reconcile never fails: problems are logged and the pass continues.
// Executions supervised by this service are skipped.
func (s *Service) Reconcile(ctx context.Context) ReconcileReport {
	return s.reconcile(ctx, "reconcile", s.anyProcessGone)
}

// Sweep is the reconciliation pass for a live server, while other processes
// may be supervising executions. An execution is repaired only once its
// supervisor process has died; a work process that exited is left for its
// supervisor to finalize.
func (s *Service) Sweep(ctx context.Context) ReconcileReport {
	return s.reconcile(ctx, "sweep", s.supervisorGone)
}

func (s *Service) reconcile(ctx context.Context, pass string, crashed crashRule) ReconcileReport {
	ctx, span := s.telemetry.Tracer.StartSpan(ctx, "execution."+pass)
	defer span.End()
	logger := s.logger.NewComponentLogger("reconciler").WithField("pass", pass)

	var report ReconcileReport

	running, err := s.store.ListExecutionsByStatus(ctx, stores.StatusRunning)
	if err != nil {
		logger.WithError(err).Error("failed to list running executions")
		running = nil
	}

	for _, exec := range running {
		if _, supervised := s.active.Load(exec.Identifier); supervised {
			continue
		}
		report.Checked++
		if s.reconcileExecution(ctx, exec, crashed, logger.WithExecutionID(exec.Identifier)) {
			report.MarkedUnknown++
		} else {
			report.Untouched++
		}
	}

	report.Orphans = s.sweepOrphans(ctx, logger)

	telemetry.SetAttributes(span,
		attribute.Int("reconcile.checked", report.Checked),
		attribute.Int("reconcile.unknown", report.MarkedUnknown),
		attribute.Int("reconcile.orphans", report.Orphans),
	)
	logger.Infof("reconciliation done: %d checked, %d marked unknown, %d orphan processes",
		report.Checked, report.MarkedUnknown, report.Orphans)
	return report
}

// anyProcessGone treats an execution as crashed unless every tracked
// process is alive. Rows carrying this process's pid were written by a
// previous process that happened to have the same pid; nothing this
// process runs is tracked under it.
func (s *Service) anyProcessGone(ctx context.Context, rows []stores.ExecutionProcess) (bool, int) {
	var candidates []int
	for _, row := range rows {
		if row.PID != s.pid {
			candidates = append(candidates, row.PID)
		}
	}

	alive := 0
	if len(candidates) == len(rows) {
		alive = s.aliveCount(ctx, candidates, false)
	}
	return len(rows) == 0 || alive != len(rows), alive
}

// supervisorGone treats an execution as crashed only when no supervisor
// row belongs to a live process other than this one.
func (s *Service) supervisorGone(ctx context.Context, rows []stores.ExecutionProcess) (bool, int) {
	var supervisors []int
	for _, row := range rows {
		if row.IsSupervisorProcess && row.PID != s.pid {
			supervisors = append(supervisors, row.PID)
		}
	}
	if len(supervisors) == 0 {
		return true, 0
	}
	alive := s.aliveCount(ctx, supervisors, false)
	return alive == 0, alive
}

// reconcileExecution returns true if exec was marked Unknown.
func (s *Service) reconcileExecution(ctx context.Context, exec *stores.Execution, crashed crashRule, logger *telemetry.Logger) bool {
	rows, err := s.store.ListProcesses(ctx, exec.Identifier)
	if err != nil {
		logger.WithError(err).Error("failed to list tracked processes")
		return false
	}

	gone, alive := crashed(ctx, rows)
	if !gone {
		logger.Info("execution is still supervised, leaving it untouched")
		return false
	}

	claimed, err := s.store.MarkUnknown(ctx, exec.Identifier, s.nowMillis())
	if err != nil {
		logger.WithError(err).Warn("failed to mark execution unknown")
		return false
	}
	s.terminate(ctx, withoutPID(pidsOf(claimed), s.pid), logger)
	s.audit(ctx, exec.Identifier, "reconcile_unknown", systemActor, "")
	s.telemetry.Metrics.RecordReconciled("unknown")
	logger.WithField("alive", alive).Warnf("execution lost its supervision with %d tracked processes, marked Unknown", len(rows))
	return true
}

func (s *Service) sweepOrphans(ctx context.Context, logger *telemetry.Logger) int {
	orphans, err := s.store.ListOrphanProcesses(ctx)
	if err != nil {
		logger.WithError(err).Error("failed to list orphan processes")
		return 0
	}

	swept := 0
	for _, row := range orphans {
		plog := logger.WithExecutionID(row.ExecutionIdentifier).WithPID(row.PID)
		if row.PID != s.pid {
			s.terminate(ctx, []int{row.PID}, plog)
		}
		if err := s.store.DeleteProcess(ctx, row.ExecutionIdentifier, row.PID); err != nil {
			plog.WithError(err).Warn("failed to delete orphan process row")
			continue
		}
		s.telemetry.Metrics.RecordReconciled("orphan")
		swept++
	}
	return swept
}

func withoutPID(pids []int, pid int) []int {
	out := pids[:0]
	for _, p := range pids {
		if p != pid {
			out = append(out, p)
		}
	}
	return out
}
