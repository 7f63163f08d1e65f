// Package engine implements the CARMIN execution lifecycle: creating
// executions, playing them under supervision, killing them, and repairing
// the records a crashed server leaves behind.
//
// # Overview
//
// An execution moves through a small state graph:
//
//	Initializing -> Running        (play)
//	Initializing -> InitializationFailed
//	Running      -> Finished | ExecutionFailed | Killed | Unknown
//
// Every status other than Initializing and Running is terminal. Only
// Finished and ExecutionFailed expose results.
//
// # Service
//
// Service is the facade used by the API and the command line:
//
//   - CreateExecution validates the request, allocates the execution
//     directory and snapshots the descriptor. The execution is Initializing.
//   - PlayExecution validates the invocation and records the execution as
//     Running with a supervisor row before handing it to the worker pool.
//   - KillExecution commits Killed, then signals the process tree.
//   - DeleteExecution kills if needed and optionally purges files and record.
//   - Reconcile marks crashed executions Unknown and sweeps orphan rows.
//
// Read operations (GetExecution, ListExecutions, GetExecutionResults and the
// std file accessors) are open to the owner and to admins. Mutations other
// than kill and delete are reserved to the owner.
//
// # Supervision
//
// A bounded Pool runs one supervisor per played execution. The supervisor
// spawns the work process in the execution directory, records its pid,
// waits for it within the effective timeout and records the terminal
// status. All status writes are conditional on the execution still being
// Running, so the first of kill, timeout and exit to commit wins.
//
// # Errors
//
// Facade methods return *EngineError values carrying an ErrorClass and a
// CARMIN ErrorCode:
//
//	if engine.IsStateConflict(err) {
//	    // report engine.CodeOf(err) to the client
//	}
//
// Resource errors hide their cause from clients; the cause is logged.
//
// # Thread Safety
//
// Service is safe for concurrent use.
package engine
