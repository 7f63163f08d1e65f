package engine

import (
	"fmt"

	"github.com/CARMIN-org/CARMIN-server/pkg/stores"
)

// transitions is the lifecycle graph. Statuses absent from the map are terminal.
var transitions = map[stores.ExecutionStatus][]stores.ExecutionStatus{
	stores.StatusInitializing: {
		stores.StatusRunning,
		stores.StatusInitializationFailed,
	},
	stores.StatusRunning: {
		stores.StatusFinished,
		stores.StatusExecutionFailed,
		stores.StatusKilled,
		stores.StatusUnknown,
	},
}

// completedStatuses are the statuses whose outputs may be listed.
var completedStatuses = map[stores.ExecutionStatus]bool{
	stores.StatusFinished:        true,
	stores.StatusExecutionFailed: true,
	stores.StatusUnknown:         true,
	stores.StatusKilled:          true,
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to stores.ExecutionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no transition leaves status.
func IsTerminal(status stores.ExecutionStatus) bool {
	_, ok := transitions[status]
	return !ok && ValidateStatus(status) == nil
}

// IsCompleted returns true if results may be read in status.
func IsCompleted(status stores.ExecutionStatus) bool {
	return completedStatuses[status]
}

// ValidateStatus checks if status is a known execution status.
func ValidateStatus(status stores.ExecutionStatus) error {
	switch status {
	case stores.StatusInitializing, stores.StatusInitializationFailed, stores.StatusRunning,
		stores.StatusFinished, stores.StatusExecutionFailed, stores.StatusKilled, stores.StatusUnknown:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", status)
	}
}
