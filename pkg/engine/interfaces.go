package engine

import (
	"context"

	"github.com/CARMIN-org/CARMIN-server/pkg/catalog"
	"github.com/CARMIN-org/CARMIN-server/pkg/policy"
)

// PipelineCatalog resolves pipeline identifiers.
type PipelineCatalog interface {
	Lookup(identifier string) (*catalog.Entry, error)
}

// ProcessTerminator kills tracked process trees.
type ProcessTerminator interface {
	// TerminateProcessGroup signals every pid and its descendants,
	// escalating after a grace window. Already-dead processes are not errors.
	TerminateProcessGroup(ctx context.Context, pids []int) error
}

// AliveCounter counts live tracked processes.
type AliveCounter func(ctx context.Context, pids []int, countChildren bool) int

// AccessPolicy decides whether a user may act on an execution.
type AccessPolicy interface {
	Allowed(ctx context.Context, in policy.Input) (bool, error)
}
