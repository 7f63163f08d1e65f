// Package procs terminates and inspects the OS process trees tracked for
// running executions.
package procs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/CARMIN-org/CARMIN-server/pkg/telemetry"
)

// DefaultGrace is the time between the graceful and the forceful signal.
const DefaultGrace = 2 * time.Second

const pollInterval = 50 * time.Millisecond

// Terminator sends SIGTERM to a process tree and escalates to SIGKILL
// after a grace window. The current process is never signalled.
type Terminator struct {
	grace  time.Duration
	self   int32
	logger *telemetry.Logger
}

// NewTerminator creates a Terminator. A non-positive grace uses DefaultGrace.
func NewTerminator(grace time.Duration, logger *telemetry.Logger) *Terminator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Terminator{
		grace:  grace,
		self:   int32(os.Getpid()),
		logger: logger.NewComponentLogger("procs"),
	}
}

// Grace returns the escalation window.
func (t *Terminator) Grace() time.Duration {
	return t.grace
}

// TerminateProcessGroup signals every tracked pid and all of its
// descendants. Processes that are already gone are skipped silently; only
// unexpected signal failures are returned, after the whole batch ran.
func (t *Terminator) TerminateProcessGroup(ctx context.Context, pids []int) error {
	members := t.members(ctx, pids)
	if len(members) == 0 {
		return nil
	}

	var errs []error
	for _, p := range members {
		if err := signal(ctx, p, syscall.SIGTERM); err != nil {
			errs = append(errs, err)
		}
	}

	survivors := waitExit(ctx, members, t.grace)
	for _, p := range survivors {
		t.logger.WithPID(int(p.Pid)).Warn("process survived SIGTERM, sending SIGKILL")
		if err := signal(ctx, p, syscall.SIGKILL); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// AliveCount returns how many of pids are alive. With countChildren the
// live descendants of each pid are counted too.
func AliveCount(ctx context.Context, pids []int, countChildren bool) int {
	var tree map[int32][]int32
	if countChildren {
		tree = childrenIndex(ctx)
	}

	count := 0
	for _, pid := range pids {
		p, ok := lookup(ctx, int32(pid))
		if !ok {
			continue
		}
		count++
		if countChildren {
			for _, child := range descendants(tree, p.Pid) {
				if _, ok := lookup(ctx, child); ok {
					count++
				}
			}
		}
	}
	return count
}

// members returns the live processes of every tracked tree, roots last so
// children receive signals first, without duplicates or the current process.
func (t *Terminator) members(ctx context.Context, pids []int) []*process.Process {
	tree := childrenIndex(ctx)
	seen := make(map[int32]bool)
	var out []*process.Process

	add := func(pid int32) {
		if pid == t.self || seen[pid] {
			return
		}
		seen[pid] = true
		if p, ok := lookup(ctx, pid); ok {
			out = append(out, p)
		}
	}

	for _, pid := range pids {
		root := int32(pid)
		if root == t.self || root <= 1 {
			continue
		}
		for _, child := range descendants(tree, root) {
			add(child)
		}
		add(root)
	}
	return out
}

// childrenIndex maps each pid to its direct children.
func childrenIndex(ctx context.Context) map[int32][]int32 {
	index := make(map[int32][]int32)
	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return index
	}
	for _, p := range all {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		index[ppid] = append(index[ppid], p.Pid)
	}
	return index
}

// descendants walks the index breadth first.
func descendants(index map[int32][]int32, root int32) []int32 {
	var out []int32
	queue := append([]int32(nil), index[root]...)
	seen := map[int32]bool{root: true}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		out = append(out, pid)
		queue = append(queue, index[pid]...)
	}
	return out
}

// lookup returns the process if it exists and is not a zombie.
func lookup(ctx context.Context, pid int32) (*process.Process, bool) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, false
	}
	return p, alive(ctx, p)
}

func alive(ctx context.Context, p *process.Process) bool {
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		// Vanished between the two reads.
		return false
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

func signal(ctx context.Context, p *process.Process, sig syscall.Signal) error {
	err := p.SendSignalWithContext(ctx, sig)
	if err == nil || errors.Is(err, unix.ESRCH) || errors.Is(err, os.ErrProcessDone) ||
		errors.Is(err, process.ErrorProcessNotRunning) {
		return nil
	}
	return fmt.Errorf("failed to send %s to pid %d: %w", sig, p.Pid, err)
}

// waitExit polls until every member is gone or the grace window closes
// and returns the survivors.
func waitExit(ctx context.Context, members []*process.Process, grace time.Duration) []*process.Process {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	remaining := members
	for {
		remaining = stillAlive(ctx, remaining)
		if len(remaining) == 0 {
			return nil
		}
		select {
		case <-deadline.C:
			return stillAlive(ctx, remaining)
		case <-ctx.Done():
			// Escalate right away; a cancelled caller still wants the tree gone.
			return stillAlive(context.Background(), remaining)
		case <-ticker.C:
		}
	}
}

func stillAlive(ctx context.Context, members []*process.Process) []*process.Process {
	var out []*process.Process
	for _, p := range members {
		if alive(ctx, p) {
			out = append(out, p)
		}
	}
	return out
}
