package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Submit once Drain has been called.
var ErrPoolClosed = errors.New("worker pool is draining")

// Task is one unit of supervised work.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of workers. Submit never blocks the
// caller: tasks wait in an in-memory queue until a worker is free.
type Pool struct {
	ctx     context.Context
	onQueue func(queued int)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	closed bool

	wg sync.WaitGroup
}

// NewPool starts workers goroutines. Tasks receive ctx, which is detached
// from any request. onQueue, if set, is called with the queue length
// whenever it changes.
func NewPool(ctx context.Context, workers int, onQueue func(queued int)) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{ctx: ctx, onQueue: onQueue}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues task for execution.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	queued := len(p.queue)
	p.mu.Unlock()

	p.report(queued)
	p.cond.Signal()
	return nil
}

// Drain stops accepting tasks and waits until every queued task has run,
// or ctx is done.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		queued := len(p.queue)
		p.mu.Unlock()

		p.report(queued)
		task(p.ctx)
	}
}

func (p *Pool) report(queued int) {
	if p.onQueue != nil {
		p.onQueue(queued)
	}
}
