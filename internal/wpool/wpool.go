// Package wpool implements the fixed-size worker pool that executes
// per-line request handling — and, when it is wired in as the cache
// Engine's Submitter, cache background-rebuild tasks — off the Reactor
// goroutine (spec.md §4.4, §5).
package wpool

import (
	"github.com/rs/zerolog"

	"github.com/chatcore/linechat/internal/queue"
)

// Task is a unit of work executed by a worker goroutine.
type Task func()

// Pool is a fixed-size set of goroutines pulling Tasks from a bounded
// queue. Submission blocks the caller only once the queue is full
// (backpressure); a panicking task is logged and does not kill the worker.
type Pool struct {
	q      *queue.BoundedQueue[Task]
	log    zerolog.Logger
	closed chan struct{}
}

// New starts n workers reading from a queue of the given capacity.
func New(n, capacity int, log zerolog.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{
		q:      queue.New[Task](capacity),
		log:    log,
		closed: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	for {
		task, ok := p.q.Take()
		if !ok {
			return
		}
		p.runSafely(id, task)
	}
}

func (p *Pool) runSafely(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("worker", id).Interface("panic", r).Msg("worker task panicked")
		}
	}()
	task()
}

// Submit enqueues task, blocking the caller if the queue is full. It
// returns false if the pool has been stopped.
func (p *Pool) Submit(task Task) bool {
	return p.q.Put(task)
}

// Stop signals every worker to exit once the queue drains. In-flight tasks
// are allowed to complete; no new tasks are accepted after this returns.
func (p *Pool) Stop() {
	p.q.Stop()
}
