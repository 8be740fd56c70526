package kv

import (
	"log/slog"
	"sync"
)

type asyncOp struct {
	desc  string
	apply func() error
}

// applier runs submitted operations one at a time, in submission order,
// on a single background goroutine. A failure is logged and latched; the
// next drain returns it, so a transaction that depends on earlier async
// writes fails instead of running against incomplete state.
type applier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []asyncOp
	busy    bool
	running bool
	closed  bool
	err     error
}

func newApplier() *applier {
	a := &applier{running: true}
	a.cond = sync.NewCond(&a.mu)
	go a.run()
	return a
}

func (a *applier) submit(desc string, fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		slog.Warn("async write after close dropped", "op", desc)
		return
	}
	a.queue = append(a.queue, asyncOp{desc: desc, apply: fn})
	a.cond.Broadcast()
}

func (a *applier) run() {
	a.mu.Lock()
	for {
		for len(a.queue) == 0 && !a.closed {
			a.cond.Wait()
		}
		if len(a.queue) == 0 && a.closed {
			a.running = false
			a.cond.Broadcast()
			a.mu.Unlock()
			return
		}

		op := a.queue[0]
		a.queue = a.queue[1:]
		a.busy = true
		a.mu.Unlock()

		err := op.apply()

		a.mu.Lock()
		a.busy = false
		if err != nil {
			slog.Error("background store write failed", "op", op.desc, "error", err)
			if a.err == nil {
				a.err = err
			}
		}
		a.cond.Broadcast()
	}
}

// drain blocks until every submitted operation has been applied, then
// reports and clears the first failure since the previous drain.
func (a *applier) drain() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for len(a.queue) > 0 || a.busy {
		a.cond.Wait()
	}
	err := a.err
	a.err = nil
	return err
}

func (a *applier) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return a.err
	}
	a.closed = true
	a.cond.Broadcast()
	for a.running {
		a.cond.Wait()
	}
	err := a.err
	a.err = nil
	return err
}
