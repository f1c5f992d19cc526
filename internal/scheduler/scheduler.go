// Package scheduler runs one repeating, cancellable job per key.
package scheduler

import (
	"context"
	"sync"
	"time"
)

type Func func(ctx context.Context)

type handle struct {
	cancel context.CancelFunc
}

// Scheduler owns a set of repeating jobs keyed by id. Each job runs its
// function immediately and then once per interval; runs for the same id never
// overlap because they happen sequentially on the job's own goroutine.
type Scheduler struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	handles map[string]*handle
	wg      sync.WaitGroup
	closed  bool
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[string]*handle),
	}
}

// Schedule starts fn for id. It returns false without doing anything if id
// already has a running job or the scheduler is closed.
func (s *Scheduler) Schedule(id string, interval time.Duration, fn Func) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, exists := s.handles[id]; exists {
		return false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	h := &handle{cancel: cancel}
	s.handles[id] = h

	s.wg.Add(1)
	go s.run(ctx, id, h, interval, fn)

	return true
}

func (s *Scheduler) run(ctx context.Context, id string, h *handle, interval time.Duration, fn Func) {
	defer s.wg.Done()
	defer s.release(id, h)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// release drops the handle unless it was already replaced.
func (s *Scheduler) release(id string, h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.handles[id]; ok && cur == h {
		delete(s.handles, id)
	}
}

// Stop cancels the job for id without waiting for it to exit, so it is safe
// to call from inside the job's own function.
func (s *Scheduler) Stop(id string) bool {
	s.mu.Lock()
	h, exists := s.handles[id]
	if exists {
		delete(s.handles, id)
	}
	s.mu.Unlock()

	if !exists {
		return false
	}

	h.cancel()
	return true
}

func (s *Scheduler) Active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.handles[id]
	return exists
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.handles)
}

// Close cancels every job and waits for their goroutines to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.handles = make(map[string]*handle)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
