// Package task provides a small goroutine group with group-wide cancellation,
// adapted from the teacher's go.gazette.dev/core/task.Group usage in
// consumer/service.go: named tasks are queued, run concurrently, and
// the group's Context is cancelled as soon as any task returns a
// non-nil error (or Cancel is called), so sibling tasks can observe
// shutdown and wind down.
package task

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Group runs a set of named tasks, tracks their errors, and exposes a
// Context which is cancelled on the first failure or explicit Cancel.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	firstMu sync.Once
	first   error
}

// NewGroup returns a Group deriving its Context from ctx.
func NewGroup(ctx context.Context) *Group {
	var g = &Group{}
	g.ctx, g.cancel = context.WithCancel(ctx)
	return g
}

// Context returns the Group's Context, cancelled on first failure.
func (g *Group) Context() context.Context { return g.ctx }

// Queue starts fn in a new goroutine tagged with name for logging. If fn
// returns a non-nil error, it's recorded (the first one wins) and the
// Group's Context is cancelled.
func (g *Group) Queue(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		var err = fn()
		if err == nil {
			return
		}
		g.firstMu.Do(func() {
			g.mu.Lock()
			g.first = err
			g.mu.Unlock()
		})
		log.WithFields(log.Fields{"task": name, "err": err}).Error("task failed; cancelling group")
		g.cancel()
	}()
}

// Cancel cancels the Group's Context, signalling all queued tasks to
// begin winding down.
func (g *Group) Cancel() { g.cancel() }

// Wait blocks until all queued tasks have returned, and returns the
// first non-nil error observed (if any).
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.first
}
