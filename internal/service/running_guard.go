package service

import (
	"context"
	"sync"
)

// ExportedRunningGuard is an exported alias so _test packages can test the guard.
type ExportedRunningGuard = runningJobsGuard

// ─────────────────────────────────────────────────────────────
// runningJobsGuard: one cycle per job at a time
// ─────────────────────────────────────────────────────────────

// runningJobsGuard ensures only one cycle per key runs at a time inside
// this process. The service keys it on the cache table, so two jobs sharing
// a table exclude each other. LeaseStore extends the guarantee across
// processes.
type runningJobsGuard struct {
	mu      sync.Mutex
	running map[string]string // key → job holding it
	wg      sync.WaitGroup
}

// TryLock attempts to mark key as running under its own name.
// Returns false if it already is.
func (g *runningJobsGuard) TryLock(key string) bool {
	return g.TryLockFor(key, key)
}

// TryLockFor attempts to mark key as running on behalf of job.
func (g *runningJobsGuard) TryLockFor(key, job string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]string)
	}
	if _, ok := g.running[key]; ok {
		return false
	}
	g.running[key] = job
	g.wg.Add(1)
	return true
}

// Holder returns the job holding key, if any.
func (g *runningJobsGuard) Holder(key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	job, ok := g.running[key]
	return job, ok
}

// Unlock marks the key as no longer running. Must follow a successful TryLock.
func (g *runningJobsGuard) Unlock(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, key)
	g.wg.Done()
}

// Running lists the jobs currently marked as running.
func (g *runningJobsGuard) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.running))
	for _, j := range g.running {
		out = append(out, j)
	}
	return out
}

// WaitAll blocks until all currently running jobs complete or ctx is cancelled.
func (g *runningJobsGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
