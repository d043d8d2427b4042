package dedupindex

import (
	"context"
	"sync"
)

// LoadStatus reports which lifecycle phase an Index's load context is in,
// letting an embedder show progress or decide whether to wait for
// readiness.
type LoadStatus int32

// The lifecycle phases a LoadContext passes through.
const (
	LoadStatusPending LoadStatus = iota
	LoadStatusLoading
	LoadStatusReplaying
	LoadStatusRebuilding
	LoadStatusReady
	LoadStatusFailed
)

func (s LoadStatus) String() string {
	switch s {
	case LoadStatusPending:
		return "pending"
	case LoadStatusLoading:
		return "loading"
	case LoadStatusReplaying:
		return "replaying"
	case LoadStatusRebuilding:
		return "rebuilding"
	case LoadStatusReady:
		return "ready"
	case LoadStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LoadContext tracks an Index's lifecycle status word behind a mutex and
// condition variable, so WaitUntilReady never busy-polls. Open hands the
// context out only once it is Ready, so callers see the final status, not
// the load's intermediate phases.
type LoadContext struct {
	mu     sync.Mutex
	cond   *sync.Cond
	status LoadStatus
	err    error
}

func newLoadContext() *LoadContext {
	lc := &LoadContext{}
	lc.cond = sync.NewCond(&lc.mu)
	return lc
}

func (lc *LoadContext) setStatus(s LoadStatus) {
	lc.mu.Lock()
	lc.status = s
	lc.cond.Broadcast()
	lc.mu.Unlock()
}

func (lc *LoadContext) fail(err error) {
	lc.mu.Lock()
	lc.status = LoadStatusFailed
	lc.err = err
	lc.cond.Broadcast()
	lc.mu.Unlock()
}

// Status returns the current lifecycle phase.
func (lc *LoadContext) Status() LoadStatus {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.status
}

// Err returns the error that caused a LoadStatusFailed transition, if any.
func (lc *LoadContext) Err() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.err
}

// WaitUntilReady blocks until the index reaches LoadStatusReady or
// LoadStatusFailed, or until ctx is canceled.
func (lc *LoadContext) WaitUntilReady(ctx context.Context) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.status == LoadStatusReady {
		return nil
	}
	if lc.status == LoadStatusFailed {
		return lc.err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			lc.cond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	for lc.status != LoadStatusReady && lc.status != LoadStatusFailed {
		if err := ctx.Err(); err != nil {
			return err
		}
		lc.cond.Wait()
	}
	if lc.status == LoadStatusFailed {
		return lc.err
	}
	return nil
}
