package triggering

import (
	"context"
	"sync"
	"time"
)

// versionGate turns the processing service's edge-triggered "a slot just
// freed" signal into a level-triggered wait the poll loop can retry against.
// Every time the processing service frees capacity it calls Advance, bumping
// version and waking anyone blocked in Wait. A waiter records the version it
// saw before asking for a slot and keeps waiting only while the version
// hasn't moved, so a slot freed between the check and the wait is never
// missed.
type versionGate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	version int64
}

func newVersionGate() *versionGate {
	g := &versionGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Version returns the current version, to be captured before attempting a
// processing handoff.
func (g *versionGate) Version() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// Advance bumps the version and wakes every waiter. Called by the processing
// service whenever a slot frees up.
func (g *versionGate) Advance() {
	g.mu.Lock()
	g.version++
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Wait blocks until the version differs from since, ctx is done, or timeout
// elapses, whichever happens first. It returns true only if the version
// actually advanced, distinguishing a genuine slot-free signal from a timeout
// that exists purely to keep the loop re-checking ctx/shutdown. The timeout
// bound is genericMediumDelay, so a stalled bucket still wakes up regularly
// even if the processing service never calls Advance again.
func (g *versionGate) Wait(ctx context.Context, since int64, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The mutex must be held while closing done: a waiter holds it from its
	// done-check through cond.Wait's registration, so taking it here is what
	// guarantees the broadcast cannot slip into that window and be lost.
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		close(done)
		g.mu.Unlock()
		g.cond.Broadcast()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.version == since {
		select {
		case <-done:
			return false
		default:
		}
		g.cond.Wait()
	}
	return true
}
