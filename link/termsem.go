package link

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// newGate returns a weighted semaphore pre-acquired to zero available
// slots, so a goroutine calling wait() blocks until exactly one
// signal() call releases it. It is a one-shot handshake: SlipLink
// uses it so the detaching goroutine can safely stop sending SIGHUP
// to a reader/writer thread only after that thread has observed its
// own stop flag, and the thread itself only returns after the
// detacher has acknowledged it will not signal it again.
type gate struct {
	sem *semaphore.Weighted
}

func newGate() *gate {
	g := &gate{sem: semaphore.NewWeighted(1)}
	g.sem.Acquire(context.Background(), 1)
	return g
}

func (g *gate) wait() {
	g.sem.Acquire(context.Background(), 1)
}

func (g *gate) signal() {
	g.sem.Release(1)
}
