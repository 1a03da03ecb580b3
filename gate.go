package blobstore

import (
	"context"

	"golang.org/x/sync/semaphore"
)

const gateWeight = 1 << 30

// gate keeps segment retirement away from in-flight reads and writes.
// Foreground operations and scrubs hold one unit, a compaction swap holds all
// of them.
type gate struct {
	sem *semaphore.Weighted
}

func newGate() *gate {
	return &gate{sem: semaphore.NewWeighted(gateWeight)}
}

func (g *gate) enter() {
	_ = g.sem.Acquire(context.Background(), 1)
}

func (g *gate) leave() {
	g.sem.Release(1)
}

func (g *gate) lock(ctx context.Context) error {
	return g.sem.Acquire(ctx, gateWeight)
}

func (g *gate) unlock() {
	g.sem.Release(gateWeight)
}
