// Package render turns session state into encoded frames on a bounded pool
// of workers.
package render

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of frames rendered at once.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), size: workers}
}

// Size is the number of concurrent slots.
func (p *Pool) Size() int { return p.size }

// Do runs fn once a slot is free. It returns ctx's error if the caller gives
// up while waiting.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
