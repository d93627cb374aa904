package proxy

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of blocking socket operations (upstream reads and
// dials) that may be in flight at once.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a pool with size slots
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of slots
func (p *Pool) Size() int {
	return p.size
}

// Do runs fn on a pool slot and waits for it to finish or for ctx to be done.
// When ctx wins, Do returns ctx.Err() and fn keeps its slot until it returns;
// its late result must be discarded by the caller.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer p.sem.Release(1)
		defer close(done)
		fn()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
