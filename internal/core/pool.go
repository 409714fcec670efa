package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Pool runs work units with a fixed upper bound on concurrency.
type Pool struct {
	size     int
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inflight atomic.Int64
	peak     atomic.Int64
}

// NewPool returns a pool with room for size concurrent units. Sizes below one
// are treated as one.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Size() int { return p.size }

// Peak is the highest number of units that ran at the same time.
func (p *Pool) Peak() int { return int(p.peak.Load()) }

// Go blocks until a slot is free, then runs fn in its own goroutine. It only
// fails when ctx ends before a slot frees up; fn is not run in that case.
// A panic in fn is logged and does not take the pool down.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire pool slot: %w", err)
	}
	p.wg.Add(1)
	n := p.inflight.Add(1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Pool work unit panicked")
			}
			p.inflight.Add(-1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return nil
}

// Wait blocks until every unit started with Go has returned.
func (p *Pool) Wait() { p.wg.Wait() }
