// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package workerpool provides the persistent worker pool the normalization
// kernels fan their phases out on. A Pool is created once and reused across
// calls, so a forward or backward pass never spawns goroutines itself.
//
// Every Parallel* method blocks until all of its work has completed, which
// makes each call a full barrier: a kernel phase that follows one can read
// everything the previous phase wrote.
//
//	pool := workerpool.New(runtime.GOMAXPROCS(0))
//	defer pool.Close()
//
//	pool.ParallelForWorker(n, 1, func(worker, start, end int) {
//	    acc := scratch[worker*stride : (worker+1)*stride]
//	    for i := start; i < end; i++ {
//	        accumulate(acc, i)
//	    }
//	})
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a persistent worker pool that can be reused across many parallel
// operations. Workers are spawned once at creation and reused.
type Pool struct {
	numWorkers int
	workC      chan workItem

	// mu is held for reading while a call hands out work and for writing
	// by Close, so workC is never closed under a pending send.
	mu     sync.RWMutex
	closed bool
}

type workItem struct {
	fn      func()
	barrier *sync.WaitGroup
}

// New creates a pool with numWorkers persistent workers.
// If numWorkers <= 0, uses GOMAXPROCS.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	p := &Pool{
		numWorkers: numWorkers,
		workC:      make(chan workItem, numWorkers*2),
	}
	for range numWorkers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

// NumWorkers returns the number of workers in the pool. Worker indices
// passed by ParallelForWorker are always below this value.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Close shuts down the worker pool. It waits for calls that are handing out
// work, pending work completes, and later calls run sequentially on the
// caller. Close may run concurrently with Parallel* calls and may be called
// more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.workC)
}

// acquire locks the pool for handing out work and reports whether it is
// still open. The caller must call p.mu.RUnlock when it returns true.
func (p *Pool) acquire() bool {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false
	}
	return true
}

// ParallelFor executes fn over contiguous ranges covering [0, n).
func (p *Pool) ParallelFor(n int, fn func(start, end int)) {
	p.ParallelForWorker(n, 1, func(_, start, end int) {
		fn(start, end)
	})
}

// ParallelForGrain is ParallelFor with every range boundary, except n
// itself, a multiple of grain.
func (p *Pool) ParallelForGrain(n, grain int, fn func(start, end int)) {
	p.ParallelForWorker(n, grain, func(_, start, end int) {
		fn(start, end)
	})
}

// ParallelForWorker statically partitions [0, n) into at most NumWorkers()
// contiguous ranges whose boundaries are multiples of grain, and calls fn
// once per range with a distinct worker index in [0, NumWorkers()).
//
// The ranges are disjoint, so fn may write slots it alone owns, or scratch
// indexed by worker, without synchronization.
func (p *Pool) ParallelForWorker(n, grain int, fn func(worker, start, end int)) {
	if n <= 0 {
		return
	}
	if grain <= 0 {
		grain = 1
	}

	numGrains := (n + grain - 1) / grain
	workers := min(p.numWorkers, numGrains)
	if workers <= 1 || !p.acquire() {
		fn(0, 0, n)
		return
	}

	chunk := (numGrains + workers - 1) / workers * grain

	var wg sync.WaitGroup
	for w := range workers {
		start := w * chunk
		if start >= n {
			break
		}
		end := min(start+chunk, n)
		wg.Add(1)
		p.workC <- workItem{
			fn: func() {
				fn(w, start, end)
			},
			barrier: &wg,
		}
	}
	p.mu.RUnlock()
	wg.Wait()
}

// ParallelForAtomic executes fn for each index in [0, n) using atomic work
// stealing, for items whose cost varies.
func (p *Pool) ParallelForAtomic(n int, fn func(i int)) {
	p.ParallelForAtomicBatched(n, 1, func(start, end int) {
		for i := start; i < end; i++ {
			fn(i)
		}
	})
}

// ParallelForAtomicBatched executes fn for batches of batchSize indices
// using atomic work stealing. fn receives [start, end) of one batch.
func (p *Pool) ParallelForAtomicBatched(n int, batchSize int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	numBatches := (n + batchSize - 1) / batchSize
	workers := min(p.numWorkers, numBatches)
	if workers <= 1 || !p.acquire() {
		fn(0, n)
		return
	}

	var nextBatch atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)

	for range workers {
		p.workC <- workItem{
			fn: func() {
				for {
					batch := int(nextBatch.Add(1)) - 1
					start := batch * batchSize
					if start >= n {
						return
					}
					fn(start, min(start+batchSize, n))
				}
			},
			barrier: &wg,
		}
	}
	p.mu.RUnlock()
	wg.Wait()
}
