// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nn

import "github.com/ajroetker/go-groupnorm/hwy/contrib/workerpool"

// MinParallelElements is the tensor size below which a call runs on the
// calling goroutine even when a pool is supplied.
const MinParallelElements = 16384

// executor runs the parallel phases of one call, either on a pool or
// inline. Results never depend on which.
type executor struct {
	pool *workerpool.Pool
}

func newExecutor(pool *workerpool.Pool, elements int) executor {
	if elements < MinParallelElements {
		pool = nil
	}
	return executor{pool: pool}
}

// workers is the number of distinct worker indices perWorker may pass.
func (e executor) workers() int {
	if e.pool == nil {
		return 1
	}
	return max(e.pool.NumWorkers(), 1)
}

// units partitions [0, n) with a grain of one, for per-(n,g) work.
func (e executor) units(n int, fn func(start, end int)) {
	if e.pool == nil {
		fn(0, n)
		return
	}
	e.pool.ParallelForAtomicBatched(n, 1, fn)
}

// each calls fn for every index in [0, n), balancing uneven items.
func (e executor) each(n int, fn func(i int)) {
	if e.pool == nil {
		for i := range n {
			fn(i)
		}
		return
	}
	e.pool.ParallelForAtomic(n, fn)
}

// grained partitions [0, n) into disjoint ranges aligned to grain.
func (e executor) grained(n, grain int, fn func(start, end int)) {
	if e.pool == nil {
		if n > 0 {
			fn(0, n)
		}
		return
	}
	e.pool.ParallelForGrain(n, grain, fn)
}

// perWorker partitions [0, n) and passes each range its worker index, for
// writing per-worker scratch.
func (e executor) perWorker(n int, fn func(worker, start, end int)) {
	if e.pool == nil {
		if n > 0 {
			fn(0, 0, n)
		}
		return
	}
	e.pool.ParallelForWorker(n, 1, fn)
}
