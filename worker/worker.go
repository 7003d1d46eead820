// Copyright 2025 Nguyen Nhat Nguyen
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

package worker

import (
	"context"
	"log/slog"
	"sync"
)

type Worker[Job any] func(context.Context, Job)

// BlockingPool runs size workers over jobs and blocks until jobs is closed and
// drained, or ctx is cancelled.
//
// The caller must ensure that jobs eventually gets closed or the context gets cancelled.
//
// A panicking job is logged and skipped; its worker keeps pulling jobs.
func BlockingPool[Job any](ctx context.Context, size int, jobs <-chan Job, worker Worker[Job]) {
	if size <= 0 {
		size = 1
	}
	wg := sync.WaitGroup{}
	// spawn workers that pull jobs while listening for channel closure and ctx cancellation
	for range size {
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					run(ctx, worker, job)
				}
			}
		})
	}

	wg.Wait()
}

// Generate emits build(i) for i in [0, n) and closes the channel, stopping
// early when ctx is cancelled.
func Generate[Job any](ctx context.Context, n int, build func(i int) Job) <-chan Job {
	jobs := make(chan Job)
	go func() {
		defer close(jobs)
		for i := range n {
			select {
			case <-ctx.Done():
				return
			case jobs <- build(i):
			}
		}
	}()
	return jobs
}

// wg.Go requires that func does not panic
func run[Job any](ctx context.Context, worker Worker[Job], job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "worker job panicked", slog.Any("error", rec))
		}
	}()
	worker(ctx, job)
}
