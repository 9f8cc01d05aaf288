package engine

import (
	"context"
	"sync"
)

// BatchStats summarizes one bounded batch of stage work.
type BatchStats struct {
	Started   int
	Panicked  int
	Cancelled int
}

// runBounded executes tasks with at most limit goroutines in flight and
// blocks until every started task returns. A wide level therefore cannot
// spawn unbounded agent processes. Once ctx is cancelled no further tasks
// start; tasks already running are expected to honor ctx themselves.
// A panicking task is contained and counted, never propagated.
func runBounded(ctx context.Context, limit int, tasks []func(context.Context)) BatchStats {
	if limit <= 0 {
		limit = 1
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stats  BatchStats
		tokens = make(chan struct{}, limit)
	)

	for _, task := range tasks {
		select {
		case tokens <- struct{}{}:
		case <-ctx.Done():
			mu.Lock()
			stats.Cancelled = len(tasks) - stats.Started
			mu.Unlock()
			wg.Wait()
			return stats
		}

		mu.Lock()
		stats.Started++
		mu.Unlock()

		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			defer func() { <-tokens }()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					stats.Panicked++
					mu.Unlock()
				}
			}()
			fn(ctx)
		}(task)
	}

	wg.Wait()
	return stats
}
