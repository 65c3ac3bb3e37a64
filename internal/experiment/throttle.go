package experiment

import (
	"context"
	"fmt"
	"log"
	"slices"

	"golang.org/x/sync/errgroup"
)

type target[T, A any] struct {
	batch *Batch[T, A]
	entry Entry[T, A]
}

// RunNAtATime runs the runs at addrs in consecutive chunks of n. Each chunk
// starts all its runs at once and settles completely before the next one
// starts; a failing run never stops its siblings. Unresolvable addresses are
// dropped. Only one throttled run may be active per experiment; a second
// call returns ErrThrottleActive without doing anything.
//
// CancelThrottledRuns takes effect between chunks: runs already in flight
// finish, later chunks never start.
func (e *Experiment[T, A]) RunNAtATime(ctx context.Context, n int, addrs []string) error {
	if n < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, n)
	}

	e.throttleMu.Lock()
	if e.runningN {
		e.throttleMu.Unlock()
		return ErrThrottleActive
	}
	e.runningN = true
	e.cancelThrottled = false
	e.throttleMu.Unlock()

	defer func() {
		e.throttleMu.Lock()
		e.runningN = false
		e.throttleMu.Unlock()
	}()

	var targets []target[T, A]
	for _, addr := range addrs {
		if b, entry, ok := e.AddrToBatchAndRun(addr); ok {
			targets = append(targets, target[T, A]{batch: b, entry: entry})
		}
	}

	chunk := 0
	for group := range slices.Chunk(targets, n) {
		chunk++
		var g errgroup.Group
		for _, t := range group {
			g.Go(func() error {
				t.batch.execute(ctx, t.entry)
				return nil
			})
		}
		g.Wait()

		if e.takeThrottleCancel() {
			log.Printf("throttled run cancelled after chunk %d of %d", chunk, (len(targets)+n-1)/n)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// CancelThrottledRuns asks the active throttled run to stop before its next chunk
func (e *Experiment[T, A]) CancelThrottledRuns() {
	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()
	e.cancelThrottled = true
}

// ThrottledRunActive reports whether RunNAtATime is in progress
func (e *Experiment[T, A]) ThrottledRunActive() bool {
	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()
	return e.runningN
}

func (e *Experiment[T, A]) takeThrottleCancel() bool {
	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()
	cancelled := e.cancelThrottled
	e.cancelThrottled = false
	return cancelled
}
