package experiment

import (
	"context"
	"sync"

	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Entry pairs a run with its stable per-batch id
type Entry[T, A any] struct {
	ID  int
	Run *Run[T, A]
}

// Result is the settled outcome of one run in a bulk operation. Err is nil
// for runs the operation left untouched.
type Result[T, A any] struct {
	Address string
	Run     *Run[T, A]
	Err     error
}

// runHook is how a batch reports run transitions to its owner without
// holding a reference to it
type runHook func(addr string, status domain.RunStatus, err error)

// Batch is a named, insertion-ordered collection of runs
type Batch[T, A any] struct {
	mu     sync.RWMutex
	name   string
	nextID int
	runs   []Entry[T, A]
	hook   runHook
}

// NewBatch creates a batch, assigning ids 0..n-1 in order
func NewBatch[T, A any](name string, runs []*Run[T, A]) *Batch[T, A] {
	b := &Batch[T, A]{name: name}
	for _, r := range runs {
		b.runs = append(b.runs, Entry[T, A]{ID: b.newID(), Run: r})
	}
	return b
}

func (b *Batch[T, A]) newID() int {
	id := b.nextID
	b.nextID++
	return id
}

// Name returns the batch name
func (b *Batch[T, A]) Name() string {
	return b.name
}

// Address returns the address of the run with the given id in this batch
func (b *Batch[T, A]) Address(id int) string {
	return domain.FormatAddress(b.name, id)
}

// Entries returns a snapshot of the runs in id order
func (b *Batch[T, A]) Entries() []Entry[T, A] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry[T, A], len(b.runs))
	copy(out, b.runs)
	return out
}

// Len returns the number of runs in the batch
func (b *Batch[T, A]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.runs)
}

// GetRun looks up a run by its stable id
func (b *Batch[T, A]) GetRun(id int) (Entry[T, A], bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.runs {
		if e.ID == id {
			return e, true
		}
	}
	return Entry[T, A]{}, false
}

// ActiveRuns returns the runs currently executing
func (b *Batch[T, A]) ActiveRuns() []Entry[T, A] {
	return b.filter(func(s domain.RunStatus) bool { return s == domain.RunIncomplete })
}

// IncompleteRuns returns the runs that are READY or INCOMPLETE
func (b *Batch[T, A]) IncompleteRuns() []Entry[T, A] {
	return b.filter(domain.RunStatus.Pending)
}

// RunsWithStatus returns the runs currently in the given status
func (b *Batch[T, A]) RunsWithStatus(status domain.RunStatus) []Entry[T, A] {
	return b.filter(func(s domain.RunStatus) bool { return s == status })
}

func (b *Batch[T, A]) filter(keep func(domain.RunStatus) bool) []Entry[T, A] {
	var out []Entry[T, A]
	for _, e := range b.Entries() {
		if keep(e.Run.Status()) {
			out = append(out, e)
		}
	}
	return out
}

// CancelRun stops every run with the given id and returns how many were stopped
func (b *Batch[T, A]) CancelRun(id int) int {
	stopped := 0
	for _, e := range b.Entries() {
		if e.ID == id && e.Run.Stop() {
			stopped++
		}
	}
	return stopped
}

// ClearRun detaches the run with the given id. The id is not reused.
func (b *Batch[T, A]) ClearRun(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.runs {
		if e.ID == id {
			b.runs = append(b.runs[:i:i], b.runs[i+1:]...)
			return true
		}
	}
	return false
}

// RunAll starts every run at once and waits for all of them to settle
func (b *Batch[T, A]) RunAll(ctx context.Context) []Result[T, A] {
	return b.runMatching(ctx, func(*Run[T, A]) bool { return true })
}

// RunFails re-runs only the runs currently in FAIL; the others are returned as-is
func (b *Batch[T, A]) RunFails(ctx context.Context) []Result[T, A] {
	return b.runMatching(ctx, func(r *Run[T, A]) bool { return r.Status() == domain.RunFail })
}

func (b *Batch[T, A]) runMatching(ctx context.Context, pick func(*Run[T, A]) bool) []Result[T, A] {
	entries := b.Entries()
	results := make([]Result[T, A], len(entries))

	var g errgroup.Group
	for i, e := range entries {
		results[i] = Result[T, A]{Address: b.Address(e.ID), Run: e.Run}
		if !pick(e.Run) {
			continue
		}
		g.Go(func() error {
			results[i].Err = b.execute(ctx, e)
			return nil
		})
	}
	g.Wait()
	return results
}

// execute runs one entry and reports its transitions through the hook
func (b *Batch[T, A]) execute(ctx context.Context, e Entry[T, A]) error {
	b.mu.RLock()
	hook := b.hook
	b.mu.RUnlock()

	addr := b.Address(e.ID)
	if hook != nil && e.Run.Status().Startable() {
		hook(addr, domain.RunIncomplete, nil)
	}
	err := e.Run.Run(ctx)
	if hook != nil {
		hook(addr, e.Run.Status(), err)
	}
	return err
}

func (b *Batch[T, A]) attach(hook runHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = hook
}
