package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
	"github.com/hochfrequenz/experiment-orchestrator/internal/notify"
	"golang.org/x/sync/errgroup"
)

var (
	ErrThrottleActive   = errors.New("a throttled run is already active")
	ErrInvalidChunkSize = errors.New("chunk size must be at least 1")
	ErrDuplicateBatch   = errors.New("batch name already in use")
	ErrInvalidBatchName = errors.New("batch name must not contain " + domain.AddressSeparator)
	ErrNoLoader         = errors.New("experiment has no loader")
)

// Loader populates an experiment from a file, typically by adding batches
type Loader[T, A any] func(ctx context.Context, exp *Experiment[T, A], path string, args ...string) error

// Experiment owns a set of batches and orchestrates their runs
type Experiment[T, A any] struct {
	id string

	// doneMu serializes completion checks so a stale count cannot reset the flag
	doneMu sync.Mutex

	mu       sync.RWMutex
	batches  []*Batch[T, A]
	complete bool
	loader   Loader[T, A]
	notifier notify.Notifier

	throttleMu      sync.Mutex
	runningN        bool
	cancelThrottled bool

	subMu   sync.RWMutex
	subs    map[int]func(domain.RunEvent)
	nextSub int
}

// New creates an empty experiment with a fresh session id
func New[T, A any]() *Experiment[T, A] {
	return &Experiment[T, A]{
		id:       uuid.NewString(),
		notifier: notify.NoopNotifier{},
		subs:     make(map[int]func(domain.RunEvent)),
	}
}

// ID returns the experiment session id
func (e *Experiment[T, A]) ID() string {
	return e.id
}

// SetLoader sets the function used by LoadFromFile
func (e *Experiment[T, A]) SetLoader(loader Loader[T, A]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loader = loader
}

// SetNotifier sets the notifier used when the experiment completes
func (e *Experiment[T, A]) SetNotifier(n notify.Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n == nil {
		n = notify.NoopNotifier{}
	}
	e.notifier = n
}

// Subscribe registers fn for run events and returns a function that removes it
func (e *Experiment[T, A]) Subscribe(fn func(domain.RunEvent)) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Experiment[T, A]) publish(ev domain.RunEvent) {
	e.subMu.RLock()
	subs := make([]func(domain.RunEvent), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subMu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// handleRun receives transitions from attached batches
func (e *Experiment[T, A]) handleRun(addr string, status domain.RunStatus, err error) {
	ev := domain.RunEvent{Address: addr, Status: status, Timestamp: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	e.publish(ev)

	if status.Pending() {
		return
	}
	if status == domain.RunFail && err != nil && !errors.Is(err, ErrStopped) {
		log.Printf("run %s failed: %v", addr, err)
		e.notify(notify.Notification{
			Title:   "Run failed",
			Message: fmt.Sprintf("%s: %v", addr, err),
			Type:    notify.NotifyError,
			Subject: addr,
		})
	}
	e.OnRunComplete()
}

func (e *Experiment[T, A]) notify(n notify.Notification) {
	n.Experiment = e.id
	n.Progress = e.Status()

	e.mu.RLock()
	notifier := e.notifier
	e.mu.RUnlock()
	if err := notifier.Send(n); err != nil {
		log.Printf("notification failed: %v", err)
	}
}

// AddBatch attaches a batch. Batch names must be unique within the experiment
// and must not contain the address separator.
func (e *Experiment[T, A]) AddBatch(b *Batch[T, A]) error {
	if strings.Contains(b.Name(), domain.AddressSeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidBatchName, b.Name())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.batches {
		if existing.Name() == b.Name() {
			return fmt.Errorf("%w: %q", ErrDuplicateBatch, b.Name())
		}
	}
	b.attach(e.handleRun)
	e.batches = append(e.batches, b)
	e.complete = false
	return nil
}

// Batches returns the batches in insertion order
func (e *Experiment[T, A]) Batches() []*Batch[T, A] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.batches)
}

// Batch looks up a batch by name
func (e *Experiment[T, A]) Batch(name string) (*Batch[T, A], bool) {
	for _, b := range e.Batches() {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}

// ClearRuns detaches every batch
func (e *Experiment[T, A]) ClearRuns() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.batches {
		b.attach(nil)
	}
	e.batches = nil
	e.complete = false
}

// ClearRun detaches the run at addr from its batch
func (e *Experiment[T, A]) ClearRun(addr string) bool {
	b, entry, ok := e.AddrToBatchAndRun(addr)
	if !ok {
		return false
	}
	return b.ClearRun(entry.ID)
}

// AddrToBatchAndRun resolves a batch:id address. It never fails loudly; ok
// is false when the batch is unknown, the id does not parse, or no run has it.
func (e *Experiment[T, A]) AddrToBatchAndRun(addr string) (*Batch[T, A], Entry[T, A], bool) {
	a, err := domain.ParseAddress(addr)
	if err != nil {
		return nil, Entry[T, A]{}, false
	}
	b, ok := e.Batch(a.Batch)
	if !ok {
		return nil, Entry[T, A]{}, false
	}
	entry, ok := b.GetRun(a.RunID)
	if !ok {
		return nil, Entry[T, A]{}, false
	}
	return b, entry, true
}

// HasAddress reports whether addr resolves to a run
func (e *Experiment[T, A]) HasAddress(addr string) bool {
	_, _, ok := e.AddrToBatchAndRun(addr)
	return ok
}

// RunOne runs the run at addr to completion. Unknown addresses are a no-op.
func (e *Experiment[T, A]) RunOne(ctx context.Context, addr string) error {
	b, entry, ok := e.AddrToBatchAndRun(addr)
	if !ok {
		return nil
	}
	return b.execute(ctx, entry)
}

// RunAllBatches runs every batch concurrently with no concurrency ceiling
func (e *Experiment[T, A]) RunAllBatches(ctx context.Context) []Result[T, A] {
	return e.eachBatch(func(b *Batch[T, A]) []Result[T, A] { return b.RunAll(ctx) })
}

// RunFails re-runs every FAIL run in every batch
func (e *Experiment[T, A]) RunFails(ctx context.Context) []Result[T, A] {
	return e.eachBatch(func(b *Batch[T, A]) []Result[T, A] { return b.RunFails(ctx) })
}

func (e *Experiment[T, A]) eachBatch(fn func(*Batch[T, A]) []Result[T, A]) []Result[T, A] {
	batches := e.Batches()
	perBatch := make([][]Result[T, A], len(batches))

	var g errgroup.Group
	for i, b := range batches {
		g.Go(func() error {
			perBatch[i] = fn(b)
			return nil
		})
	}
	g.Wait()
	return slices.Concat(perBatch...)
}

// StopRun stops the run at addr. It returns false when the address does not resolve.
func (e *Experiment[T, A]) StopRun(addr string) bool {
	b, entry, ok := e.AddrToBatchAndRun(addr)
	if !ok {
		return false
	}
	b.CancelRun(entry.ID)
	return true
}

// Detail returns the serialized run at addr
func (e *Experiment[T, A]) Detail(addr string) (Serialized[T, A], bool) {
	_, entry, ok := e.AddrToBatchAndRun(addr)
	if !ok {
		return Serialized[T, A]{}, false
	}
	return entry.Run.Serialized(), true
}

// RunList returns the address and status of every run, batch by batch in id order
func (e *Experiment[T, A]) RunList() []domain.ListEntry {
	var list []domain.ListEntry
	for _, b := range e.Batches() {
		for _, entry := range b.Entries() {
			list = append(list, domain.ListEntry{
				Address: b.Address(entry.ID),
				Status:  entry.Run.Status(),
			})
		}
	}
	return list
}

func (e *Experiment[T, A]) counts() (total, pending int) {
	for _, b := range e.Batches() {
		total += b.Len()
		pending += len(b.IncompleteRuns())
	}
	return total, pending
}

// OnRunComplete recomputes the completion flag and notifies once when the
// last pending run settles.
func (e *Experiment[T, A]) OnRunComplete() bool {
	e.doneMu.Lock()
	total, pending := e.counts()
	done := total > 0 && pending == 0

	e.mu.Lock()
	flipped := done && !e.complete
	e.complete = done
	e.mu.Unlock()
	e.doneMu.Unlock()

	if flipped {
		log.Printf("experiment %s complete (%d runs)", e.id, total)
		e.notify(notify.Notification{
			Title:   "Experiment complete",
			Message: fmt.Sprintf("%d runs settled", total),
			Type:    notify.NotifySuccess,
		})
	}
	return done
}

// Complete reports the last computed completion flag. It is informational;
// Status is computed from live run state.
func (e *Experiment[T, A]) Complete() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.complete
}

// Status reports the share of runs that are neither READY nor INCOMPLETE,
// e.g. "25% Complete". It returns "" when there are no runs.
func (e *Experiment[T, A]) Status() string {
	total, pending := e.counts()
	if total == 0 {
		return ""
	}
	pct := math.Round(100 * float64(total-pending) / float64(total))
	return fmt.Sprintf("%d%% Complete", int(pct))
}

// Serialized flattens every run across every batch, batch by batch in id order
func (e *Experiment[T, A]) Serialized() []Serialized[T, A] {
	runs := []Serialized[T, A]{}
	for _, b := range e.Batches() {
		for _, entry := range b.Entries() {
			runs = append(runs, entry.Run.Serialized())
		}
	}
	return runs
}

// SaveInOneFile writes every run as one JSON array and returns the bytes written
func (e *Experiment[T, A]) SaveInOneFile(path string) (int, error) {
	data, err := json.MarshalIndent(e.Serialized(), "", "    ")
	if err != nil {
		return 0, fmt.Errorf("encoding runs: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadFromFile delegates to the configured loader
func (e *Experiment[T, A]) LoadFromFile(ctx context.Context, path string, args ...string) error {
	e.mu.RLock()
	loader := e.loader
	e.mu.RUnlock()
	if loader == nil {
		return ErrNoLoader
	}
	return loader(ctx, e, path, args...)
}
