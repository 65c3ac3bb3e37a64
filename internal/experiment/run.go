package experiment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
)

// DefaultStepTimeout bounds a single runner step
const DefaultStepTimeout = 30 * time.Second

var (
	// ErrTimeout is returned when a step does not settle before the step deadline
	ErrTimeout = errors.New("ran out of time")
	// ErrStopped is returned to the caller of Run when Stop released it early
	ErrStopped = errors.New("run stopped")
)

// Runner supplies the behavior a Run sequences. Setup and Step return true
// while the run should keep stepping.
type Runner[T, A any] interface {
	Setup(ctx context.Context, a *Attempt[T, A]) (bool, error)
	Step(ctx context.Context, a *Attempt[T, A]) (bool, error)
}

// Evaluator is implemented by runners that can score a completed run
type Evaluator[T, A any] interface {
	Evaluate(ctx context.Context, a *Attempt[T, A]) (domain.Score, error)
}

// RunOption configures a Run at construction
type RunOption func(*runOptions)

type runOptions struct {
	stepTimeout time.Duration
}

// WithStepTimeout overrides DefaultStepTimeout
func WithStepTimeout(d time.Duration) RunOption {
	return func(o *runOptions) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// Run is a single resumable unit of work driven by a Runner
type Run[T, A any] struct {
	mu          sync.Mutex
	runner      Runner[T, A]
	stepTimeout time.Duration

	data     T
	messages []domain.Message
	logs     []any
	status   domain.RunStatus
	answer   *A
	score    domain.Score

	// gen identifies the live attempt. Stop and abandonment bump it so that a
	// late step from an older attempt cannot commit anything.
	gen        uint64
	stop       context.CancelCauseFunc
	startedAt  time.Time
	finishedAt time.Time
}

// NewRun creates a READY run for the given task data
func NewRun[T, A any](runner Runner[T, A], data T, opts ...RunOption) *Run[T, A] {
	o := runOptions{stepTimeout: DefaultStepTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Run[T, A]{
		runner:      runner,
		stepTimeout: o.stepTimeout,
		data:        data,
		status:      domain.RunReady,
	}
}

// Run executes the run until it completes, fails, or is stopped. Calling Run
// on an INCOMPLETE or COMPLETE run is a no-op returning nil. Re-running a
// FAIL run keeps the previous transcript and logs and appends to them.
func (r *Run[T, A]) Run(ctx context.Context) error {
	r.mu.Lock()
	if !r.status.Startable() {
		r.mu.Unlock()
		return nil
	}
	if r.status == domain.RunFail {
		r.logs = append(r.logs, "RE RUNNING", map[string]any{"Old Context": slices.Clone(r.messages)})
	}
	r.gen++
	attempt := &Attempt[T, A]{run: r, gen: r.gen}
	ctx, cancel := context.WithCancelCause(ctx)
	r.stop = cancel
	r.status = domain.RunIncomplete
	r.startedAt = time.Now()
	r.finishedAt = time.Time{}
	r.mu.Unlock()
	defer cancel(nil)

	done := make(chan error, 1)
	go func() {
		done <- r.execute(ctx, attempt)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		err := context.Cause(ctx)
		r.abandon(attempt.gen, err)
		return err
	}
}

func (r *Run[T, A]) execute(ctx context.Context, a *Attempt[T, A]) error {
	cont, err := await(ctx, 0, func(ctx context.Context) (bool, error) {
		return r.runner.Setup(ctx, a)
	})
	if err != nil {
		return r.fail(a.gen, fmt.Errorf("setup: %w", err))
	}
	a.Log("Setup Complete")

	for cont {
		cont, err = await(ctx, r.stepTimeout, func(ctx context.Context) (bool, error) {
			return r.runner.Step(ctx, a)
		})
		if err != nil {
			return r.fail(a.gen, err)
		}
	}

	r.mu.Lock()
	if r.gen != a.gen {
		r.mu.Unlock()
		return ErrStopped
	}
	r.status = domain.RunComplete
	r.finishedAt = time.Now()
	r.mu.Unlock()

	evaluator, ok := r.runner.(Evaluator[T, A])
	if !ok {
		return nil
	}
	score, err := evaluator.Evaluate(ctx, a)
	if err != nil {
		a.Log(fmt.Sprintf("Evaluation failed: %v", err))
		return nil
	}
	r.mu.Lock()
	if r.gen == a.gen && r.status == domain.RunComplete {
		r.score = score
	}
	r.mu.Unlock()
	return nil
}

// fail marks the attempt failed and detaches it, so a step still running past
// its deadline cannot commit anything afterwards.
func (r *Run[T, A]) fail(gen uint64, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == gen {
		r.gen++
		r.status = domain.RunFail
		r.finishedAt = time.Now()
		r.logs = append(r.logs, fmt.Sprintf("Failed: %v", err))
	}
	return err
}

// abandon marks the attempt failed when the caller's context ended before it
// settled. Stop has already done this for its own attempt.
func (r *Run[T, A]) abandon(gen uint64, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || r.status != domain.RunIncomplete {
		return
	}
	r.gen++
	r.status = domain.RunFail
	r.finishedAt = time.Now()
	r.logs = append(r.logs, fmt.Sprintf("Abandoned: %v", cause))
}

// Stop forces an in-flight run to FAIL and releases the goroutine waiting in
// Run with ErrStopped. A step already executing is not interrupted beyond
// context cancellation; anything it reports afterwards is discarded.
func (r *Run[T, A]) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != domain.RunIncomplete || r.stop == nil {
		return false
	}
	r.gen++
	r.status = domain.RunFail
	r.finishedAt = time.Now()
	r.logs = append(r.logs, "STOPPED")
	r.stop(ErrStopped)
	return true
}

// await runs fn in its own goroutine so that a step ignoring its context still
// cannot hold the run past the deadline or a stop.
func await(ctx context.Context, timeout time.Duration, fn func(context.Context) (bool, error)) (bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
		defer cancel()
	}

	type result struct {
		cont bool
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("runner panicked: %v", p)}
			}
		}()
		cont, err := fn(ctx)
		ch <- result{cont: cont, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && ctx.Err() != nil {
			return false, context.Cause(ctx)
		}
		return res.cont, res.err
	case <-ctx.Done():
		return false, context.Cause(ctx)
	}
}

// Data returns the immutable task input
func (r *Run[T, A]) Data() T {
	return r.data
}

// Status returns the current lifecycle status
func (r *Run[T, A]) Status() domain.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Answer returns the produced answer, if any
func (r *Run[T, A]) Answer() (A, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.answer == nil {
		var zero A
		return zero, false
	}
	return *r.answer, true
}

// Score returns the evaluation result. It is only meaningful once the run is COMPLETE.
func (r *Run[T, A]) Score() domain.Score {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.score
}

// Messages returns a copy of the interaction transcript
func (r *Run[T, A]) Messages() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.messages)
}

// Logs returns a copy of the diagnostic trail
func (r *Run[T, A]) Logs() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.logs)
}

// StartedAt returns when the latest attempt started (zero if never run)
func (r *Run[T, A]) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

// FinishedAt returns when the latest attempt settled (zero while running)
func (r *Run[T, A]) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

// Attempt is the handle a Runner uses to read and mutate its Run during one
// execution. Once the attempt is stopped, timed out or superseded, all
// mutations through it are dropped and report false.
type Attempt[T, A any] struct {
	run *Run[T, A]
	gen uint64
}

// Data returns the task input of the run
func (a *Attempt[T, A]) Data() T {
	return a.run.data
}

// Messages returns a copy of the transcript accumulated so far
func (a *Attempt[T, A]) Messages() []domain.Message {
	return a.run.Messages()
}

// Answer returns the answer recorded so far
func (a *Attempt[T, A]) Answer() (A, bool) {
	return a.run.Answer()
}

// Live reports whether this attempt may still commit changes
func (a *Attempt[T, A]) Live() bool {
	a.run.mu.Lock()
	defer a.run.mu.Unlock()
	return a.run.gen == a.gen
}

// AddMessage appends messages to the transcript
func (a *Attempt[T, A]) AddMessage(msgs ...domain.Message) bool {
	return a.commit(func(r *Run[T, A]) {
		r.messages = append(r.messages, msgs...)
	})
}

// SetAnswer records the final answer
func (a *Attempt[T, A]) SetAnswer(answer A) bool {
	return a.commit(func(r *Run[T, A]) {
		r.answer = &answer
	})
}

// Log appends an entry to the diagnostic trail
func (a *Attempt[T, A]) Log(entry any) bool {
	return a.commit(func(r *Run[T, A]) {
		r.logs = append(r.logs, entry)
	})
}

func (a *Attempt[T, A]) commit(fn func(*Run[T, A])) bool {
	a.run.mu.Lock()
	defer a.run.mu.Unlock()
	if a.run.gen != a.gen {
		return false
	}
	fn(a.run)
	return true
}
