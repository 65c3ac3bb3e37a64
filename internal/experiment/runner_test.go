package experiment

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
	"github.com/hochfrequenz/experiment-orchestrator/internal/notify"
)

// funcRunner adapts plain functions to the Runner interface
type funcRunner struct {
	setup func(ctx context.Context, a *Attempt[string, string]) (bool, error)
	step  func(ctx context.Context, a *Attempt[string, string]) (bool, error)

	setups atomic.Int32
	steps  atomic.Int32
}

func (f *funcRunner) Setup(ctx context.Context, a *Attempt[string, string]) (bool, error) {
	f.setups.Add(1)
	if f.setup == nil {
		return true, nil
	}
	return f.setup(ctx, a)
}

func (f *funcRunner) Step(ctx context.Context, a *Attempt[string, string]) (bool, error) {
	f.steps.Add(1)
	if f.step == nil {
		a.SetAnswer("answer:" + a.Data())
		return false, nil
	}
	return f.step(ctx, a)
}

// scoringRunner also implements Evaluator
type scoringRunner struct {
	funcRunner
	score domain.Score
}

func (s *scoringRunner) Evaluate(ctx context.Context, a *Attempt[string, string]) (domain.Score, error) {
	return s.score, nil
}

// eventLog records ordered lifecycle markers from concurrently running steps
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) index(ev string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == ev {
			return i
		}
	}
	return -1
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
	last notify.Notification
}

func (n *recordingNotifier) Send(msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg.Title)
	n.last = msg
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}
