package observer

import (
	"slices"
	"sync"
	"time"

	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
)

// Observer follows run events and collects execution metrics
type Observer struct {
	stuckThreshold time.Duration

	inFlight    map[string]time.Time
	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	Address     string
	Status      domain.RunStatus
	Duration    time.Duration
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int           `json:"total_completed"`
	TotalFailed    int           `json:"total_failed"`
	InFlight       int           `json:"in_flight"`
	AvgDuration    time.Duration `json:"avg_duration"`
}

// New creates an Observer that flags runs in flight longer than stuckThreshold
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		inFlight:       make(map[string]time.Time),
	}
}

// Record consumes one run event. It matches the func(domain.RunEvent)
// signature accepted by Experiment.Subscribe.
func (o *Observer) Record(ev domain.RunEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Status {
	case domain.RunIncomplete:
		o.inFlight[ev.Address] = ev.Timestamp
	case domain.RunComplete, domain.RunFail:
		started, ok := o.inFlight[ev.Address]
		if !ok {
			return
		}
		delete(o.inFlight, ev.Address)
		o.completions = append(o.completions, completion{
			Address:     ev.Address,
			Status:      ev.Status,
			Duration:    ev.Timestamp.Sub(started),
			CompletedAt: ev.Timestamp,
		})
	}
}

// Stuck returns addresses of runs in flight longer than the threshold
func (o *Observer) Stuck() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var stuck []string
	for addr, started := range o.inFlight {
		if time.Since(started) > o.stuckThreshold {
			stuck = append(stuck, addr)
		}
	}
	slices.Sort(stuck)
	return stuck
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{InFlight: len(o.inFlight)}
	var totalDuration time.Duration

	for _, c := range o.completions {
		if c.Status == domain.RunFail {
			metrics.TotalFailed++
		} else {
			metrics.TotalCompleted++
		}
		totalDuration += c.Duration
	}

	if n := len(o.completions); n > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(n)
	}

	return metrics
}

// GetRecentCompletions returns addresses settled within the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.Address)
		}
	}

	return result
}
