package experiment

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
)

// Serialized is the persisted shape of a Run
type Serialized[T, A any] struct {
	Data    T                `json:"data"`
	Answer  *A               `json:"answer"`
	Status  domain.RunStatus `json:"status"`
	Context []domain.Message `json:"context"`
	Score   domain.Score     `json:"score"`
	Logs    []any            `json:"logs"`
}

// Serialized projects the run into its persisted shape
func (r *Run[T, A]) Serialized() Serialized[T, A] {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Serialized[T, A]{
		Data:    r.data,
		Status:  r.status,
		Context: make([]domain.Message, 0, len(r.messages)),
		Score:   r.score,
		Logs:    make([]any, 0, len(r.logs)),
	}
	if r.answer != nil {
		answer := *r.answer
		s.Answer = &answer
	}
	s.Context = append(s.Context, r.messages...)
	s.Logs = append(s.Logs, r.logs...)
	return s
}

// FromSerialized reconstructs a run from its persisted shape. The status is
// restored as-is; a FAIL run takes the recovery path on its next Run.
func FromSerialized[T, A any](runner Runner[T, A], s Serialized[T, A], opts ...RunOption) *Run[T, A] {
	r := NewRun(runner, s.Data, opts...)
	if s.Status != "" {
		r.status = s.Status
	}
	if s.Answer != nil {
		answer := *s.Answer
		r.answer = &answer
	}
	r.messages = slices.Clone(s.Context)
	r.logs = slices.Clone(s.Logs)
	r.score = s.Score
	return r
}

// ReadResults loads a file written by Experiment.SaveInOneFile
func ReadResults[T, A any](path string) ([]Serialized[T, A], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var runs []Serialized[T, A]
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("parsing results %s: %w", path, err)
	}
	for i, s := range runs {
		if !s.Status.Valid() {
			return nil, fmt.Errorf("run %d in %s: invalid status %q", i, path, s.Status)
		}
	}
	return runs, nil
}
