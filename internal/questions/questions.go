package questions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/experiment-orchestrator/internal/experiment"
)

// Question is one item of an evaluation set
type Question struct {
	Question string `json:"question" yaml:"question"`
	Answer   string `json:"answer" yaml:"answer"`
}

// Supported reports whether path has an extension Load understands
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a question list from a JSON or YAML file
func Load(path string) ([]Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var qs []Question
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &qs)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &qs)
	default:
		return nil, fmt.Errorf("unsupported question file %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for i, q := range qs {
		if strings.TrimSpace(q.Question) == "" {
			return nil, fmt.Errorf("%s: question %d is empty", path, i)
		}
	}
	return qs, nil
}

// IsResultsFile reports whether path holds saved runs rather than bare questions
func IsResultsFile(path string) bool {
	if strings.ToLower(filepath.Ext(path)) != ".json" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var probe []map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil || len(probe) == 0 {
		return false
	}
	_, ok := probe[0]["status"]
	return ok
}

// BatchName returns args[0] when given, otherwise the file name without extension
func BatchName(path string, args ...string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// NewLoader returns an experiment loader that adds one batch per file.
// Saved results files are restored with their statuses and transcripts.
func NewLoader(runner experiment.Runner[Question, string], opts ...experiment.RunOption) experiment.Loader[Question, string] {
	return func(ctx context.Context, exp *experiment.Experiment[Question, string], path string, args ...string) error {
		runs, err := buildRuns(runner, path, opts...)
		if err != nil {
			return err
		}
		return exp.AddBatch(experiment.NewBatch(BatchName(path, args...), runs))
	}
}

func buildRuns(runner experiment.Runner[Question, string], path string, opts ...experiment.RunOption) ([]*experiment.Run[Question, string], error) {
	if IsResultsFile(path) {
		saved, err := experiment.ReadResults[Question, string](path)
		if err != nil {
			return nil, err
		}
		runs := make([]*experiment.Run[Question, string], len(saved))
		for i, s := range saved {
			runs[i] = experiment.FromSerialized(runner, s, opts...)
		}
		return runs, nil
	}

	qs, err := Load(path)
	if err != nil {
		return nil, err
	}
	runs := make([]*experiment.Run[Question, string], len(qs))
	for i, q := range qs {
		runs[i] = experiment.NewRun(runner, q, opts...)
	}
	return runs, nil
}
