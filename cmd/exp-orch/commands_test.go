package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/experiment-orchestrator/internal/config"
	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
	"github.com/hochfrequenz/experiment-orchestrator/internal/experiment"
	"github.com/hochfrequenz/experiment-orchestrator/internal/questions"
)

func TestNewSession_LoadsQuestionFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capitals.yaml")
	content := "- question: Capital of France?\n  answer: Paris\n- question: Capital of Peru?\n  answer: Lima\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Runner.Command = []string{"true"}
	s, err := newSession(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.close()

	if err := s.preload(context.Background(), []string{path}); err != nil {
		t.Fatal(err)
	}
	list := s.exp.RunList()
	if len(list) != 2 || list[1].Address != "capitals:1" || list[1].Status != domain.RunReady {
		t.Errorf("RunList = %v", list)
	}
	if err := s.preload(context.Background(), []string{filepath.Join(dir, "missing.json")}); err == nil {
		t.Error("missing file should fail to preload")
	}
}

func TestNewSession_InvalidAutosave(t *testing.T) {
	cfg := config.Default()
	cfg.Autosave.Cron = "whenever"
	if _, err := newSession(context.Background(), cfg); err == nil {
		t.Error("invalid autosave cron should fail")
	}
}

func TestNewSession_InvalidAnswerPattern(t *testing.T) {
	cfg := config.Default()
	cfg.Runner.AnswerPattern = "(["
	if _, err := newSession(context.Background(), cfg); err == nil {
		t.Error("invalid answer pattern should fail")
	}
}

func TestPrintSummary(t *testing.T) {
	answer := "4"
	runs := []experiment.Serialized[questions.Question, string]{
		{Status: domain.RunComplete, Score: domain.ScoreCorrect, Answer: &answer},
		{Status: domain.RunComplete, Score: domain.ScoreIncorrect, Answer: &answer},
		{Status: domain.RunFail},
		{Status: domain.RunReady},
	}

	var buf bytes.Buffer
	if err := printSummary(&buf, runs); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Answered: 2/4", "Accuracy: 50.0%"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	for _, row := range []string{"COMPLETE 2", "FAIL 1", "READY 1", "CORRECT 1", "INCORRECT 1"} {
		if !hasRow(out, row) {
			t.Errorf("summary missing row %q:\n%s", row, out)
		}
	}
}

// hasRow reports whether some line has the same fields as row
func hasRow(out, row string) bool {
	want := strings.Join(strings.Fields(row), " ")
	for _, line := range strings.Split(out, "\n") {
		if strings.Join(strings.Fields(line), " ") == want {
			return true
		}
	}
	return false
}

func TestPrintSummary_NoScores(t *testing.T) {
	var buf bytes.Buffer
	runs := []experiment.Serialized[questions.Question, string]{{Status: domain.RunReady}}
	if err := printSummary(&buf, runs); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "Accuracy") {
		t.Errorf("accuracy printed without scored runs:\n%s", buf.String())
	}
}

func TestAddresses(t *testing.T) {
	got := addresses([]domain.ListEntry{{Address: "a:0"}, {Address: "a:1"}})
	if len(got) != 2 || got[0] != "a:0" || got[1] != "a:1" {
		t.Errorf("addresses = %v", got)
	}
}
