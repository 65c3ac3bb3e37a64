package agentrunner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/experiment-orchestrator/internal/config"
	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
	"github.com/hochfrequenz/experiment-orchestrator/internal/experiment"
	"github.com/hochfrequenz/experiment-orchestrator/internal/questions"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func newRunner(t *testing.T, script string, maxTurns int) *Runner {
	t.Helper()
	cfg := config.Default().Runner
	cfg.Command = []string{"sh", "-c", script}
	cfg.MaxTurns = maxTurns
	r, err := New(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestNew_Validation(t *testing.T) {
	cfg := config.Default().Runner
	cfg.Command = nil
	if _, err := New(cfg, ""); err == nil {
		t.Error("empty command should error")
	}

	cfg = config.Default().Runner
	cfg.AnswerPattern = "("
	if _, err := New(cfg, ""); err == nil {
		t.Error("invalid answer pattern should error")
	}
}

func TestRunner_AnswersInOneTurn(t *testing.T) {
	requireShell(t)
	r := newRunner(t, `cat >/dev/null; echo "thinking..."; echo "ANSWER: paris"`, 5)

	run := experiment.NewRun[questions.Question, string](r, questions.Question{Question: "Capital of France?", Answer: "Paris"})
	if err := run.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if answer, ok := run.Answer(); !ok || answer != "paris" {
		t.Errorf("Answer = %q, %v; want paris", answer, ok)
	}
	if run.Score() != domain.ScoreCorrect {
		t.Errorf("Score = %s, want CORRECT", run.Score())
	}
	msgs := run.Messages()
	if len(msgs) != 3 {
		t.Fatalf("Messages = %v, want system, user, assistant", msgs)
	}
	if msgs[0].Role != domain.RoleSystem || msgs[1].Content != "Capital of France?" || msgs[2].Role != domain.RoleAssistant {
		t.Errorf("Messages = %+v", msgs)
	}
}

func TestRunner_ContinuesUntilAnswer(t *testing.T) {
	requireShell(t)
	script := `input=$(cat)
case "$input" in
*ASSISTANT:*) echo "ANSWER: Lima" ;;
*) echo "let me think" ;;
esac`
	r := newRunner(t, script, 5)

	run := experiment.NewRun[questions.Question, string](r, questions.Question{Question: "Capital of Peru?", Answer: "lima"})
	if err := run.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if answer, _ := run.Answer(); answer != "Lima" {
		t.Errorf("Answer = %q, want Lima", answer)
	}
	if run.Score() != domain.ScoreCorrect {
		t.Errorf("Score = %s, want CORRECT", run.Score())
	}
	// system, user, assistant, continue, assistant
	if got := len(run.Messages()); got != 5 {
		t.Errorf("Messages = %d, want 5", got)
	}
}

func TestRunner_GivesUpAfterMaxTurns(t *testing.T) {
	requireShell(t)
	r := newRunner(t, `cat >/dev/null; echo "no idea"`, 2)

	run := experiment.NewRun[questions.Question, string](r, questions.Question{Question: "?", Answer: "x"})
	if err := run.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if run.Status() != domain.RunComplete {
		t.Errorf("Status = %s, want COMPLETE", run.Status())
	}
	if _, ok := run.Answer(); ok {
		t.Error("no answer expected")
	}
	if run.Score() != domain.ScoreIncorrect {
		t.Errorf("Score = %s, want INCORRECT", run.Score())
	}
	if got := countRole(run.Messages(), domain.RoleAssistant); got != 2 {
		t.Errorf("assistant turns = %d, want 2", got)
	}
}

func TestRunner_CommandFailureFailsRun(t *testing.T) {
	requireShell(t)
	r := newRunner(t, `cat >/dev/null; echo "rate limited" >&2; exit 3`, 5)

	run := experiment.NewRun[questions.Question, string](r, questions.Question{Question: "?", Answer: "x"})
	err := run.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("Run error = %v, want stderr in message", err)
	}
	if run.Status() != domain.RunFail {
		t.Errorf("Status = %s, want FAIL", run.Status())
	}
}

func TestRunner_StepTimeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	cfg := config.Default().Runner
	cfg.Command = []string{"sleep", "5"}
	r, err := New(cfg, "")
	if err != nil {
		t.Fatal(err)
	}

	run := experiment.NewRun[questions.Question, string](r, questions.Question{Question: "?", Answer: "x"},
		experiment.WithStepTimeout(50*time.Millisecond))
	if err := run.Run(context.Background()); !errors.Is(err, experiment.ErrTimeout) {
		t.Errorf("Run error = %v, want ErrTimeout", err)
	}
}

func TestRunner_PromptsDirOverride(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "agent"), 0755); err != nil {
		t.Fatal(err)
	}
	override := "Be brief. {{.MaxTurns}} turns max."
	if err := os.WriteFile(filepath.Join(dir, "agent", "system.md"), []byte(override), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default().Runner
	cfg.Command = []string{"sh", "-c", `cat >/dev/null; echo "ANSWER: 4"`}
	cfg.MaxTurns = 3
	cfg.PromptsDir = dir
	r, err := New(cfg, "")
	if err != nil {
		t.Fatal(err)
	}

	run := experiment.NewRun[questions.Question, string](r, questions.Question{Question: "2+2?", Answer: "4"})
	if err := run.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := run.Messages()[0].Content; got != "Be brief. 3 turns max." {
		t.Errorf("system prompt = %q", got)
	}
}

func TestRunner_ConfiguredSystemPromptWins(t *testing.T) {
	requireShell(t)
	cfg := config.Default().Runner
	cfg.Command = []string{"sh", "-c", `cat >/dev/null; echo "ANSWER: 4"`}
	cfg.SystemPrompt = "fixed prompt"
	r, err := New(cfg, "")
	if err != nil {
		t.Fatal(err)
	}

	run := experiment.NewRun[questions.Question, string](r, questions.Question{Question: "2+2?", Answer: "4"})
	if err := run.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := run.Messages()[0].Content; got != "fixed prompt" {
		t.Errorf("system prompt = %q", got)
	}
}

func TestNew_BrokenPromptOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "agent"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "agent", "continue.md"), []byte("{{.Remaining"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default().Runner
	cfg.PromptsDir = dir
	if _, err := New(cfg, ""); err == nil {
		t.Error("unparsable template should fail New")
	}
}

func TestRunner_SessionIDStable(t *testing.T) {
	cfg := config.Default().Runner
	r1, _ := New(cfg, "6ba7b812-9dad-11d1-80b4-00c04fd430c8")
	r2, _ := New(cfg, "6ba7b812-9dad-11d1-80b4-00c04fd430c8")
	q := questions.Question{Question: "2+2?"}

	if r1.SessionID(q) != r2.SessionID(q) {
		t.Error("session id should be deterministic")
	}
	if r1.SessionID(q) == r1.SessionID(questions.Question{Question: "3+3?"}) {
		t.Error("different questions should get different session ids")
	}
}

func TestFormatTranscript(t *testing.T) {
	got := FormatTranscript([]domain.Message{
		{Role: domain.RoleUser, Content: "2+2?"},
		{Role: domain.RoleAssistant, Content: "ANSWER: 4"},
	})
	want := "USER: 2+2?\n\nASSISTANT: ANSWER: 4"
	if got != want {
		t.Errorf("FormatTranscript = %q, want %q", got, want)
	}
}

func countRole(msgs []domain.Message, role string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}
