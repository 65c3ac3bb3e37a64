package agentrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/hochfrequenz/experiment-orchestrator/internal/config"
	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
	"github.com/hochfrequenz/experiment-orchestrator/internal/experiment"
	"github.com/hochfrequenz/experiment-orchestrator/internal/prompts"
	"github.com/hochfrequenz/experiment-orchestrator/internal/questions"
)

// SessionEnv carries the per-question session id to the agent process
const SessionEnv = "EXP_ORCH_SESSION"

// Runner answers a question by repeatedly invoking an agent CLI. The
// transcript is written to the process on stdin and stdout is the reply.
type Runner struct {
	command      []string
	maxTurns     int
	answer       *regexp.Regexp
	systemPrompt string
	prompts      *prompts.Loader
	namespace    uuid.UUID
}

var (
	_ experiment.Runner[questions.Question, string]    = (*Runner)(nil)
	_ experiment.Evaluator[questions.Question, string] = (*Runner)(nil)
)

// New creates a Runner from the [runner] configuration section. Prompts come
// from cfg.PromptsDir, then ~/.config/exp-orch/prompts, then the embedded set.
func New(cfg config.RunnerConfig, experimentID string) (*Runner, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("runner command is empty")
	}
	pattern, err := regexp.Compile(cfg.AnswerPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid answer_pattern: %w", err)
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}
	namespace, err := uuid.Parse(experimentID)
	if err != nil {
		namespace = uuid.NameSpaceOID
	}

	loader := prompts.DefaultLoader()
	if cfg.PromptsDir != "" {
		loader = prompts.NewLoader(config.ExpandPath(cfg.PromptsDir))
	}
	// Fail on a broken override now rather than on the first run
	if _, _, err := loader.LoadTemplate(prompts.SystemPath); err != nil {
		return nil, err
	}
	if _, _, err := loader.LoadTemplate(prompts.ContinuePath); err != nil {
		return nil, err
	}

	return &Runner{
		command:      cfg.Command,
		maxTurns:     maxTurns,
		answer:       pattern,
		systemPrompt: cfg.SystemPrompt,
		prompts:      loader,
		namespace:    namespace,
	}, nil
}

// SessionID derives a stable id for a question within the experiment
func (r *Runner) SessionID(q questions.Question) string {
	return uuid.NewSHA1(r.namespace, []byte(q.Question)).String()
}

// Setup seeds the transcript. A re-run keeps the transcript it already has.
func (r *Runner) Setup(ctx context.Context, a *experiment.Attempt[questions.Question, string]) (bool, error) {
	if len(a.Messages()) > 0 {
		return true, nil
	}
	system := r.systemPrompt
	if system == "" {
		var err error
		system, err = r.prompts.BuildSystemPrompt(prompts.TurnData{Question: a.Data().Question, MaxTurns: r.maxTurns})
		if err != nil {
			return false, err
		}
	}
	a.AddMessage(
		domain.Message{Role: domain.RoleSystem, Content: system},
		domain.Message{Role: domain.RoleUser, Content: a.Data().Question},
	)
	a.Log(map[string]any{"session": r.SessionID(a.Data())})
	return true, nil
}

// Step runs one agent turn
func (r *Runner) Step(ctx context.Context, a *experiment.Attempt[questions.Question, string]) (bool, error) {
	transcript := a.Messages()

	reply, err := r.invoke(ctx, a.Data(), transcript)
	if err != nil {
		return false, err
	}
	a.AddMessage(domain.Message{Role: domain.RoleAssistant, Content: reply})

	if answer, ok := r.extract(reply); ok {
		a.SetAnswer(answer)
		return false, nil
	}

	turn := assistantTurns(transcript) + 1
	if turn >= r.maxTurns {
		a.Log(fmt.Sprintf("No answer after %d turns", r.maxTurns))
		return false, nil
	}
	next, err := r.prompts.BuildContinuePrompt(prompts.TurnData{
		Question:  a.Data().Question,
		Turn:      turn,
		MaxTurns:  r.maxTurns,
		Remaining: r.maxTurns - turn,
	})
	if err != nil {
		return false, err
	}
	a.AddMessage(domain.Message{Role: domain.RoleUser, Content: next})
	return true, nil
}

// Evaluate compares the answer with the expected one, ignoring case and
// surrounding whitespace
func (r *Runner) Evaluate(ctx context.Context, a *experiment.Attempt[questions.Question, string]) (domain.Score, error) {
	answer, ok := a.Answer()
	if !ok {
		return domain.ScoreIncorrect, nil
	}
	if strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(a.Data().Answer)) {
		return domain.ScoreCorrect, nil
	}
	return domain.ScoreIncorrect, nil
}

func (r *Runner) invoke(ctx context.Context, q questions.Question, transcript []domain.Message) (string, error) {
	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Stdin = strings.NewReader(FormatTranscript(transcript))
	cmd.Env = append(os.Environ(), SessionEnv+"="+r.SessionID(q))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("%s: %w", r.command[0], err)
		}
		return "", fmt.Errorf("%s: %w: %s", r.command[0], err, msg)
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *Runner) extract(reply string) (string, bool) {
	m := r.answer.FindStringSubmatch(reply)
	if m == nil {
		return "", false
	}
	answer := m[0]
	if len(m) > 1 {
		answer = m[1]
	}
	answer = strings.TrimSpace(answer)
	return answer, answer != ""
}

// FormatTranscript renders messages as role-prefixed blocks
func FormatTranscript(msgs []domain.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strings.ToUpper(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

func assistantTurns(msgs []domain.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			n++
		}
	}
	return n
}
