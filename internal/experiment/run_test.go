package experiment

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
)

func TestRun_CompletesAndEvaluates(t *testing.T) {
	runner := &scoringRunner{score: domain.ScoreCorrect}
	turns := 0
	runner.step = func(ctx context.Context, a *Attempt[string, string]) (bool, error) {
		turns++
		a.AddMessage(domain.Message{Role: domain.RoleAssistant, Content: "turn"})
		if turns == 3 {
			a.SetAnswer("42")
			return false, nil
		}
		return true, nil
	}

	run := NewRun[string, string](runner, "q1")
	if run.Status() != domain.RunReady {
		t.Fatalf("Status = %s, want READY", run.Status())
	}
	if err := run.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if run.Status() != domain.RunComplete {
		t.Errorf("Status = %s, want COMPLETE", run.Status())
	}
	if answer, ok := run.Answer(); !ok || answer != "42" {
		t.Errorf("Answer = %q, %v; want 42", answer, ok)
	}
	if run.Score() != domain.ScoreCorrect {
		t.Errorf("Score = %s, want CORRECT", run.Score())
	}
	if got := len(run.Messages()); got != 3 {
		t.Errorf("Messages = %d, want 3", got)
	}
	if !slices.Contains(run.Logs(), any("Setup Complete")) {
		t.Errorf("Logs = %v, want setup marker", run.Logs())
	}
	if run.FinishedAt().Before(run.StartedAt()) {
		t.Error("FinishedAt should not precede StartedAt")
	}
}

func TestRun_SetupFalseSkipsSteps(t *testing.T) {
	runner := &funcRunner{setup: func(ctx context.Context, a *Attempt[string, string]) (bool, error) {
		return false, nil
	}}
	run := NewRun[string, string](runner, "q")
	if err := run.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if runner.steps.Load() != 0 {
		t.Errorf("steps = %d, want 0", runner.steps.Load())
	}
	if run.Status() != domain.RunComplete {
		t.Errorf("Status = %s, want COMPLETE", run.Status())
	}
}

func TestRun_IdempotentWhenComplete(t *testing.T) {
	runner := &funcRunner{}
	run := NewRun[string, string](runner, "q")

	if err := run.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := run.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if runner.setups.Load() != 1 || runner.steps.Load() != 1 {
		t.Errorf("setups=%d steps=%d, want 1 and 1", runner.setups.Load(), runner.steps.Load())
	}
}

func TestRun_IdempotentWhenIncomplete(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	runner := &funcRunner{step: func(ctx context.Context, a *Attempt[string, string]) (bool, error) {
		close(entered)
		<-release
		return false, nil
	}}
	run := NewRun[string, string](runner, "q")

	done := make(chan error, 1)
	go func() { done <- run.Run(context.Background()) }()
	<-entered

	if err := run.Run(context.Background()); err != nil {
		t.Errorf("second Run = %v, want nil", err)
	}
	if runner.setups.Load() != 1 {
		t.Errorf("setups = %d, want 1", runner.setups.Load())
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRun_StepErrorFails(t *testing.T) {
	boom := errors.New("model unavailable")
	runner := &funcRunner{step: func(ctx context.Context, a *Attempt[string, string]) (bool, error) {
		return false, boom
	}}
	run := NewRun[string, string](runner, "q")

	err := run.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want %v", err, boom)
	}
	if run.Status() != domain.RunFail {
		t.Errorf("Status = %s, want FAIL", run.Status())
	}
}

func TestRun_SetupErrorFails(t *testing.T) {
	boom := errors.New("no such question")
	runner := &funcRunner{setup: func(ctx context.Context, a *Attempt[string, string]) (bool, error) {
		return false, boom
	}}
	run := NewRun[string, string](runner, "q")

	if err := run.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want %v", err, boom)
	}
	if run.Status() != domain.RunFail {
		t.Errorf("Status = %s, want FAIL", run.Status())
	}
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	runner := &funcRunner{step: func(ctx context.Context, a *Attempt[string, string]) (bool, error) {
		panic("bad runner")
	}}
	run := NewRun[string, string](runner, "q")

	if err := run.Run(context.Background()); err == nil {
		t.Fatal("expected error from panicking step")
	}
	if run.Status() != domain.RunFail {
		t.Errorf("Status = %s, want FAIL", run.Status())
	}
}

func TestRun_RecoveryPreservesHistory(t *testing.T) {
	attempt := 0
	runner := &funcRunner{step: func(ctx context.Context, a *Attempt[string, string]) (bool, error) {
		attempt++
		a.AddMessage(domain.Message{Role: domain.RoleAssistant, Content: "try"})
		if attempt == 1 {
			return false, errors.New("transient")
		}
		a.SetAnswer("ok")
		return false, nil
	}}
	run := NewRun[string, string](runner, "q")

	if err := run.Run(context.Background()); err == nil {
		t.Fatal("first attempt should fail")
	}
	beforeMsgs := run.Messages()
	beforeLogs := run.Logs()

	if err := run.Run(context.Background()); err != nil {
		t.Fatalf("second attempt failed: %v", err)
	}
	if run.Status() != domain.RunComplete {
		t.Errorf("Status = %s, want COMPLETE", run.Status())
	}

	afterMsgs := run.Messages()
	if len(afterMsgs) != 2 || !reflect.DeepEqual(afterMsgs[:len(beforeMsgs)], beforeMsgs) {
		t.Errorf("Messages after retry = %v, want prefix %v", afterMsgs, beforeMsgs)
	}
	afterLogs := run.Logs()
	if !reflect.DeepEqual(afterLogs[:len(beforeLogs)], beforeLogs) {
		t.Errorf("Logs after retry do not extend %v", beforeLogs)
	}
	if !slices.Contains(afterLogs, any("RE RUNNING")) {
		t.Errorf("Logs = %v, want re-run marker", afterLogs)
	}
}

func TestRun_StepTimeoutIsFatal(t *testing.T) {
	release := make(chan struct{})
	late := make(chan bool, 1)

	runner := &funcRunner{step: func(ctx context.Context, a *Attempt[string, string]) (bool, error) {
		<-release // ignores ctx on purpose
		committed := a.AddMessage(domain.Message{Role: domain.RoleAssistant, Content: "late"})
		a.SetAnswer("late-answer")
		a.Log("late log")
		late <- committed
		return false, nil
	}}
	run := NewRun[string, string](runner, "q", WithStepTimeout(20*time.Millisecond))

	err := run.Run(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run error = %v, want ErrTimeout", err)
	}
	if err.Error() != "ran out of time" {
		t.Errorf("error text = %q", err.Error())
	}
	if run.Status() != domain.RunFail {
		t.Errorf("Status = %s, want FAIL", run.Status())
	}
	logsBefore := run.Logs()

	close(release)
	if committed := <-late; committed {
		t.Error("mutation from a timed-out attempt should be dropped")
	}
	if msgs := run.Messages(); len(msgs) != 0 {
		t.Errorf("Messages = %v, want none from the timed-out step", msgs)
	}
	if _, ok := run.Answer(); ok {
		t.Error("timed-out attempt should not set an answer")
	}
	if got := run.Logs(); !reflect.DeepEqual(got, logsBefore) {
		t.Errorf("Logs = %v, want unchanged %v", got, logsBefore)
	}
	if run.Status() != domain.RunFail {
		t.Errorf("late step resurrected run: Status = %s", run.Status())
	}
}

func TestRun_StepErrorDetachesAttempt(t *testing.T) {
	var stale *Attempt[string, string]
	runner := &funcRunner{step: func(ctx context.Context, a *Attempt[string, string]) (bool, error) {
		stale = a
		return false, errors.New("model unavailable")
	}}
	run := NewRun[string, string](runner, "q")

	if err := run.Run(context.Background()); err == nil {
		t.Fatal("expected step error")
	}
	if stale.Live() {
		t.Error("attempt should not be live after its run failed")
	}
	if stale.SetAnswer("late") {
		t.Error("SetAnswer through a failed attempt should report false")
	}
	if _, ok := run.Answer(); ok {
		t.Error("failed attempt should not set an answer")
	}
}

func TestRun_StopReleasesCallerAndDetachesStep(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	late := make(chan bool, 1)

	runner := &funcRunner{step: func(ctx context.Context, a *Attempt[string, string]) (bool, error) {
		close(entered)
		<-release
		late <- a.AddMessage(domain.Message{Role: domain.RoleAssistant, Content: "late"})
		a.SetAnswer("late")
		return false, nil
	}}
	run := NewRun[string, string](runner, "q")

	done := make(chan error, 1)
	go func() { done <- run.Run(context.Background()) }()
	<-entered

	if !run.Stop() {
		t.Fatal("Stop should report an in-flight run")
	}
	if err := <-done; !errors.Is(err, ErrStopped) {
		t.Fatalf("Run error = %v, want ErrStopped", err)
	}
	if run.Status() != domain.RunFail {
		t.Errorf("Status = %s, want FAIL", run.Status())
	}

	close(release)
	if committed := <-late; committed {
		t.Error("mutation from a stopped attempt should be dropped")
	}
	if _, ok := run.Answer(); ok {
		t.Error("stopped attempt should not set an answer")
	}
	if run.Status() != domain.RunFail {
		t.Errorf("late step resurrected run: Status = %s", run.Status())
	}
}

func TestRun_StopWhenIdle(t *testing.T) {
	run := NewRun[string, string](&funcRunner{}, "q")
	if run.Stop() {
		t.Error("Stop on READY run should be a no-op")
	}
	if err := run.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if run.Stop() {
		t.Error("Stop on COMPLETE run should be a no-op")
	}
	if run.Status() != domain.RunComplete {
		t.Errorf("Status = %s, want COMPLETE", run.Status())
	}
}

func TestRun_ContextCancelFails(t *testing.T) {
	entered := make(chan struct{})
	runner := &funcRunner{step: func(ctx context.Context, a *Attempt[string, string]) (bool, error) {
		close(entered)
		<-ctx.Done()
		return false, ctx.Err()
	}}
	run := NewRun[string, string](runner, "q")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run.Run(ctx) }()
	<-entered
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if run.Status() != domain.RunFail {
		t.Errorf("Status = %s, want FAIL", run.Status())
	}
}

func TestRun_SerializationRoundTrip(t *testing.T) {
	runner := &scoringRunner{score: domain.ScoreIncorrect}
	runner.step = func(ctx context.Context, a *Attempt[string, string]) (bool, error) {
		a.AddMessage(
			domain.Message{Role: domain.RoleUser, Content: a.Data()},
			domain.Message{Role: domain.RoleAssistant, Content: "7"},
		)
		a.Log(map[string]any{"tokens": 12})
		a.SetAnswer("7")
		return false, nil
	}
	run := NewRun[string, string](runner, "what is 3+4?")
	if err := run.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	s := run.Serialized()
	restored := FromSerialized[string, string](runner, s)
	if got := restored.Serialized(); !reflect.DeepEqual(got, s) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, s)
	}

	fresh := NewRun[string, string](runner, "unstarted")
	s = fresh.Serialized()
	if got := FromSerialized[string, string](runner, s).Serialized(); !reflect.DeepEqual(got, s) {
		t.Errorf("round trip of READY run mismatch:\n got  %+v\n want %+v", got, s)
	}
}

func TestRun_RestoredFailTakesRecoveryPath(t *testing.T) {
	runner := &funcRunner{}
	s := Serialized[string, string]{
		Data:    "q",
		Status:  domain.RunFail,
		Context: []domain.Message{{Role: domain.RoleUser, Content: "q"}},
		Logs:    []any{"Setup Complete"},
	}
	run := FromSerialized[string, string](runner, s)

	if err := run.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if run.Status() != domain.RunComplete {
		t.Errorf("Status = %s, want COMPLETE", run.Status())
	}
	logs := run.Logs()
	if logs[0] != "Setup Complete" || logs[1] != "RE RUNNING" {
		t.Errorf("Logs = %v, want previous trail then re-run marker", logs)
	}
	if len(run.Messages()) != 1 {
		t.Errorf("restored transcript should be kept, got %v", run.Messages())
	}
}
