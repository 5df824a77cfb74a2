package runner

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/t-rhex/duckling/pkg/domain"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

// scriptedBackend returns a canned ExecResult per command substring match,
// falling back to a clean 0-exit-code result.
type scriptedBackend struct {
	responses map[string]domain.ExecResult
	calls     []string
}

func (b *scriptedBackend) Create(ctx context.Context, limits domain.ResourceLimits, secrets map[string]string) (*domain.Sandbox, error) {
	return domain.NewSandbox("sb", domain.BackendContainer, limits), nil
}
func (b *scriptedBackend) Warm(ctx context.Context, limits domain.ResourceLimits) (*domain.Sandbox, error) {
	return b.Create(ctx, limits, nil)
}
func (b *scriptedBackend) Destroy(ctx context.Context, sb *domain.Sandbox) error { return nil }
func (b *scriptedBackend) HealthCheck(ctx context.Context, sb *domain.Sandbox) error { return nil }
func (b *scriptedBackend) Kind() domain.BackendKind { return domain.BackendContainer }

func (b *scriptedBackend) Exec(ctx context.Context, sb *domain.Sandbox, command string, timeout int) (domain.ExecResult, error) {
	b.calls = append(b.calls, command)
	for substr, res := range b.responses {
		if strings.Contains(command, substr) {
			return res, nil
		}
	}
	return domain.ExecResult{ExitCode: 0}, nil
}

type fakeEngine struct {
	started      bool
	promptResult bool
}

func (e *fakeEngine) Name() string { return "fake" }
func (e *fakeEngine) Start(ctx context.Context, sb *domain.Sandbox, task *domain.Task, backend domain.SandboxBackend) error {
	e.started = true
	return nil
}
func (e *fakeEngine) ExecutePrompt(ctx context.Context, prompt string, timeoutSeconds int) (bool, string, error) {
	return e.promptResult, "ok: " + prompt, nil
}
func (e *fakeEngine) ExecutePromptStructured(ctx context.Context, prompt string, schema any, timeoutSeconds int) (bool, string, any, bool, error) {
	return false, "", nil, false, nil
}
func (e *fakeEngine) Stop(ctx context.Context) error { return nil }

func newTask() *domain.Task {
	return &domain.Task{
		ID:          "t1",
		Description: "fix the widget rendering bug",
		RepoURL:     "https://github.com/acme/widget",
		BaseBranch:  "main",
		Mode:        domain.ModeCode,
	}
}

func TestRun_HappyPath(t *testing.T) {
	backend := &scriptedBackend{responses: map[string]domain.ExecResult{
		"pytest":           {ExitCode: 0, Stdout: "3 passed"},
		"git rev-parse":    {ExitCode: 0, Stdout: "modified.go\nabc123def\n"},
		"git diff --name-only HEAD": {ExitCode: 0, Stdout: "modified.go\n"},
	}}
	engine := &fakeEngine{promptResult: true}
	sb := domain.NewSandbox("sb", domain.BackendContainer, domain.ResourceLimits{})

	var notified []domain.StepResult
	r := New(backend, engine, Config{MaxRepairIterations: 3}, func(s domain.StepResult) { notified = append(notified, s) }, testLog())

	result := r.Run(context.Background(), newTask(), sb, "https://github.com/acme/widget.git", "duckling/abc123")

	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.IterationsUsed != 1 {
		t.Errorf("IterationsUsed = %d, want 1", result.IterationsUsed)
	}
	if result.TestResults.Passed != 3 {
		t.Errorf("TestResults.Passed = %d, want 3", result.TestResults.Passed)
	}
	if len(notified) == 0 {
		t.Error("expected step notifications")
	}
	if !engine.started {
		t.Error("expected engine.Start to be called")
	}
}

func TestRun_RepairLoopExhausted(t *testing.T) {
	backend := &scriptedBackend{responses: map[string]domain.ExecResult{
		"pytest": {ExitCode: 1, Stdout: "0 passed, 1 failed"},
	}}
	engine := &fakeEngine{promptResult: true}
	sb := domain.NewSandbox("sb", domain.BackendContainer, domain.ResourceLimits{})

	r := New(backend, engine, Config{MaxRepairIterations: 2}, nil, testLog())
	result := r.Run(context.Background(), newTask(), sb, "https://github.com/acme/widget.git", "duckling/abc123")

	if result.Success {
		t.Fatal("expected failure after exhausting repair iterations")
	}
	if result.IterationsUsed != 2 {
		t.Errorf("IterationsUsed = %d, want 2", result.IterationsUsed)
	}
	if !strings.Contains(result.Error, "Max repair iterations") {
		t.Errorf("Error = %q, want mention of exhausted repair iterations", result.Error)
	}
}

func TestRun_CodeStepFailureIsFatal(t *testing.T) {
	backend := &scriptedBackend{responses: map[string]domain.ExecResult{}}
	engine := &fakeEngine{promptResult: false}
	sb := domain.NewSandbox("sb", domain.BackendContainer, domain.ResourceLimits{})

	r := New(backend, engine, Config{MaxRepairIterations: 3}, nil, testLog())
	result := r.Run(context.Background(), newTask(), sb, "https://github.com/acme/widget.git", "duckling/abc123")

	if result.Success {
		t.Fatal("expected failure when the code step's engine call reports failure")
	}
}

func TestRunReview_HappyPath(t *testing.T) {
	backend := &scriptedBackend{responses: map[string]domain.ExecResult{
		"git ls-files": {ExitCode: 0, Stdout: "main.go\nutil.go\n"},
	}}
	engine := &fakeEngine{promptResult: true}
	sb := domain.NewSandbox("sb", domain.BackendContainer, domain.ResourceLimits{})

	r := New(backend, engine, Config{ReviewMaxFiles: 10, SkipPatterns: []string{"vendor/**"}}, nil, testLog())
	result := r.RunReview(context.Background(), newTask(), sb, "https://github.com/acme/widget.git")

	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.AgentLog == "" {
		t.Error("expected non-empty agent log")
	}
}

func TestRunPeerReview_EmptyDiffShortCircuits(t *testing.T) {
	backend := &scriptedBackend{responses: map[string]domain.ExecResult{
		"git diff --name-only": {ExitCode: 0, Stdout: ""},
	}}
	engine := &fakeEngine{promptResult: true}
	sb := domain.NewSandbox("sb", domain.BackendContainer, domain.ResourceLimits{})

	task := newTask()
	task.Mode = domain.ModePeerReview
	task.TargetBranch = "feature/x"

	r := New(backend, engine, Config{}, nil, testLog())
	result := r.RunPeerReview(context.Background(), task, sb, "https://github.com/acme/widget.git")

	if !result.Success {
		t.Fatalf("expected success for an empty diff, got error: %s", result.Error)
	}
	if result.AgentLog != "No differences found" {
		t.Errorf("AgentLog = %q, want %q", result.AgentLog, "No differences found")
	}
	if engine.started {
		t.Error("engine should not start when the diff is empty")
	}
}

func TestRunPeerReview_WithDiff(t *testing.T) {
	backend := &scriptedBackend{responses: map[string]domain.ExecResult{
		"git diff --name-only": {ExitCode: 0, Stdout: "a.go\nb.go\n"},
		"git diff --stat":      {ExitCode: 0, Stdout: "2 files changed"},
		"git diff origin":      {ExitCode: 0, Stdout: "diff --git a/a.go b/a.go\n+added line\n"},
	}}
	engine := &fakeEngine{promptResult: true}
	sb := domain.NewSandbox("sb", domain.BackendContainer, domain.ResourceLimits{})

	task := newTask()
	task.Mode = domain.ModePeerReview
	task.TargetBranch = "feature/x"

	r := New(backend, engine, Config{}, nil, testLog())
	result := r.RunPeerReview(context.Background(), task, sb, "https://github.com/acme/widget.git")

	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if len(result.FilesChanged) != 2 {
		t.Errorf("FilesChanged = %v, want 2 entries", result.FilesChanged)
	}
	if !engine.started {
		t.Error("expected engine.Start to be called for a non-empty diff")
	}
}
