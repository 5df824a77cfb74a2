package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/t-rhex/duckling/pkg/domain"
)

// Echo is a deterministic domain.AgentEngine that never calls out to a
// real model: ExecutePrompt always succeeds and its output restates the
// prompt's intent. It exists so the Agent Runner's step loop, the
// Pipeline Driver, and every test in this repository can exercise C5's
// full control flow without a live AI backend, mirroring the role the
// original implementation's "echo"-style stub engine plays in its test
// suite.
type Echo struct {
	log *logrus.Entry

	mu      sync.Mutex
	started bool
	task    *domain.Task
}

// NewEcho constructs an Echo engine.
func NewEcho(log *logrus.Entry) *Echo {
	return &Echo{log: log.WithField("engine", "echo")}
}

func (e *Echo) Name() string { return "echo" }

func (e *Echo) Start(ctx context.Context, sb *domain.Sandbox, task *domain.Task, backend domain.SandboxBackend) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	e.task = task
	e.log.WithField("task_id", task.ID).Debug("echo engine started")
	return nil
}

// ExecutePrompt always succeeds. The output summarizes the first line of
// the prompt so callers (and their tests) can assert on recognizable
// content without encoding a full transcript here.
func (e *Echo) ExecutePrompt(ctx context.Context, prompt string, timeoutSeconds int) (bool, string, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return false, "", fmt.Errorf("echo engine: ExecutePrompt called before Start")
	}

	summary := firstLine(prompt)
	output := fmt.Sprintf("echo engine acknowledged prompt: %s", summary)
	return true, output, nil
}

// ExecutePromptStructured is unsupported: Echo returns ok=false per the
// AgentEngine contract rather than fabricating a parsed value.
func (e *Echo) ExecutePromptStructured(ctx context.Context, prompt string, schema any, timeoutSeconds int) (bool, string, any, bool, error) {
	return false, "", nil, false, nil
}

func (e *Echo) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	const maxLen = 120
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return s
}
