// Package runner implements the Agent Runner (C5): the step loop that
// drives a sandbox through the deterministic/creative steps of a task's
// mode. Grounded on original_source/agent_runner/runner.py's AgentRunner
// class — ported from its three async methods (run, run_review,
// run_peer_review) to three Go methods of the same shape, using
// domain.SandboxBackend.Exec in place of a direct VM handle and
// domain.AgentEngine.ExecutePrompt in place of the original's AI client.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/t-rhex/duckling/pkg/domain"
)

// Config tunes the deterministic review-mode steps (C5's inventory/deps/
// metrics/security phase), mirroring config.ReviewConfig.
type Config struct {
	MaxRepairIterations int
	ReviewMaxFiles       int
	SkipPatterns         []string // glob patterns excluded from review inventory
}

// Runner drives one task's step sequence inside an already-claimed
// sandbox. A fresh Runner is built per task by the Pipeline Driver.
type Runner struct {
	backend domain.SandboxBackend
	engine  domain.AgentEngine
	cfg     Config
	notify  domain.StepNotifier
	log     *logrus.Entry

	steps    []domain.StepResult
	logLines []string
}

// New constructs a Runner. notify may be nil.
func New(backend domain.SandboxBackend, engine domain.AgentEngine, cfg Config, notify domain.StepNotifier, log *logrus.Entry) *Runner {
	if cfg.MaxRepairIterations < 0 {
		cfg.MaxRepairIterations = 0
	}
	return &Runner{
		backend: backend,
		engine:  engine,
		cfg:     cfg,
		notify:  notify,
		log:     log.WithField("component", "runner"),
	}
}

// runDeterministic executes fn (typically a shell command against the
// sandbox) and records a StepResult. fn's error is a transport failure,
// never a command-exit-code failure — those are encoded in success.
func (r *Runner) runDeterministic(ctx context.Context, step domain.StepType, fn func(ctx context.Context) (success bool, output string, metadata map[string]any, err error)) domain.StepResult {
	start := time.Now()
	success, output, metadata, err := fn(ctx)
	res := domain.StepResult{
		Step:     step,
		Success:  success && err == nil,
		Output:   output,
		Duration: time.Since(start),
		Metadata: metadata,
	}
	if err != nil {
		res.Error = err.Error()
	}
	r.record(res)
	return res
}

// runCreative executes an AI-backed step via the engine. best-effort
// means a failed/err'd call still yields success=true (per the original
// implementation's analyze/plan/repair steps, which never block the
// pipeline on a model hiccup); set bestEffort=false for steps whose
// failure must propagate (the code step).
func (r *Runner) runCreative(ctx context.Context, step domain.StepType, prompt string, timeoutSeconds int, bestEffort bool) domain.StepResult {
	start := time.Now()
	success, output, err := r.engine.ExecutePrompt(ctx, prompt, timeoutSeconds)
	res := domain.StepResult{
		Step:     step,
		Output:   output,
		Duration: time.Since(start),
	}
	if err != nil {
		res.Error = err.Error()
	}
	if bestEffort {
		res.Success = true
	} else {
		res.Success = success && err == nil
	}
	r.record(res)
	return res
}

func (r *Runner) record(res domain.StepResult) {
	r.steps = append(r.steps, res)
	if res.Output != "" {
		r.logLines = append(r.logLines, fmt.Sprintf("[%s] %s", res.Step, res.Output))
	}
	if r.notify == nil {
		return
	}
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.WithField("panic", p).Error("step notifier panicked")
			}
		}()
		r.notify(res)
	}()
}

func (r *Runner) agentLog() string {
	return strings.Join(r.logLines, "\n")
}

// lastStepOutput returns the output of the last step in steps that has
// non-empty output, or "" if none do. Ported from the original
// implementation's fallback used by both review and peer-review result
// extraction.
func lastStepOutput(steps []domain.StepResult) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Output != "" {
			return steps[i].Output
		}
	}
	return ""
}

// stepOutput returns the output of the first step of the given type that
// has non-empty output.
func stepOutput(steps []domain.StepResult, t domain.StepType) (string, bool) {
	for _, s := range steps {
		if s.Step == t && s.Output != "" {
			return s.Output, true
		}
	}
	return "", false
}

func (r *Runner) exec(ctx context.Context, sb *domain.Sandbox, command string, timeoutSeconds int) (domain.ExecResult, error) {
	return r.backend.Exec(ctx, sb, command, timeoutSeconds)
}
