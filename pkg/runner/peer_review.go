package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/t-rhex/duckling/pkg/domain"
)

const maxDiffChars = 15000

// RunPeerReview executes the 5-step peer-review sequence: setup, diff,
// engine start, AI review, and feedback synthesis. Ported from
// original_source/agent_runner/runner.py's AgentRunner.run_peer_review.
// A diffless branch short-circuits after the diff step, matching the
// original's early return.
func (r *Runner) RunPeerReview(ctx context.Context, task *domain.Task, sb *domain.Sandbox, cloneURL string) domain.AgentRunResult {
	start := time.Now()
	r.steps = nil
	r.logLines = nil

	setup := r.runDeterministic(ctx, domain.StepSetup, func(ctx context.Context) (bool, string, map[string]any, error) {
		return r.stepSetupPeerReview(ctx, sb, task, cloneURL)
	})
	if !setup.Success {
		return r.finish(start, false, fmt.Sprintf("setup failed: %s", firstNonEmpty(setup.Error, setup.Output)))
	}

	diff := r.runDeterministic(ctx, domain.StepDiff, func(ctx context.Context) (bool, string, map[string]any, error) {
		return r.stepGetDiff(ctx, sb, task)
	})
	if empty, _ := diff.Metadata["empty"].(bool); empty {
		result := r.finish(start, true, "")
		result.AgentLog = "No differences found"
		return result
	}

	if err := r.engine.Start(ctx, sb, task, r.backend); err != nil {
		return r.finish(start, false, fmt.Sprintf("engine start failed: %v", err))
	}
	defer r.engine.Stop(context.Background())

	r.runCreative(ctx, domain.StepPeerReview, peerReviewPrompt(diff.Output), 240, true)
	r.runCreative(ctx, domain.StepPeerFeedback, peerFeedbackPrompt(task), 180, true)

	reviewText, _ := stepOutput(r.steps, domain.StepPeerFeedback)
	if reviewText == "" {
		reviewText = lastStepOutput(r.steps)
	}

	result := r.finish(start, true, "")
	if files, ok := diff.Metadata["files"].([]string); ok {
		result.FilesChanged = files
	}
	result.AgentLog = reviewText + "\n\n" + result.AgentLog
	return result
}

func (r *Runner) stepSetupPeerReview(ctx context.Context, sb *domain.Sandbox, task *domain.Task, cloneURL string) (bool, string, map[string]any, error) {
	cmd := fmt.Sprintf("git clone --depth=50 %s /workspace && cd /workspace && git checkout %s", cloneURL, task.TargetBranch)
	res, err := r.exec(ctx, sb, cmd, 120)
	if err != nil {
		return false, "", nil, err
	}
	return res.ExitCode == 0, res.Stdout + res.Stderr, nil, nil
}

func (r *Runner) stepGetDiff(ctx context.Context, sb *domain.Sandbox, task *domain.Task) (bool, string, map[string]any, error) {
	statCmd := fmt.Sprintf("cd /workspace && git diff --stat origin/%s...HEAD", task.BaseBranch)
	statRes, err := r.exec(ctx, sb, statCmd, 30)
	if err != nil {
		return false, "", nil, err
	}

	namesCmd := fmt.Sprintf("cd /workspace && git diff --name-only origin/%s...HEAD", task.BaseBranch)
	namesRes, err := r.exec(ctx, sb, namesCmd, 30)
	if err != nil {
		return false, "", nil, err
	}
	files := splitNonEmptyLines(namesRes.Stdout)

	if len(files) == 0 {
		return true, "", map[string]any{"empty": true}, nil
	}

	diffCmd := fmt.Sprintf("cd /workspace && git diff origin/%s...HEAD", task.BaseBranch)
	diffRes, err := r.exec(ctx, sb, diffCmd, 30)
	if err != nil {
		return false, "", nil, err
	}
	diff := diffRes.Stdout
	if len(diff) > maxDiffChars {
		diff = diff[:maxDiffChars] + "\n... (truncated)"
	}

	full := statRes.Stdout + "\n" + diff
	return true, full, map[string]any{"files": files, "empty": false}, nil
}

func peerReviewPrompt(diff string) string {
	return fmt.Sprintf("Review this diff against the target branch, reading full file context where needed:\n\n%s", diff)
}

func peerFeedbackPrompt(task *domain.Task) string {
	return "Summarize peer review feedback as Markdown with sections: Summary, Issues Found " +
		"(by severity), What Looks Good, and Recommendations for: " + task.Description
}
