package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/t-rhex/duckling/pkg/domain"
)

// RunReview executes the 9-step review-only sequence: a deterministic
// inventory/deps/metrics/security phase followed by an AI file-review /
// cross-file-synthesis / report phase, then a final git-stats step.
// Ported from original_source/agent_runner/runner.py's
// AgentRunner.run_review.
func (r *Runner) RunReview(ctx context.Context, task *domain.Task, sb *domain.Sandbox, cloneURL string) domain.AgentRunResult {
	start := time.Now()
	r.steps = nil
	r.logLines = nil

	setup := r.runDeterministic(ctx, domain.StepSetup, func(ctx context.Context) (bool, string, map[string]any, error) {
		return r.stepSetupReview(ctx, sb, task, cloneURL)
	})
	if !setup.Success {
		return r.finish(start, false, fmt.Sprintf("setup failed: %s", firstNonEmpty(setup.Error, setup.Output)))
	}

	inventory := r.runDeterministic(ctx, domain.StepInventory, func(ctx context.Context) (bool, string, map[string]any, error) {
		return r.stepFileInventory(ctx, sb)
	})
	r.runDeterministic(ctx, domain.StepDeps, func(ctx context.Context) (bool, string, map[string]any, error) {
		return r.stepDependencyAnalysis(ctx, sb)
	})
	r.runDeterministic(ctx, domain.StepMetrics, func(ctx context.Context) (bool, string, map[string]any, error) {
		return r.stepCodeMetrics(ctx, sb)
	})
	r.runDeterministic(ctx, domain.StepSecurity, func(ctx context.Context) (bool, string, map[string]any, error) {
		return r.stepASTSecurityScan(ctx, sb)
	})

	if err := r.engine.Start(ctx, sb, task, r.backend); err != nil {
		return r.finish(start, false, fmt.Sprintf("engine start failed: %v", err))
	}
	defer r.engine.Stop(context.Background())

	files := fileListFromMetadata(inventory)
	r.runCreative(ctx, domain.StepFileReview, fileReviewPrompt(files), 240, true)
	r.runCreative(ctx, domain.StepSynthesis, synthesisPrompt(task), 180, true)
	r.runCreative(ctx, domain.StepReport, reportPrompt(task), 180, true)

	r.runDeterministic(ctx, domain.StepGitStats, func(ctx context.Context) (bool, string, map[string]any, error) {
		return r.stepGitStats(ctx, sb)
	})

	reviewText, _ := stepOutput(r.steps, domain.StepReport)
	if reviewText == "" {
		reviewText = lastStepOutput(r.steps)
	}

	result := r.finish(start, true, "")
	result.AgentLog = reviewText + "\n\n" + result.AgentLog
	return result
}

func (r *Runner) stepSetupReview(ctx context.Context, sb *domain.Sandbox, task *domain.Task, cloneURL string) (bool, string, map[string]any, error) {
	cmd := fmt.Sprintf("git clone --depth=50 -b %s %s /workspace", task.BaseBranch, cloneURL)
	res, err := r.exec(ctx, sb, cmd, 120)
	if err != nil {
		return false, "", nil, err
	}
	return res.ExitCode == 0, res.Stdout + res.Stderr, nil, nil
}

// stepFileInventory lists tracked files, excluding the review's skip
// globs, and keeps the first ReviewMaxFiles of them in `git ls-files`
// order for the AI phase. Files are not ranked by size or classified by
// language.
func (r *Runner) stepFileInventory(ctx context.Context, sb *domain.Sandbox) (bool, string, map[string]any, error) {
	res, err := r.exec(ctx, sb, "cd /workspace && git ls-files", 30)
	if err != nil {
		return false, "", nil, err
	}
	all := splitNonEmptyLines(res.Stdout)
	kept := make([]string, 0, len(all))
	for _, f := range all {
		if !matchesAnySkip(f, r.cfg.SkipPatterns) {
			kept = append(kept, f)
		}
	}
	maxFiles := r.cfg.ReviewMaxFiles
	if maxFiles <= 0 {
		maxFiles = 25
	}
	top := kept
	if len(top) > maxFiles {
		top = top[:maxFiles]
	}
	summary := fmt.Sprintf("%d files tracked, %d after skip-patterns, reviewing top %d", len(all), len(kept), len(top))
	return true, summary, map[string]any{"files": top}, nil
}

func (r *Runner) stepDependencyAnalysis(ctx context.Context, sb *domain.Sandbox) (bool, string, map[string]any, error) {
	cmd := "cd /workspace && for f in pyproject.toml package.json go.mod Cargo.toml Dockerfile; do " +
		"[ -f \"$f\" ] && echo \"--- $f ---\" && cat \"$f\"; done 2>/dev/null"
	res, err := r.exec(ctx, sb, cmd, 30)
	if err != nil {
		return false, "", nil, err
	}
	out := res.Stdout
	if strings.TrimSpace(out) == "" {
		out = "no recognized dependency manifest found"
	}
	return true, out, nil, nil
}

func (r *Runner) stepCodeMetrics(ctx context.Context, sb *domain.Sandbox) (bool, string, map[string]any, error) {
	cmd := "cd /workspace && (scc . || true) && (ruff check --statistics . 2>/dev/null || true) && " +
		"(test -f README.md && echo 'README present' || echo 'no README') && " +
		"(git ls-files | grep -Ec '(_test\\.|test_|\\.spec\\.)' || true)"
	res, err := r.exec(ctx, sb, cmd, 60)
	if err != nil {
		return false, "", nil, err
	}
	return true, res.Stdout, nil, nil
}

func (r *Runner) stepASTSecurityScan(ctx context.Context, sb *domain.Sandbox) (bool, string, map[string]any, error) {
	cmd := "cd /workspace && (sg scan --json 2>/dev/null || true) && (bandit -r . -q 2>/dev/null || true)"
	res, err := r.exec(ctx, sb, cmd, 120)
	if err != nil {
		return false, "", nil, err
	}
	out := res.Stdout
	if strings.TrimSpace(out) == "" {
		out = "Total findings: 0"
	}
	return true, out, nil, nil
}

func (r *Runner) stepGitStats(ctx context.Context, sb *domain.Sandbox) (bool, string, map[string]any, error) {
	cmd := "cd /workspace && git log --oneline -20 && echo '---' && git shortlog -sn --no-merges | head -10 && " +
		"echo '---' && git log --name-only --pretty=format: -50 | sort | uniq -c | sort -rn | head -10"
	res, err := r.exec(ctx, sb, cmd, 30)
	if err != nil {
		return false, "", nil, err
	}
	return true, res.Stdout, nil, nil
}

func fileListFromMetadata(res domain.StepResult) []string {
	files, _ := res.Metadata["files"].([]string)
	return files
}

func fileReviewPrompt(files []string) string {
	return fmt.Sprintf(
		"Review these files for bugs, security issues, code quality, design, and test gaps:\n\n%s",
		strings.Join(files, "\n"),
	)
}

func synthesisPrompt(task *domain.Task) string {
	return "Synthesize cross-file findings covering architecture, error handling, consistency, " +
		"dependencies, performance, documentation, and testing strategy."
}

func reportPrompt(task *domain.Task) string {
	return "Generate a Markdown review report with sections: Summary (with a letter grade), " +
		"Architecture, Issues Found (grouped CRITICAL/WARNING/SUGGESTION), Security Assessment, " +
		"Testing Assessment, Dependencies, What Looks Good, and Recommendations."
}

// matchesAnySkip reports whether path matches any of the comma-derived
// glob patterns in config.ReviewConfig.SkipPatterns (e.g.
// "node_modules/**", "*.min.js").
func matchesAnySkip(path string, patterns []string) bool {
	for _, p := range patterns {
		if globMatch(p, path) {
			return true
		}
	}
	return false
}

// globMatch is a small ** + * matcher sufficient for skip-pattern globs;
// it does not attempt full shell glob semantics.
func globMatch(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		return strings.HasPrefix(path, prefix+"/") || path == prefix
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(path, strings.TrimPrefix(pattern, "*"))
	}
	return pattern == path
}
