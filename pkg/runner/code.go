package runner

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/t-rhex/duckling/pkg/domain"
)

var (
	passedRe = regexp.MustCompile(`(\d+) passed`)
	failedRe = regexp.MustCompile(`(\d+) failed`)
)

// Run executes the 8-step code-mode sequence: setup, engine start,
// analyze, plan, code, a bounded lint→test→repair loop, then commit.
// Ported from original_source/agent_runner/runner.py's AgentRunner.run.
func (r *Runner) Run(ctx context.Context, task *domain.Task, sb *domain.Sandbox, cloneURL, workingBranch string) domain.AgentRunResult {
	start := time.Now()
	r.steps = nil
	r.logLines = nil

	setup := r.runDeterministic(ctx, domain.StepSetup, func(ctx context.Context) (bool, string, map[string]any, error) {
		return r.stepSetupCode(ctx, sb, task, cloneURL, workingBranch)
	})
	if !setup.Success {
		return r.finish(start, false, fmt.Sprintf("setup failed: %s", firstNonEmpty(setup.Error, setup.Output)))
	}

	if err := r.engine.Start(ctx, sb, task, r.backend); err != nil {
		return r.finish(start, false, fmt.Sprintf("engine start failed: %v", err))
	}
	defer r.engine.Stop(context.Background())

	r.runCreative(ctx, domain.StepAnalyze, analyzePrompt(task), 180, true)
	r.runCreative(ctx, domain.StepPlan, planPrompt(task), 180, true)

	codeStep := r.runCreative(ctx, domain.StepCode, codePrompt(task), 600, false)
	if !codeStep.Success {
		return r.finish(start, false, firstNonEmpty(codeStep.Error, "code generation step failed"))
	}

	iterations, testResults, repairErr := r.repairLoop(ctx, sb)
	if repairErr != "" {
		return r.finishWithIterations(start, false, repairErr, iterations, testResults)
	}

	commit := r.runDeterministic(ctx, domain.StepCommit, func(ctx context.Context) (bool, string, map[string]any, error) {
		return r.stepCommit(ctx, sb, task)
	})
	if !commit.Success {
		return r.finishWithIterations(start, false, firstNonEmpty(commit.Error, "commit step failed"), iterations, testResults)
	}

	result := r.finishWithIterations(start, true, "", iterations, testResults)
	result.CommitSHA, _ = commit.Metadata["sha"].(string)
	if files, ok := commit.Metadata["files"].([]string); ok {
		result.FilesChanged = files
	}
	return result
}

// repairLoop runs lint→test, repairing on either failure, up to
// MaxRepairIterations times. Ported from the original's for/else loop:
// a clean lint+test pair breaks immediately; exhausting every iteration
// without two green results is the one error path.
func (r *Runner) repairLoop(ctx context.Context, sb *domain.Sandbox) (iterations int, results domain.TestResults, errMsg string) {
	max := r.cfg.MaxRepairIterations
	if max <= 0 {
		max = 1
	}
	for i := 1; i <= max; i++ {
		iterations = i

		lint := r.runDeterministic(ctx, domain.StepLint, func(ctx context.Context) (bool, string, map[string]any, error) {
			return r.stepLint(ctx, sb)
		})
		if !lint.Success {
			r.runCreative(ctx, domain.StepRepair, repairPrompt("lint", lint.Output), 300, true)
			continue
		}

		test := r.runDeterministic(ctx, domain.StepTest, func(ctx context.Context) (bool, string, map[string]any, error) {
			return r.stepTest(ctx, sb)
		})
		results = parseTestResults(test.Output)
		if !test.Success {
			r.runCreative(ctx, domain.StepRepair, repairPrompt("test", test.Output), 300, true)
			continue
		}

		return iterations, results, ""
	}
	return iterations, results, fmt.Sprintf("Max repair iterations (%d) exhausted", max)
}

func (r *Runner) stepSetupCode(ctx context.Context, sb *domain.Sandbox, task *domain.Task, cloneURL, workingBranch string) (bool, string, map[string]any, error) {
	clone := fmt.Sprintf(
		"git clone --depth=50 %s /workspace && cd /workspace && git checkout -b %s origin/%s",
		cloneURL, workingBranch, task.BaseBranch,
	)
	res, err := r.exec(ctx, sb, clone, 120)
	if err != nil {
		return false, "", nil, err
	}
	if res.ExitCode != 0 {
		return false, res.Stdout + res.Stderr, nil, nil
	}

	// Dependency installation is best-effort: a repo without a matching
	// manifest, or a flaky package index, must never fail setup outright.
	deps := "cd /workspace && (pip install -e . || pip install -r requirements.txt || npm install || go mod download || true)"
	depsRes, _ := r.exec(ctx, sb, deps, 180)
	return true, res.Stdout + depsRes.Stdout, nil, nil
}

func (r *Runner) stepLint(ctx context.Context, sb *domain.Sandbox) (bool, string, map[string]any, error) {
	res, err := r.exec(ctx, sb, "cd /workspace && (ruff check --fix . && ruff format .) 2>&1", 120)
	if err != nil {
		return false, "", nil, err
	}
	return res.ExitCode == 0, res.Stdout + res.Stderr, nil, nil
}

func (r *Runner) stepTest(ctx context.Context, sb *domain.Sandbox) (bool, string, map[string]any, error) {
	res, err := r.exec(ctx, sb, "cd /workspace && pytest -v --tb=short 2>&1", 300)
	if err != nil {
		return false, "", nil, err
	}
	return res.ExitCode == 0, res.Stdout + res.Stderr, nil, nil
}

func (r *Runner) stepCommit(ctx context.Context, sb *domain.Sandbox, task *domain.Task) (bool, string, map[string]any, error) {
	filesRes, err := r.exec(ctx, sb, "cd /workspace && git diff --name-only HEAD", 30)
	if err != nil {
		return false, "", nil, err
	}
	files := splitNonEmptyLines(filesRes.Stdout)

	msg := commitMessage(task, files)
	commitCmd := fmt.Sprintf(
		"cd /workspace && git add -A && git -c user.email=duckling@agents.local -c user.name=Duckling commit -m %s && git push -u origin HEAD && git rev-parse HEAD",
		shellQuote(msg),
	)
	res, err := r.exec(ctx, sb, commitCmd, 120)
	if err != nil {
		return false, "", nil, err
	}
	if res.ExitCode != 0 {
		return false, res.Stdout + res.Stderr, nil, nil
	}
	sha := strings.TrimSpace(lastLine(res.Stdout))
	return true, res.Stdout, map[string]any{"sha": sha, "files": files}, nil
}

func (r *Runner) finish(start time.Time, success bool, errMsg string) domain.AgentRunResult {
	return r.finishWithIterations(start, success, errMsg, 0, domain.TestResults{})
}

func (r *Runner) finishWithIterations(start time.Time, success bool, errMsg string, iterations int, results domain.TestResults) domain.AgentRunResult {
	return domain.AgentRunResult{
		Success:        success,
		Steps:          r.steps,
		TestResults:    results,
		TotalDuration:  time.Since(start),
		IterationsUsed: iterations,
		Error:          errMsg,
		AgentLog:       r.agentLog(),
	}
}

func parseTestResults(output string) domain.TestResults {
	tr := domain.TestResults{RawOutput: output}
	if m := passedRe.FindStringSubmatch(output); m != nil {
		tr.Passed, _ = strconv.Atoi(m[1])
	}
	if m := failedRe.FindStringSubmatch(output); m != nil {
		tr.Failed, _ = strconv.Atoi(m[1])
	}
	return tr
}

func commitMessage(task *domain.Task, files []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", domain.GeneratePRTitle(task.Description))
	fmt.Fprintf(&b, "Task: %s\n", task.ID)
	fmt.Fprintf(&b, "%s\n\n", task.Description)
	fmt.Fprintf(&b, "Files changed: %d\n\n", len(files))
	fmt.Fprintf(&b, "Co-authored-by: Duckling <duckling@agents.local>\n")
	return b.String()
}

func analyzePrompt(task *domain.Task) string {
	return fmt.Sprintf("Analyze the repository to plan an implementation for this task:\n\n%s", task.Description)
}

func planPrompt(task *domain.Task) string {
	return fmt.Sprintf("Write a step-by-step implementation plan for:\n\n%s", task.Description)
}

func codePrompt(task *domain.Task) string {
	return fmt.Sprintf("Implement the following change, editing files in /workspace:\n\n%s", task.Description)
}

func repairPrompt(kind, output string) string {
	return fmt.Sprintf("The %s step failed with this output. Fix the code in /workspace so it passes:\n\n%s", kind, output)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func lastLine(s string) string {
	lines := splitNonEmptyLines(s)
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
