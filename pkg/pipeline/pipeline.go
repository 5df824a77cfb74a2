// Package pipeline implements the Pipeline Driver (C4): the glue between
// a claimed sandbox, the Agent Runner, and a source-control provider.
// Grounded on original_source/orchestrator/services/pipeline.py's
// TaskPipeline — Execute routes by task.Mode exactly as the original's
// execute() does, and each mode method follows the original's
// claim→run→release structure with a defer-guaranteed release.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/t-rhex/duckling/pkg/domain"
	"github.com/t-rhex/duckling/pkg/engine"
	"github.com/t-rhex/duckling/pkg/runner"
)

// Claimer is the subset of pool.Pool the driver depends on, narrowed to
// an interface so tests can exercise Driver without a real backend.
type Claimer interface {
	Claim(ctx context.Context, taskID string) (*domain.Sandbox, error)
	Release(ctx context.Context, sb *domain.Sandbox) error
}

// Config tunes per-task repair iterations and review-mode inventory
// limits, mirroring config.PipelineConfig/ReviewConfig.
type Config struct {
	MaxRepairIterations int
	ReviewMaxFiles      int
	SkipPatterns        []string
	EngineBackend       string
}

// Driver is the Pipeline Driver (C4).
type Driver struct {
	pool     Claimer
	backend  domain.SandboxBackend
	provider domain.SourceProvider
	cfg      Config
	onStatus domain.StatusNotifier
	onStep   domain.StepNotifier
	log      *logrus.Entry
}

// New constructs a Driver. onStatus/onStep may be nil.
func New(pool Claimer, backend domain.SandboxBackend, provider domain.SourceProvider, cfg Config, onStatus domain.StatusNotifier, onStep domain.StepNotifier, log *logrus.Entry) *Driver {
	return &Driver{
		pool:     pool,
		backend:  backend,
		provider: provider,
		cfg:      cfg,
		onStatus: onStatus,
		onStep:   onStep,
		log:      log.WithField("component", "pipeline"),
	}
}

// Execute runs task end-to-end, routing by task.Mode. It implements
// queue.Executor so the Task Queue can dispatch directly into a Driver.
// Execute never returns until the task reaches a terminal status; its
// error return mirrors only transport-layer problems the queue should
// log, not task failure (a failed task is still a successfully-handled
// Execute call — the failure lives in task.Status/ErrorMessage).
func (d *Driver) Execute(ctx context.Context, task *domain.Task) error {
	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch task.Mode {
	case domain.ModeReview:
		err = d.executeReview(ctx, task)
	case domain.ModePeerReview:
		err = d.executePeerReview(ctx, task)
	default:
		err = d.executeCode(ctx, task)
	}

	// A task that times out mid-step surfaces as a context deadline
	// somewhere inside the runner or provider calls, which each wrap it
	// into their own "failed to ..." message. Normalize the visible error
	// to the original implementation's timeout message in that case.
	if ctx.Err() == context.DeadlineExceeded && task.Status == domain.TaskFailed {
		task.ErrorMessage = fmt.Sprintf("task timed out after %ds", task.TimeoutSeconds)
	}
	return err
}

func (d *Driver) executeCode(ctx context.Context, task *domain.Task) error {
	d.setStatus(task, domain.TaskClaimingVM)
	sb, err := d.pool.Claim(ctx, task.ID)
	if err != nil {
		d.fail(ctx, task, fmt.Sprintf("failed to claim sandbox: %v", err))
		return nil
	}
	task.SandboxID = sb.ID
	defer d.release(sb, task.ID)

	cloneURL, err := d.provider.GetCloneURL(ctx, task.RepoURL)
	if err != nil {
		d.fail(ctx, task, fmt.Sprintf("failed to resolve clone url: %v", err))
		return nil
	}

	workingBranch := fmt.Sprintf("duckling/%s", shortID(task.ID))
	task.WorkingBranch = workingBranch

	if _, err := d.provider.CreateBranch(ctx, task.RepoURL, workingBranch, task.BaseBranch); err != nil {
		d.log.WithField("task_id", task.ID).WithError(err).Warn("remote branch creation failed, relying on local git push -u")
	}

	d.setStatus(task, domain.TaskRunning)

	eng, err := d.newEngine()
	if err != nil {
		d.fail(ctx, task, err.Error())
		return nil
	}

	r := runner.New(d.backend, eng, runner.Config{
		MaxRepairIterations: nonZero(task.MaxRepairIterations, d.cfg.MaxRepairIterations),
	}, d.onStep, d.log)

	result := r.Run(ctx, task, sb, cloneURL, workingBranch)
	task.AgentLog = result.AgentLog
	task.IterationsUsed = result.IterationsUsed
	task.FilesChanged = result.FilesChanged
	task.TestResults = &result.TestResults

	if !result.Success {
		d.fail(ctx, task, result.Error)
		return nil
	}

	d.setStatus(task, domain.TaskCreatingPR)

	prTitle := domain.GeneratePRTitle(task.Description)
	pr, err := d.provider.CreatePullRequest(ctx, task.RepoURL, prTitle, task.Description, workingBranch, task.BaseBranch, task.Labels)
	if err != nil {
		d.fail(ctx, task, fmt.Sprintf("failed to create pull request: %v", err))
		return nil
	}

	task.MarkCompleted(pr.URL, pr.Number)
	return nil
}

func (d *Driver) executeReview(ctx context.Context, task *domain.Task) error {
	d.setStatus(task, domain.TaskClaimingVM)
	sb, err := d.pool.Claim(ctx, task.ID)
	if err != nil {
		d.fail(ctx, task, fmt.Sprintf("failed to claim sandbox: %v", err))
		return nil
	}
	task.SandboxID = sb.ID
	defer d.release(sb, task.ID)

	cloneURL, err := d.provider.GetCloneURL(ctx, task.RepoURL)
	if err != nil {
		d.fail(ctx, task, fmt.Sprintf("failed to resolve clone url: %v", err))
		return nil
	}

	d.setStatus(task, domain.TaskRunning)

	eng, err := d.newEngine()
	if err != nil {
		d.fail(ctx, task, err.Error())
		return nil
	}

	r := runner.New(d.backend, eng, runner.Config{
		ReviewMaxFiles: d.cfg.ReviewMaxFiles,
		SkipPatterns:   d.cfg.SkipPatterns,
	}, d.onStep, d.log)

	result := r.RunReview(ctx, task, sb, cloneURL)
	task.AgentLog = result.AgentLog

	if !result.Success {
		d.fail(ctx, task, result.Error)
		return nil
	}
	task.MarkReviewCompleted(result.AgentLog)
	return nil
}

func (d *Driver) executePeerReview(ctx context.Context, task *domain.Task) error {
	d.setStatus(task, domain.TaskClaimingVM)
	sb, err := d.pool.Claim(ctx, task.ID)
	if err != nil {
		d.fail(ctx, task, fmt.Sprintf("failed to claim sandbox: %v", err))
		return nil
	}
	task.SandboxID = sb.ID
	defer d.release(sb, task.ID)

	cloneURL, err := d.provider.GetCloneURL(ctx, task.RepoURL)
	if err != nil {
		d.fail(ctx, task, fmt.Sprintf("failed to resolve clone url: %v", err))
		return nil
	}

	d.setStatus(task, domain.TaskRunning)

	eng, err := d.newEngine()
	if err != nil {
		d.fail(ctx, task, err.Error())
		return nil
	}

	r := runner.New(d.backend, eng, runner.Config{}, d.onStep, d.log)

	result := r.RunPeerReview(ctx, task, sb, cloneURL)
	task.AgentLog = result.AgentLog
	task.FilesChanged = result.FilesChanged

	if !result.Success {
		d.fail(ctx, task, result.Error)
		return nil
	}
	task.MarkReviewCompleted(result.AgentLog)
	return nil
}

func (d *Driver) release(sb *domain.Sandbox, taskID string) {
	if err := d.pool.Release(context.Background(), sb); err != nil {
		d.log.WithField("task_id", taskID).WithError(err).Warn("sandbox release failed")
	}
}

// fail transitions task to its terminal failure state, except that it
// leaves an already-cancelled task alone and treats a context cancelled
// out from under a blocking call as cancellation rather than failure.
// Queue.Cancel marks the task cancelled (and finishes it) before
// cancelling ctx, so without this check the failure that a cancelled
// ctx produces at the pipeline's next blocking call would overwrite
// cancelled with failed and finish the task a second time.
func (d *Driver) fail(ctx context.Context, task *domain.Task, msg string) {
	if task.Status.Terminal() {
		return
	}
	if ctx.Err() == context.Canceled {
		task.MarkCancelled()
		return
	}
	task.MarkFailed(msg)
}

func (d *Driver) setStatus(task *domain.Task, status domain.TaskStatus) {
	if task.Status.Terminal() {
		return
	}
	prev := task.Status
	task.Status = status
	task.UpdatedAt = time.Now()
	if d.onStatus == nil {
		return
	}
	func() {
		defer func() {
			if p := recover(); p != nil {
				d.log.WithField("task_id", task.ID).WithField("panic", p).Error("status notifier panicked")
			}
		}()
		d.onStatus(task, prev)
	}()
}

func (d *Driver) newEngine() (domain.AgentEngine, error) {
	return engine.New(d.cfg.EngineBackend, d.log)
}

func nonZero(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
