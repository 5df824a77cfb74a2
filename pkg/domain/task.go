package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TaskStatus is the status graph position of a Task.
//
//	pending -> claiming_vm -> running -> {creating_pr -> completed | completed | failed | cancelled}
//
// Cancellation is reachable from any non-terminal status.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskClaimingVM TaskStatus = "claiming_vm"
	TaskRunning    TaskStatus = "running"
	TaskCreatingPR TaskStatus = "creating_pr"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether status is one of the three terminal states.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskPriority orders dispatch; lower value dispatches first.
type TaskPriority int

const (
	PriorityCritical TaskPriority = 0
	PriorityHigh     TaskPriority = 1
	PriorityMedium   TaskPriority = 2
	PriorityLow      TaskPriority = 3
)

func ParsePriority(s string) (TaskPriority, error) {
	switch strings.ToLower(s) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// TaskMode selects which of C5's three step sequences a task runs.
type TaskMode string

const (
	ModeCode       TaskMode = "code"
	ModeReview     TaskMode = "review"
	ModePeerReview TaskMode = "peer-review"
)

// TaskSource records where a task was submitted from, ported from the
// original implementation's requester-metadata model (dropped by the
// distilled spec's data model prose but present in its "requester
// metadata" phrase).
type TaskSource string

const (
	SourceAPI   TaskSource = "api"
	SourceSlack TaskSource = "slack"
	SourceCLI   TaskSource = "cli"
)

var verbPrefixes = []string{"fix", "add", "update", "refactor", "remove"}

// allowedRepoURLRe matches https://github.com/owner/repo[.git] and
// https://bitbucket.org/owner/repo[.git]. Ported from
// original_source/orchestrator/models/task.py's _ALLOWED_REPO_URL_RE.
var allowedRepoURLRe = regexp.MustCompile(`^https://(github\.com|bitbucket\.org)/[a-zA-Z0-9._-]+/[a-zA-Z0-9._-]+(\.git)?$`)

// ValidateRepoURL rejects any repository URL outside the allowlisted
// provider hosts and forms.
func ValidateRepoURL(url string) error {
	if !allowedRepoURLRe.MatchString(url) {
		return NewError(ErrValidation, "repo_url", fmt.Errorf("unrecognized repository URL %q", url))
	}
	return nil
}

const minDescriptionLen = 20

// TestResults holds parsed pass/fail counts from the test step, plus the
// raw output for display.
type TestResults struct {
	RawOutput string `json:"raw_output,omitempty"`
	Passed    int    `json:"passed,omitempty"`
	Failed    int    `json:"failed,omitempty"`
}

// Task is the unit of work owned by the Task Queue (C3) and mutated by the
// Pipeline Driver (C4) during execution. No other component may mutate
// Status.
type Task struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	RepoURL     string       `json:"repo_url"`
	Provider    string       `json:"provider"`
	BaseBranch  string       `json:"base_branch"`
	TargetBranch string      `json:"target_branch,omitempty"`
	Priority    TaskPriority `json:"priority"`
	Mode        TaskMode     `json:"mode"`
	Labels      []string     `json:"labels,omitempty"`

	RequesterID string     `json:"requester_id,omitempty"`
	Source      TaskSource `json:"source,omitempty"`

	MaxRepairIterations int `json:"max_repair_iterations"`
	TimeoutSeconds      int `json:"timeout_seconds"`

	// Runtime fields, mutated only by the Pipeline Driver.
	Status         TaskStatus   `json:"status"`
	SandboxID      string       `json:"sandbox_id,omitempty"`
	WorkingBranch  string       `json:"working_branch,omitempty"`
	PRURL          string       `json:"pr_url,omitempty"`
	PRNumber       int          `json:"pr_number,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	IterationsUsed int          `json:"iterations_used,omitempty"`
	FilesChanged   []string     `json:"files_changed,omitempty"`
	TestResults    *TestResults `json:"test_results,omitempty"`
	ReviewOutput   string       `json:"review_output,omitempty"`
	AgentLog       string       `json:"agent_log,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	DurationSeconds   float64    `json:"duration_seconds,omitempty"`

	seq int64 // submission order tiebreaker, set by the queue, not serialized
}

// Validate enforces the ingress-level boundary checks: description length,
// repo URL allowlisting, and a known mode. TimeoutSeconds and
// MaxRepairIterations are not checked here; `ducklingd apply` fills a
// default timeout, and a zero MaxRepairIterations falls back to the
// pipeline driver's configured cap.
func (t *Task) Validate() error {
	if len(t.Description) < minDescriptionLen {
		return NewError(ErrValidation, "description", fmt.Errorf("description must be at least %d characters", minDescriptionLen))
	}
	if err := ValidateRepoURL(t.RepoURL); err != nil {
		return err
	}
	switch t.Mode {
	case ModeCode, ModeReview, ModePeerReview:
	default:
		return NewError(ErrValidation, "mode", fmt.Errorf("unknown mode %q", t.Mode))
	}
	return nil
}

// MarkCompleted transitions a code-mode task to its terminal success state.
func (t *Task) MarkCompleted(prURL string, prNumber int) {
	t.Status = TaskCompleted
	t.PRURL = prURL
	t.PRNumber = prNumber
	t.finish()
}

// MarkReviewCompleted transitions a review/peer-review task to its
// terminal success state.
func (t *Task) MarkReviewCompleted(reviewOutput string) {
	t.Status = TaskCompleted
	t.ReviewOutput = reviewOutput
	t.finish()
}

// MarkFailed transitions a task to its terminal failure state.
func (t *Task) MarkFailed(errMsg string) {
	t.Status = TaskFailed
	t.ErrorMessage = errMsg
	t.finish()
}

// MarkCancelled transitions a task to its terminal cancellation state.
// A no-op if already terminal (idempotent false per the queue's Cancel
// contract — the queue checks Terminal() before calling this).
func (t *Task) MarkCancelled() {
	if t.Status.Terminal() {
		return
	}
	t.Status = TaskCancelled
	t.finish()
}

func (t *Task) finish() {
	now := time.Now()
	t.CompletedAt = &now
	t.DurationSeconds = now.Sub(t.CreatedAt).Seconds()
	t.UpdatedAt = now
}

// GeneratePRTitle builds a PR title from the task description: prefixes
// "fix: " unless the description already begins with a known verb, then
// cuts a title longer than 72 bytes to its first 69 bytes plus "…".
func GeneratePRTitle(description string) string {
	title := description
	lower := strings.ToLower(strings.TrimSpace(description))
	prefixed := false
	for _, v := range verbPrefixes {
		if strings.HasPrefix(lower, v) {
			prefixed = true
			break
		}
	}
	if !prefixed {
		title = "fix: " + description
	}
	const maxLen = 72
	if len(title) > maxLen {
		title = title[:69] + "…"
	}
	return title
}
