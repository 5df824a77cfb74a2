package domain

import "time"

// StepType enumerates every step kind any of C5's three step sequences can
// produce.
type StepType string

const (
	StepSetup        StepType = "setup"
	StepAnalyze      StepType = "analyze"
	StepPlan         StepType = "plan"
	StepCode         StepType = "code"
	StepLint         StepType = "lint"
	StepTest         StepType = "test"
	StepRepair       StepType = "repair"
	StepCommit       StepType = "commit"
	StepInventory    StepType = "inventory"
	StepDeps         StepType = "deps"
	StepMetrics      StepType = "metrics"
	StepSecurity     StepType = "security"
	StepFileReview   StepType = "file_review"
	StepSynthesis    StepType = "synthesis"
	StepReport       StepType = "report"
	StepGitStats     StepType = "git_stats"
	StepDiff         StepType = "diff"
	StepPeerReview   StepType = "peer_review"
	StepPeerFeedback StepType = "peer_feedback"
)

// StepResult is the outcome of one pipeline step.
type StepResult struct {
	Step     StepType
	Success  bool
	Output   string
	Error    string
	Duration time.Duration
	Metadata map[string]any
}

// AgentRunResult is the outcome of one run of the Agent Runner (C5).
type AgentRunResult struct {
	Success         bool
	Steps           []StepResult
	FilesChanged    []string
	TestResults     TestResults
	TotalDuration   time.Duration
	IterationsUsed  int
	CommitSHA       string
	Error           string
	AgentLog        string
}

// StepNotifier is invoked after each StepResult. Failures in the callback
// must not affect pipeline progression — callers recover/log and continue.
type StepNotifier func(StepResult)

// StatusNotifier is invoked on every Task status transition. Same failure
// policy as StepNotifier.
type StatusNotifier func(task *Task, previous TaskStatus)
