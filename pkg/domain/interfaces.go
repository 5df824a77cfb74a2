package domain

import "context"

// ExecResult is the result of running a command inside a sandbox. Exec
// never returns an error for a failing user command — only for transport
// failures talking to the sandbox itself.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// SandboxBackend is the Sandbox Backend (C1) abstraction: create, warm,
// destroy, exec, health-check. Implemented by the container variant
// (default) and the microvm variant (optional), selected by sandbox.New.
type SandboxBackend interface {
	// Create provisions a new sandbox and returns once it is usable.
	Create(ctx context.Context, limits ResourceLimits, secrets map[string]string) (*Sandbox, error)
	// Warm pre-creates a sandbox, leaving it paused/ready for fast Create.
	// For backends without snapshot support this degrades to Create.
	Warm(ctx context.Context, limits ResourceLimits) (*Sandbox, error)
	// Destroy tears down the sandbox and deletes its secrets directory.
	Destroy(ctx context.Context, sb *Sandbox) error
	// Exec runs command inside sb with a hard wall-clock timeout. On
	// expiry it returns ExitCode 124 and Stderr "timeout" rather than an
	// error.
	Exec(ctx context.Context, sb *Sandbox, command string, timeout int) (ExecResult, error)
	// HealthCheck reports whether sb is still responsive.
	HealthCheck(ctx context.Context, sb *Sandbox) error
	// Kind identifies which variant this backend implements.
	Kind() BackendKind
}

// AgentEngine is the pluggable AI backend for C5's creative steps.
// Lifecycle: Start -> ExecutePrompt x N -> Stop.
type AgentEngine interface {
	Name() string
	Start(ctx context.Context, sb *Sandbox, task *Task, backend SandboxBackend) error
	ExecutePrompt(ctx context.Context, prompt string, timeoutSeconds int) (success bool, output string, err error)
	// ExecutePromptStructured is optional; engines that do not support
	// structured output should return ok=false, not an error.
	ExecutePromptStructured(ctx context.Context, prompt string, schema any, timeoutSeconds int) (success bool, output string, parsed any, ok bool, err error)
	Stop(ctx context.Context) error
}

// Credentials are returned separately from the clone URL so they never
// appear together in a logged string.
type Credentials struct {
	Username string
	Password string
}

// PullRequest is the result of opening a pull request.
type PullRequest struct {
	URL    string
	Number int
	Title  string
	Branch string
}

// SourceProvider is the Source-control provider contract the Pipeline
// Driver consumes: clone URL resolution, credential retrieval, branch
// creation, and PR creation.
type SourceProvider interface {
	GetCloneURL(ctx context.Context, repoRef string) (string, error)
	GetCredentials(ctx context.Context, provider string) (Credentials, bool, error)
	CreateBranch(ctx context.Context, repoRef, name, base string) (sha string, err error)
	CreatePullRequest(ctx context.Context, repoRef, title, body, head, base string, labels []string) (PullRequest, error)
}
