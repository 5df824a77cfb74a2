package domain

import (
	"sync"
	"time"
)

// SandboxState is a pure value type; all mutation goes through the
// transition methods (Claim, Release) so that timestamps and the task id
// binding stay consistent.
type SandboxState string

const (
	SandboxCreating  SandboxState = "creating"
	SandboxWarming   SandboxState = "warming"
	SandboxReady     SandboxState = "ready"
	SandboxClaimed   SandboxState = "claimed"
	SandboxCleaning  SandboxState = "cleaning"
	SandboxDestroyed SandboxState = "destroyed"
	SandboxError     SandboxState = "error"
)

// BackendKind selects which Sandbox Backend variant produced a Sandbox.
type BackendKind string

const (
	BackendContainer BackendKind = "container"
	BackendMicroVM   BackendKind = "microvm"
)

// ResourceLimits bounds a sandbox's memory and CPU.
type ResourceLimits struct {
	MemoryMB  int64
	VCPUCount int
}

// Sandbox is an isolated execution workspace managed end-to-end by the
// Warm Pool Manager (C2) and operated on by a Sandbox Backend (C1).
//
// Invariant: exactly one of {in-pool, claimed, cleaning, destroyed} holds
// at any instant; TaskID is set iff State == SandboxClaimed.
type Sandbox struct {
	mu sync.RWMutex

	ID      string
	Backend BackendKind
	State   SandboxState
	Limits  ResourceLimits

	// Handle is an opaque backend-specific reference (container ID,
	// *firecracker.Machine, etc.) — the pool never inspects it.
	Handle any

	IPAddress string
	TaskID    string
	SecretsDir string

	CreatedAt  time.Time
	ClaimedAt  *time.Time
	ReleasedAt *time.Time

	FromPool bool
	PooledAt time.Time
}

func NewSandbox(id string, backend BackendKind, limits ResourceLimits) *Sandbox {
	return &Sandbox{
		ID:        id,
		Backend:   backend,
		State:     SandboxCreating,
		Limits:    limits,
		CreatedAt: time.Now(),
	}
}

// Claim binds the sandbox to taskID and moves it to the claimed state.
func (s *Sandbox) Claim(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.State = SandboxClaimed
	s.TaskID = taskID
	s.ClaimedAt = &now
}

// Release moves the sandbox to the cleaning state, clearing TaskID. The
// caller (C2) is responsible for invoking the backend's Destroy afterward.
func (s *Sandbox) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.State = SandboxCleaning
	s.ReleasedAt = &now
	s.TaskID = ""
}

// MarkReady transitions a freshly created/warmed sandbox into the ready
// FIFO.
func (s *Sandbox) MarkReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = SandboxReady
	s.PooledAt = time.Now()
}

// MarkError transitions a sandbox into the error state, reachable from any
// non-terminal state.
func (s *Sandbox) MarkError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = SandboxError
}

func (s *Sandbox) snapshotState() SandboxState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// PoolStats is a point-in-time snapshot returned by Pool.Stats().
type PoolStats struct {
	Total             int
	Ready             int
	Claimed           int
	Creating          int
	Error             int
	Backend           BackendKind
	TargetSize        int
	AvgClaimLatencyMs float64
	AvgTaskDurationS  float64
}
