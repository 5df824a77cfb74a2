package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/t-rhex/duckling/pkg/domain"
)

// mockBackend is a domain.SandboxBackend test double. Unlike the
// teacher's pool_test.go — which could only skip TestPool_Acquire and
// TestPool_Release because Pool depended on a concrete *vm.Manager — the
// interface dependency here makes both directly testable.
type mockBackend struct {
	mu sync.Mutex

	createCalls  int32
	destroyCalls int32
	warmCalls    int32

	createErr error
	warmErr   error
}

func (m *mockBackend) Create(ctx context.Context, limits domain.ResourceLimits, secrets map[string]string) (*domain.Sandbox, error) {
	atomic.AddInt32(&m.createCalls, 1)
	if m.createErr != nil {
		return nil, m.createErr
	}
	sb := domain.NewSandbox(uuid.NewString(), domain.BackendContainer, limits)
	sb.MarkReady()
	return sb, nil
}

func (m *mockBackend) Warm(ctx context.Context, limits domain.ResourceLimits) (*domain.Sandbox, error) {
	atomic.AddInt32(&m.warmCalls, 1)
	if m.warmErr != nil {
		return nil, m.warmErr
	}
	sb := domain.NewSandbox(uuid.NewString(), domain.BackendContainer, limits)
	sb.MarkReady()
	return sb, nil
}

func (m *mockBackend) Destroy(ctx context.Context, sb *domain.Sandbox) error {
	atomic.AddInt32(&m.destroyCalls, 1)
	return nil
}

func (m *mockBackend) Exec(ctx context.Context, sb *domain.Sandbox, command string, timeout int) (domain.ExecResult, error) {
	return domain.ExecResult{}, nil
}

func (m *mockBackend) HealthCheck(ctx context.Context, sb *domain.Sandbox) error { return nil }

func (m *mockBackend) Kind() domain.BackendKind { return domain.BackendContainer }

func testConfig() Config {
	return Config{
		TargetSize:      3,
		RefillThreshold: 1,
		RefillInterval:  20 * time.Millisecond,
		WarmConcurrency: 2,
		Limits:          domain.ResourceLimits{MemoryMB: 512, VCPUCount: 1},
	}
}

func TestPool_Start_FillsBeforeReturning(t *testing.T) {
	backend := &mockBackend{}
	p := New(backend, testConfig(), logrus.NewEntry(logrus.New()))
	defer p.Stop(context.Background())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stats := p.Stats()
	if stats.Ready != 3 {
		t.Errorf("Ready = %d, want 3 (fill must complete before Start returns)", stats.Ready)
	}
}

func TestPool_Claim_HitsReadyPool(t *testing.T) {
	backend := &mockBackend{}
	p := New(backend, testConfig(), logrus.NewEntry(logrus.New()))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	createsBefore := atomic.LoadInt32(&backend.createCalls)

	sb, err := p.Claim(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if sb.State != domain.SandboxClaimed {
		t.Errorf("sandbox state = %v, want claimed", sb.State)
	}
	if sb.TaskID != "task-1" {
		t.Errorf("sandbox TaskID = %q, want task-1", sb.TaskID)
	}
	if atomic.LoadInt32(&backend.createCalls) != createsBefore {
		t.Error("Claim from a non-empty ready pool should not call backend.Create")
	}

	stats := p.Stats()
	if stats.Claimed != 1 {
		t.Errorf("Claimed = %d, want 1", stats.Claimed)
	}
}

func TestPool_Claim_FallsBackToCreateWhenEmpty(t *testing.T) {
	backend := &mockBackend{}
	cfg := testConfig()
	cfg.TargetSize = 0
	cfg.RefillInterval = time.Hour // never fires during the test
	p := New(backend, cfg, logrus.NewEntry(logrus.New()))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	sb, err := p.Claim(context.Background(), "task-2")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if sb == nil {
		t.Fatal("expected a sandbox from on-demand create")
	}
	if atomic.LoadInt32(&backend.createCalls) != 1 {
		t.Errorf("createCalls = %d, want 1", backend.createCalls)
	}
}

func TestPool_Release_DestroysSandbox(t *testing.T) {
	backend := &mockBackend{}
	p := New(backend, testConfig(), logrus.NewEntry(logrus.New()))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	sb, err := p.Claim(context.Background(), "task-3")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := p.Release(context.Background(), sb); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if atomic.LoadInt32(&backend.destroyCalls) != 1 {
		t.Errorf("destroyCalls = %d, want 1", backend.destroyCalls)
	}
	stats := p.Stats()
	if stats.Claimed != 0 {
		t.Errorf("Claimed = %d after Release, want 0", stats.Claimed)
	}
}

func TestPool_Claim_ErrorWrapsKind(t *testing.T) {
	backend := &mockBackend{createErr: context.DeadlineExceeded}
	cfg := testConfig()
	cfg.TargetSize = 0
	cfg.RefillInterval = time.Hour
	p := New(backend, cfg, logrus.NewEntry(logrus.New()))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	_, err := p.Claim(context.Background(), "task-4")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind, ok := domain.KindOf(err); !ok || kind != domain.ErrPoolExhausted {
		t.Errorf("KindOf(err) = (%v, %v), want (pool-exhausted, true)", kind, ok)
	}
}

func TestPool_RefillLoop_TopsUpAfterDrain(t *testing.T) {
	backend := &mockBackend{}
	cfg := testConfig()
	p := New(backend, cfg, logrus.NewEntry(logrus.New()))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	for i := 0; i < 3; i++ {
		if _, err := p.Claim(context.Background(), "task"); err != nil {
			t.Fatalf("Claim %d: %v", i, err)
		}
	}
	if p.Stats().Ready != 0 {
		t.Fatalf("expected pool drained, ready = %d", p.Stats().Ready)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Ready >= cfg.RefillThreshold+1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pool did not refill within deadline, ready = %d", p.Stats().Ready)
}

func TestPool_ClaimLatency_RollingWindowBounded(t *testing.T) {
	backend := &mockBackend{}
	cfg := testConfig()
	cfg.TargetSize = 0
	cfg.RefillInterval = time.Hour
	p := New(backend, cfg, logrus.NewEntry(logrus.New()))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	for i := 0; i < maxLatencySamples+25; i++ {
		if _, err := p.Claim(context.Background(), "task"); err != nil {
			t.Fatalf("Claim %d: %v", i, err)
		}
	}

	p.mu.Lock()
	n := len(p.latencies)
	p.mu.Unlock()
	if n != maxLatencySamples {
		t.Errorf("rolling window len = %d, want %d", n, maxLatencySamples)
	}

	stats := p.Stats()
	if stats.AvgClaimLatencyMs <= 0 {
		t.Errorf("AvgClaimLatencyMs = %v, want > 0 after claims", stats.AvgClaimLatencyMs)
	}
}

func TestPool_Stats_ReportsCreatingAndError(t *testing.T) {
	backend := &mockBackend{warmErr: context.DeadlineExceeded}
	cfg := testConfig()
	p := New(backend, cfg, logrus.NewEntry(logrus.New()))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	stats := p.Stats()
	if stats.Creating != 0 {
		t.Errorf("Creating = %d after fill completed, want 0", stats.Creating)
	}
	if stats.Error != cfg.TargetSize {
		t.Errorf("Error = %d, want %d (every fill attempt failed)", stats.Error, cfg.TargetSize)
	}

	backend.warmErr = nil
	backend.createErr = context.DeadlineExceeded
	cfg2 := testConfig()
	cfg2.TargetSize = 0
	cfg2.RefillInterval = time.Hour
	p2 := New(backend, cfg2, logrus.NewEntry(logrus.New()))
	if err := p2.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p2.Stop(context.Background())

	if _, err := p2.Claim(context.Background(), "task-err"); err == nil {
		t.Fatal("expected Claim to fail")
	}
	if stats := p2.Stats(); stats.Error != 1 {
		t.Errorf("Error = %d, want 1 after a failed on-demand create", stats.Error)
	}
}

func TestPool_Stop_DestroysReadyAndClaimed(t *testing.T) {
	backend := &mockBackend{}
	cfg := testConfig()
	cfg.RefillInterval = time.Hour
	p := New(backend, cfg, logrus.NewEntry(logrus.New()))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sb, err := p.Claim(context.Background(), "task-5")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	_ = sb

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// 2 remaining ready + 1 claimed = 3 destroys.
	if atomic.LoadInt32(&backend.destroyCalls) != 3 {
		t.Errorf("destroyCalls = %d, want 3", backend.destroyCalls)
	}

	// Stop must be idempotent.
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
