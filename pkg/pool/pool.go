// Package pool implements the Warm Pool Manager (C2): a FIFO of
// ready-to-claim sandboxes kept full by a background refill loop.
// Grounded on PipeOpsHQ-firecracker-shim's pkg/vm/pool.go, generalized
// from a concrete *vm.Manager dependency to the domain.SandboxBackend
// interface — the teacher's own pool_test.go flags this exact gap via
// two skipped tests (TestPool_Acquire, TestPool_Release) noting Pool
// "should accept an interface" to be mockable. This rendition also
// fixes the teacher's NewPool, which spawned the replenish/cleanup
// loops before the initial fill ran; here the pool is filled to target
// before the background loops start.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/t-rhex/duckling/pkg/domain"
	"github.com/t-rhex/duckling/pkg/metrics"
)

// Config configures the Warm Pool Manager.
type Config struct {
	TargetSize      int
	RefillThreshold int
	RefillInterval  time.Duration
	WarmConcurrency int
	Limits          domain.ResourceLimits
}

// Pool maintains a FIFO of ready sandboxes produced by backend.Warm and
// handed out via Claim.
type Pool struct {
	mu sync.Mutex

	backend domain.SandboxBackend
	cfg     Config
	log     *logrus.Entry

	ready chan *domain.Sandbox
	inUse map[string]*domain.Sandbox

	latencies   []float64 // rolling window of the last 100 claim latencies, in milliseconds
	latencyHead int

	creating int // sandboxes currently mid Warm/Create, reported by Stats
	errors   int // Warm/Create failures observed since construction, reported by Stats

	refillSem *semaphore.Weighted
	refilling bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New constructs a Pool bound to backend. Start must be called to fill it
// and begin the refill loop.
func New(backend domain.SandboxBackend, cfg Config, log *logrus.Entry) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		backend:   backend,
		cfg:       cfg,
		log:       log.WithField("component", "pool"),
		ready:     make(chan *domain.Sandbox, cfg.TargetSize),
		inUse:     make(map[string]*domain.Sandbox),
		refillSem: semaphore.NewWeighted(int64(cfg.WarmConcurrency)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start performs the initial fill to TargetSize, then spawns the refill
// loop. Filling happens synchronously so the pool is warm before Start
// returns — refill loops alone cannot be relied on to race ahead of the
// first Claim calls.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.fill(ctx, p.cfg.TargetSize); err != nil {
		p.log.WithError(err).Warn("initial pool fill incomplete")
	}

	p.wg.Add(1)
	go p.refillLoop()

	metrics.PoolReady.Set(float64(len(p.ready)))
	return nil
}

// fill warms up to n sandboxes in parallel, bounded by WarmConcurrency.
func (p *Pool) fill(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := p.refillSem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer p.refillSem.Release(1)

			p.mu.Lock()
			p.creating++
			p.mu.Unlock()
			sb, err := p.backend.Warm(ctx, p.cfg.Limits)
			p.mu.Lock()
			p.creating--
			p.mu.Unlock()
			if err != nil {
				metrics.BackendCreateFailures.Inc()
				p.mu.Lock()
				p.errors++
				p.mu.Unlock()
				return err
			}
			select {
			case p.ready <- sb:
			default:
				_ = p.backend.Destroy(context.Background(), sb)
			}
			return nil
		})
	}
	return g.Wait()
}

// maxLatencySamples bounds the rolling claim-latency window (invariant 6).
const maxLatencySamples = 100

// Claim returns a ready sandbox, falling back to an on-demand Create if
// the pool is empty.
func (p *Pool) Claim(ctx context.Context, taskID string) (*domain.Sandbox, error) {
	timer := metrics.NewTimer()
	defer func() {
		d := timer.Elapsed()
		metrics.ClaimLatency.Observe(d.Seconds())
		p.recordLatency(float64(d.Microseconds()) / 1000.0)
	}()

	select {
	case sb := <-p.ready:
		metrics.PoolHits.Inc()
		sb.Claim(taskID)
		p.mu.Lock()
		p.inUse[sb.ID] = sb
		p.mu.Unlock()
		metrics.PoolReady.Set(float64(len(p.ready)))
		metrics.PoolClaimed.Set(float64(len(p.inUse)))
		return sb, nil
	default:
		metrics.PoolMisses.Inc()
		p.mu.Lock()
		p.creating++
		p.mu.Unlock()
		sb, err := p.backend.Create(ctx, p.cfg.Limits, nil)
		p.mu.Lock()
		p.creating--
		p.mu.Unlock()
		if err != nil {
			metrics.BackendCreateFailures.Inc()
			p.mu.Lock()
			p.errors++
			p.mu.Unlock()
			return nil, domain.NewError(domain.ErrPoolExhausted, "pool.claim", err)
		}
		sb.Claim(taskID)
		p.mu.Lock()
		p.inUse[sb.ID] = sb
		p.mu.Unlock()
		metrics.PoolClaimed.Set(float64(len(p.inUse)))
		return sb, nil
	}
}

// recordLatency appends ms to the rolling window, overwriting the oldest
// sample once the window reaches maxLatencySamples.
func (p *Pool) recordLatency(ms float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.latencies) < maxLatencySamples {
		p.latencies = append(p.latencies, ms)
		return
	}
	p.latencies[p.latencyHead] = ms
	p.latencyHead = (p.latencyHead + 1) % maxLatencySamples
}

// avgLatencyLocked returns the mean of the rolling window. Callers must
// hold p.mu.
func (p *Pool) avgLatencyLocked() float64 {
	if len(p.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, v := range p.latencies {
		sum += v
	}
	return sum / float64(len(p.latencies))
}

// Release destroys sb and removes it from the in-use set. Claimed
// sandboxes never return to the ready pool — each is provisioned fresh
// per task so no task's filesystem or process state leaks into the next.
// Releasing a sandbox that is not in the in-use set (for example, one
// already released) is a no-op that returns nil.
func (p *Pool) Release(ctx context.Context, sb *domain.Sandbox) error {
	p.mu.Lock()
	if _, ok := p.inUse[sb.ID]; !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.inUse, sb.ID)
	p.mu.Unlock()
	sb.Release()
	metrics.PoolClaimed.Set(float64(len(p.inUse)))

	if err := p.backend.Destroy(ctx, sb); err != nil {
		return domain.NewError(domain.ErrBackendDestroy, "pool.release", err)
	}
	return nil
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.PoolStats{
		Total:             len(p.ready) + len(p.inUse),
		Ready:             len(p.ready),
		Claimed:           len(p.inUse),
		Creating:          p.creating,
		Error:             p.errors,
		Backend:           p.backend.Kind(),
		TargetSize:        p.cfg.TargetSize,
		AvgClaimLatencyMs: p.avgLatencyLocked(),
	}
}

// Stop cancels the refill loop and destroys every sandbox still held by
// the pool (ready and in-use).
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	close(p.ready)
	for sb := range p.ready {
		if err := p.backend.Destroy(ctx, sb); err != nil {
			p.log.WithError(err).Warn("error destroying ready sandbox")
		}
	}

	p.mu.Lock()
	inUse := make([]*domain.Sandbox, 0, len(p.inUse))
	for _, sb := range p.inUse {
		inUse = append(inUse, sb)
	}
	p.mu.Unlock()
	for _, sb := range inUse {
		if err := p.backend.Destroy(ctx, sb); err != nil {
			p.log.WithError(err).Warn("error destroying claimed sandbox")
		}
	}
	return nil
}

func (p *Pool) refillLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RefillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.refillOnce()
		}
	}
}

// refillOnce tops the ready channel up to TargetSize if it has dropped to
// or below RefillThreshold. A guard flag prevents overlapping fills from
// a slow backend stacking up behind a fast ticker.
func (p *Pool) refillOnce() {
	p.mu.Lock()
	if p.refilling {
		p.mu.Unlock()
		return
	}
	current := len(p.ready)
	if current > p.cfg.RefillThreshold {
		p.mu.Unlock()
		return
	}
	p.refilling = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.refilling = false
		p.mu.Unlock()
	}()

	needed := p.cfg.TargetSize - current
	ctx, cancel := context.WithTimeout(p.ctx, 60*time.Second)
	defer cancel()

	if err := p.fill(ctx, needed); err != nil {
		p.log.WithError(err).WithField("needed", needed).Warn("refill incomplete")
	}
	metrics.PoolReady.Set(float64(len(p.ready)))
}
