package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/t-rhex/duckling/internal/provider"
	"github.com/t-rhex/duckling/pkg/config"
	"github.com/t-rhex/duckling/pkg/domain"
	"github.com/t-rhex/duckling/pkg/pipeline"
	"github.com/t-rhex/duckling/pkg/pool"
	"github.com/t-rhex/duckling/pkg/queue"
	"github.com/t-rhex/duckling/pkg/sandbox"
)

// loadConfig resolves the --config flag (if set), falling back to
// config.Default(), then overlays DUCKLING_* environment variables,
// mirroring the teacher's config package contract.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	config.LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// credentialsFromEnv reads provider secrets, kept out of config.Config
// (and so out of anything the config package loads from or writes to
// disk) the same way the teacher keeps firecracker kernel paths separate
// from API tokens.
func credentialsFromEnv() provider.Credentials {
	return provider.Credentials{
		GitHubToken:       os.Getenv("DUCKLING_GITHUB_TOKEN"),
		BitbucketUsername: os.Getenv("DUCKLING_BITBUCKET_USERNAME"),
		BitbucketAppPass:  os.Getenv("DUCKLING_BITBUCKET_APP_PASSWORD"),
	}
}

// splitSkipPatterns turns config.ReviewConfig's comma-separated glob list
// into the []string pipeline.Config expects.
func splitSkipPatterns(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// runtime bundles the constructed C1-C4 stack so serve and apply share
// one construction path and one teardown order.
type runtime struct {
	cfg     *config.Config
	backend domain.SandboxBackend
	pool    *pool.Pool
	driver  *pipeline.Driver
	queue   *queue.Queue
}

// buildRuntime wires, in this order, the sandbox backend, the warm pool
// (started here so it is full before the queue begins dispatching), the
// source-control router, the pipeline driver, and the task queue.
func buildRuntime(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*runtime, error) {
	backend, err := sandbox.New(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("constructing sandbox backend: %w", err)
	}

	p := pool.New(backend, pool.Config{
		TargetSize:      cfg.Pool.TargetSize,
		RefillThreshold: cfg.Pool.RefillThreshold,
		RefillInterval:  cfg.Pool.RefillInterval,
		WarmConcurrency: cfg.Pool.WarmConcurrency,
		Limits: domain.ResourceLimits{
			MemoryMB:  cfg.Pool.DefaultMemoryMB,
			VCPUCount: cfg.Pool.DefaultVCPUCount,
		},
	}, log)

	if err := p.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting warm pool: %w", err)
	}

	router := provider.NewRouter(credentialsFromEnv())

	driver := pipeline.New(p, backend, router, pipeline.Config{
		MaxRepairIterations: cfg.Pipeline.MaxRepairIterations,
		ReviewMaxFiles:      cfg.Review.MaxFiles,
		SkipPatterns:        splitSkipPatterns(cfg.Review.SkipPatterns),
		EngineBackend:       cfg.Engine.Backend,
	}, nil, nil, log)

	q := queue.New(driver, queue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		HistoryPath:   cfg.Queue.HistoryPath,
	}, log)

	return &runtime{cfg: cfg, backend: backend, pool: p, driver: driver, queue: q}, nil
}

// shutdown stops the queue before the pool so no new pipeline is
// dispatched while the pool is torn down. Queue.Stop cancels in-flight
// pipelines without waiting for them; pool.Stop then destroys every
// sandbox still ready or claimed.
func (rt *runtime) shutdown(ctx context.Context) {
	rt.queue.Stop()
	_ = rt.pool.Stop(ctx)
}
