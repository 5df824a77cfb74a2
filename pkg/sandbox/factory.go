package sandbox

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/t-rhex/duckling/pkg/config"
	"github.com/t-rhex/duckling/pkg/domain"
)

// New builds the configured domain.SandboxBackend variant, mirroring
// agent_runner/engine.py's create_engine factory: only the selected
// variant's constructor (and transitively its dependencies) runs.
func New(ctx context.Context, cfg *config.Config, log *logrus.Entry) (domain.SandboxBackend, error) {
	switch cfg.Backend.Kind {
	case "container":
		ccfg := DefaultContainerConfig()
		if cfg.Backend.Image != "" {
			ccfg.Image = cfg.Backend.Image
		}
		if cfg.Backend.RuntimeDir != "" {
			ccfg.RuntimeDir = cfg.Backend.RuntimeDir
		}
		if cfg.Backend.SecretsMountPath != "" {
			ccfg.SecretsMountPath = cfg.Backend.SecretsMountPath
		}
		ccfg.Network.Enabled = cfg.Backend.NetworkEnabled
		if cfg.Backend.NetworkPluginDir != "" {
			ccfg.Network.PluginDir = cfg.Backend.NetworkPluginDir
		}
		if cfg.Backend.NetworkConfDir != "" {
			ccfg.Network.ConfDir = cfg.Backend.NetworkConfDir
		}
		if cfg.Backend.NetworkName != "" {
			ccfg.Network.NetworkName = cfg.Backend.NetworkName
		}
		return NewContainer(ctx, ccfg, log)
	case "microvm":
		vcfg := DefaultMicroVMConfig()
		if cfg.Backend.RuntimeDir != "" {
			vcfg.RuntimeDir = cfg.Backend.RuntimeDir
		}
		if cfg.Backend.KernelPath != "" {
			vcfg.KernelPath = cfg.Backend.KernelPath
		}
		if cfg.Backend.FirecrackerBinary != "" {
			vcfg.FirecrackerBinary = cfg.Backend.FirecrackerBinary
		}
		return NewMicroVM(vcfg, log)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}
