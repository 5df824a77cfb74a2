// Package sandbox implements the Sandbox Backend (C1) contract
// (domain.SandboxBackend) with two variants: the container variant
// (default, backed by a containerd client) and the microvm variant
// (backed by Firecracker + the vsock guest agent). Grounded on
// PipeOpsHQ-firecracker-shim's pkg/vm/manager.go (VM lifecycle) and
// pkg/agent/client.go (guest RPC), generalized from a concrete VM-only
// type into an interface implementation so C2 can depend on either
// variant interchangeably.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/t-rhex/duckling/pkg/agent"
	"github.com/t-rhex/duckling/pkg/domain"
)

// MicroVMConfig configures the Firecracker-backed backend, mirroring the
// teacher's vm.ManagerConfig.
type MicroVMConfig struct {
	FirecrackerBinary string
	RuntimeDir        string
	KernelPath        string
	KernelArgs        string
}

func DefaultMicroVMConfig() MicroVMConfig {
	return MicroVMConfig{
		FirecrackerBinary: "/usr/bin/firecracker",
		RuntimeDir:        "/run/duckling",
		KernelPath:        "/var/lib/duckling/vmlinux",
		KernelArgs:        "console=ttyS0 reboot=k panic=1 pci=off quiet",
	}
}

// microVMHandle is the opaque value stashed in Sandbox.Handle for this
// backend: the firecracker machine plus the agent RPC client bound to it.
type microVMHandle struct {
	machine *firecracker.Machine
	client  *agent.Client
	vsockPath string
}

// MicroVM implements domain.SandboxBackend atop Firecracker.
type MicroVM struct {
	mu sync.Mutex

	cfg        MicroVMConfig
	log        *logrus.Entry
	cidCounter uint32
}

func NewMicroVM(cfg MicroVMConfig, log *logrus.Entry) (*MicroVM, error) {
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	return &MicroVM{
		cfg:        cfg,
		log:        log.WithField("component", "sandbox-microvm"),
		cidCounter: 3, // 0=hypervisor, 1=reserved, 2=host
	}, nil
}

func (b *MicroVM) Kind() domain.BackendKind { return domain.BackendMicroVM }

func (b *MicroVM) nextCID() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	cid := b.cidCounter
	b.cidCounter++
	return cid
}

func (b *MicroVM) Warm(ctx context.Context, limits domain.ResourceLimits) (*domain.Sandbox, error) {
	return b.create(ctx, limits, nil)
}

func (b *MicroVM) Create(ctx context.Context, limits domain.ResourceLimits, secrets map[string]string) (*domain.Sandbox, error) {
	return b.create(ctx, limits, secrets)
}

func (b *MicroVM) create(ctx context.Context, limits domain.ResourceLimits, secrets map[string]string) (*domain.Sandbox, error) {
	id := uuid.NewString()
	sb := domain.NewSandbox(id, domain.BackendMicroVM, limits)

	log := b.log.WithField("sandbox_id", id)
	log.Info("creating microvm sandbox")

	cid := b.nextCID()
	sandboxDir := filepath.Join(b.cfg.RuntimeDir, id)
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return nil, domain.NewError(domain.ErrBackendCreate, "sandbox.create", err)
	}

	secretsDir := filepath.Join(sandboxDir, "secrets")
	if err := writeSecretsDir(secretsDir, secrets); err != nil {
		return nil, domain.NewError(domain.ErrBackendCreate, "sandbox.create", err)
	}
	sb.SecretsDir = secretsDir

	socketPath := filepath.Join(sandboxDir, "firecracker.sock")
	vsockPath := filepath.Join(sandboxDir, "vsock.sock")

	fcConfig := firecracker.Config{
		SocketPath:      socketPath,
		KernelImagePath: b.cfg.KernelPath,
		KernelArgs:      b.cfg.KernelArgs,
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(int64(limits.VCPUCount)),
			MemSizeMib: firecracker.Int64(limits.MemoryMB),
		},
		VsockDevices: []firecracker.VsockDevice{
			{Path: vsockPath, CID: cid},
		},
	}

	machine, err := firecracker.NewMachine(ctx, fcConfig, firecracker.WithLogger(log))
	if err != nil {
		sb.MarkError()
		return nil, domain.NewError(domain.ErrBackendCreate, "sandbox.create", err)
	}
	if err := machine.Start(ctx); err != nil {
		sb.MarkError()
		return nil, domain.NewError(domain.ErrBackendCreate, "sandbox.create", err)
	}

	client := agent.NewClient(log)
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx, vsockPath, cid, 5000); err != nil {
		_ = machine.StopVMM()
		sb.MarkError()
		return nil, domain.NewError(domain.ErrBackendCreate, "sandbox.create", err)
	}

	sb.Handle = &microVMHandle{machine: machine, client: client, vsockPath: vsockPath}
	sb.MarkReady()

	log.WithField("cid", cid).Info("microvm sandbox ready")
	return sb, nil
}

func (b *MicroVM) Destroy(ctx context.Context, sb *domain.Sandbox) error {
	h, ok := sb.Handle.(*microVMHandle)
	if !ok || h == nil {
		return domain.NewError(domain.ErrBackendDestroy, "sandbox.destroy", fmt.Errorf("sandbox %s has no microvm handle", sb.ID))
	}

	_ = h.client.Close()

	if err := h.machine.Shutdown(ctx); err != nil {
		b.log.WithError(err).Warn("graceful shutdown failed, forcing stop")
		_ = h.machine.StopVMM()
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = h.machine.Wait(waitCtx)

	sandboxDir := filepath.Join(b.cfg.RuntimeDir, sb.ID)
	if err := os.RemoveAll(sandboxDir); err != nil {
		b.log.WithError(err).Warn("failed to clean up sandbox directory")
	}
	return nil
}

func (b *MicroVM) Exec(ctx context.Context, sb *domain.Sandbox, command string, timeout int) (domain.ExecResult, error) {
	h, ok := sb.Handle.(*microVMHandle)
	if !ok || h == nil {
		return domain.ExecResult{}, domain.NewError(domain.ErrEngine, "sandbox.exec", fmt.Errorf("sandbox %s has no microvm handle", sb.ID))
	}
	res, err := h.client.Exec(ctx, command, timeout)
	if err != nil {
		return domain.ExecResult{}, err
	}
	return domain.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

func (b *MicroVM) HealthCheck(ctx context.Context, sb *domain.Sandbox) error {
	h, ok := sb.Handle.(*microVMHandle)
	if !ok || h == nil {
		return fmt.Errorf("sandbox %s has no microvm handle", sb.ID)
	}
	return h.client.Ping(ctx)
}

func writeSecretsDir(dir string, secrets map[string]string) error {
	if len(secrets) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	for name, value := range secrets {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(value), 0o400); err != nil {
			return fmt.Errorf("write secret %s: %w", name, err)
		}
	}
	return nil
}
