package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"

	"github.com/t-rhex/duckling/pkg/domain"
)

// ContainerConfig configures the containerd-backed backend, the default
// Sandbox Backend variant.
type ContainerConfig struct {
	Address          string // containerd socket, e.g. /run/containerd/containerd.sock
	Namespace        string
	Image            string
	RuntimeDir       string
	SecretsMountPath string
	Network          NetworkConfig
}

func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		Address:          "/run/containerd/containerd.sock",
		Namespace:        "duckling",
		Image:            "duckling/agent-sandbox:latest",
		RuntimeDir:       "/run/duckling",
		SecretsMountPath: "/run/secrets",
		Network:          DefaultNetworkConfig(),
	}
}

// basicNetworkingCapabilities is the capability set left in every sandbox
// after drop: enough to bind low ports and build raw ICMP/ping packets,
// nothing that allows escaping the container or touching other processes.
var basicNetworkingCapabilities = []string{
	"CAP_NET_BIND_SERVICE",
	"CAP_NET_RAW",
}

// containerHandle is the opaque value stashed in Sandbox.Handle.
type containerHandle struct {
	container containerd.Container
	task      containerd.Task
}

// Container implements domain.SandboxBackend atop containerd, running the
// agent sandbox image with no-new-privileges, all capabilities dropped
// except basicNetworkingCapabilities, and a read-only secrets bind-mount — the policy spec.md's C1 section
// requires regardless of backend.
type Container struct {
	client *containerd.Client
	cfg    ContainerConfig
	log    *logrus.Entry
	image  containerd.Image
	net    *cniNetwork
}

func NewContainer(ctx context.Context, cfg ContainerConfig, log *logrus.Entry) (*Container, error) {
	client, err := containerd.New(cfg.Address, containerd.WithDefaultNamespace(cfg.Namespace))
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}

	pullCtx := namespaces.WithNamespace(ctx, cfg.Namespace)
	image, err := client.Pull(pullCtx, cfg.Image, containerd.WithPullUnpack)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pull image %s: %w", cfg.Image, err)
	}

	log = log.WithField("component", "sandbox-container")
	return &Container{client: client, cfg: cfg, log: log, image: image, net: newCNINetwork(cfg.Network, log)}, nil
}

func (b *Container) Kind() domain.BackendKind { return domain.BackendContainer }

func (b *Container) Warm(ctx context.Context, limits domain.ResourceLimits) (*domain.Sandbox, error) {
	return b.Create(ctx, limits, nil)
}

func (b *Container) Create(ctx context.Context, limits domain.ResourceLimits, secrets map[string]string) (*domain.Sandbox, error) {
	id := "duckling-" + uuid.NewString()
	sb := domain.NewSandbox(id, domain.BackendContainer, limits)

	log := b.log.WithField("sandbox_id", id)
	nsCtx := namespaces.WithNamespace(ctx, b.cfg.Namespace)

	secretsDir := filepath.Join(b.cfg.RuntimeDir, id, "secrets")
	if err := writeSecretsDir(secretsDir, secrets); err != nil {
		return nil, domain.NewError(domain.ErrBackendCreate, "sandbox.create", err)
	}
	sb.SecretsDir = secretsDir

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(b.image),
		oci.WithMemoryLimit(uint64(limits.MemoryMB) * 1024 * 1024),
		oci.WithCPUCount(uint64(limits.VCPUCount)),
		oci.WithNoNewPrivileges,
		oci.WithCapabilities(basicNetworkingCapabilities), // drop everything except basic networking
		oci.WithMounts([]specs.Mount{{
			Destination: b.cfg.SecretsMountPath,
			Type:        "bind",
			Source:      secretsDir,
			Options:     []string{"rbind", "ro"},
		}}),
	}

	container, err := b.client.NewContainer(
		nsCtx, id,
		containerd.WithNewSnapshot(id+"-snapshot", b.image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		sb.MarkError()
		return nil, domain.NewError(domain.ErrBackendCreate, "sandbox.create", err)
	}

	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStdio))
	if err != nil {
		_ = container.Delete(nsCtx)
		sb.MarkError()
		return nil, domain.NewError(domain.ErrBackendCreate, "sandbox.create", err)
	}
	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx)
		_ = container.Delete(nsCtx)
		sb.MarkError()
		return nil, domain.NewError(domain.ErrBackendCreate, "sandbox.create", err)
	}

	sb.IPAddress = b.net.attach(nsCtx, id, id, netnsPath(id))

	sb.Handle = &containerHandle{container: container, task: task}
	sb.MarkReady()
	log.Info("container sandbox ready")
	return sb, nil
}

func (b *Container) Destroy(ctx context.Context, sb *domain.Sandbox) error {
	h, ok := sb.Handle.(*containerHandle)
	if !ok || h == nil {
		return domain.NewError(domain.ErrBackendDestroy, "sandbox.destroy", fmt.Errorf("sandbox %s has no container handle", sb.ID))
	}
	nsCtx := namespaces.WithNamespace(ctx, b.cfg.Namespace)

	b.net.detach(nsCtx, sb.ID, sb.ID, netnsPath(sb.ID), sb.IPAddress)

	_, err := h.task.Delete(nsCtx, containerd.WithProcessKill)
	if err != nil {
		b.log.WithError(err).Warn("task delete failed")
	}
	if err := h.container.Delete(nsCtx, containerd.WithSnapshotCleanup); err != nil {
		b.log.WithError(err).Warn("container delete failed")
	}

	secretsDir := filepath.Join(b.cfg.RuntimeDir, sb.ID, "secrets")
	if err := os.RemoveAll(filepath.Dir(secretsDir)); err != nil {
		b.log.WithError(err).Warn("failed to clean up sandbox directory")
	}
	return nil
}

func (b *Container) Exec(ctx context.Context, sb *domain.Sandbox, command string, timeout int) (domain.ExecResult, error) {
	h, ok := sb.Handle.(*containerHandle)
	if !ok || h == nil {
		return domain.ExecResult{}, domain.NewError(domain.ErrEngine, "sandbox.exec", fmt.Errorf("sandbox %s has no container handle", sb.ID))
	}
	nsCtx := namespaces.WithNamespace(ctx, b.cfg.Namespace)

	execCtx := nsCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(nsCtx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	procSpec := specs.Process{Args: []string{"/bin/sh", "-c", command}}

	execID := "exec-" + uuid.NewString()
	process, err := h.task.Exec(execCtx, execID, &procSpec, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return domain.ExecResult{}, fmt.Errorf("create exec process: %w", err)
	}
	defer process.Delete(execCtx)

	statusC, err := process.Wait(execCtx)
	if err != nil {
		return domain.ExecResult{}, fmt.Errorf("wait for exec setup: %w", err)
	}
	if err := process.Start(execCtx); err != nil {
		return domain.ExecResult{}, fmt.Errorf("start exec process: %w", err)
	}

	select {
	case <-execCtx.Done():
		_ = process.Kill(ctx, 9)
		return domain.ExecResult{ExitCode: 124, Stderr: "timeout"}, nil
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return domain.ExecResult{}, fmt.Errorf("exec result: %w", err)
		}
		return domain.ExecResult{ExitCode: int(code), Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}
}

func (b *Container) HealthCheck(ctx context.Context, sb *domain.Sandbox) error {
	h, ok := sb.Handle.(*containerHandle)
	if !ok || h == nil {
		return fmt.Errorf("sandbox %s has no container handle", sb.ID)
	}
	nsCtx := namespaces.WithNamespace(ctx, b.cfg.Namespace)
	status, err := h.task.Status(nsCtx)
	if err != nil {
		return err
	}
	if status.Status != containerd.Running {
		return fmt.Errorf("container task status is %s, want running", status.Status)
	}
	return nil
}

func (b *Container) Close() error {
	return b.client.Close()
}
