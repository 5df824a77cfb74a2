package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/t-rhex/duckling/pkg/domain"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Submit a task manifest and wait for it to reach a terminal status",
	Long: `Apply a task manifest YAML file to a one-shot Duckling runtime.

Example:
  ducklingd apply -f task.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "Task manifest YAML file (required)")
	applyCmd.Flags().Duration("poll-interval", time.Second, "Status poll interval while waiting for completion")
	_ = applyCmd.MarkFlagRequired("file")
}

// taskManifest is the YAML shape accepted by apply, named and structured
// after WarrenResource in cuemby-warren/cmd/warren/apply.go: a thin
// typed wrapper the CLI decodes directly into a domain.Task.
type taskManifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   taskManifestMeta `yaml:"metadata"`
	Spec       taskManifestSpec `yaml:"spec"`
}

type taskManifestMeta struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type taskManifestSpec struct {
	Description    string `yaml:"description"`
	RepoURL        string `yaml:"repoUrl"`
	BaseBranch     string `yaml:"baseBranch"`
	TargetBranch   string `yaml:"targetBranch,omitempty"`
	Priority       string `yaml:"priority,omitempty"`
	Mode           string `yaml:"mode,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	var manifest taskManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}
	if manifest.Kind != "" && manifest.Kind != "Task" {
		return fmt.Errorf("unsupported manifest kind %q, want \"Task\"", manifest.Kind)
	}

	task, err := taskFromManifest(manifest)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(task.TimeoutSeconds+60)*time.Second)
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ApplyToLogger(log); err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}
	entry := log.WithField("component", "ducklingd-apply")

	rt, err := buildRuntime(ctx, cfg, entry)
	if err != nil {
		return err
	}
	rt.queue.Start()
	defer rt.shutdown(context.Background())

	rt.queue.Submit(task)
	fmt.Printf("submitted task %s (%s)\n", task.ID, manifest.Metadata.Name)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for task %s: %w", task.ID, ctx.Err())
		case <-ticker.C:
			got, ok := rt.queue.Get(task.ID)
			if !ok {
				return fmt.Errorf("task %s disappeared from the queue", task.ID)
			}
			if !got.Status.Terminal() {
				continue
			}
			return printOutcome(got)
		}
	}
}

func taskFromManifest(m taskManifest) (*domain.Task, error) {
	priority := domain.PriorityMedium
	if m.Spec.Priority != "" {
		p, err := domain.ParsePriority(m.Spec.Priority)
		if err != nil {
			return nil, err
		}
		priority = p
	}

	mode := domain.ModeCode
	if m.Spec.Mode != "" {
		mode = domain.TaskMode(m.Spec.Mode)
	}

	task := &domain.Task{
		ID:             uuid.NewString(),
		Description:    m.Spec.Description,
		RepoURL:        m.Spec.RepoURL,
		BaseBranch:     m.Spec.BaseBranch,
		TargetBranch:   m.Spec.TargetBranch,
		Priority:       priority,
		Mode:           mode,
		Source:         domain.SourceCLI,
		TimeoutSeconds: m.Spec.TimeoutSeconds,
		Status:         domain.TaskPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if task.TimeoutSeconds == 0 {
		task.TimeoutSeconds = 1800
	}
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task manifest: %w", err)
	}
	return task, nil
}

func printOutcome(t domain.Task) error {
	switch t.Status {
	case domain.TaskCompleted:
		if t.PRURL != "" {
			fmt.Printf("task %s completed: %s\n", t.ID, t.PRURL)
		} else {
			fmt.Printf("task %s completed\n%s\n", t.ID, t.ReviewOutput)
		}
		return nil
	case domain.TaskFailed:
		return fmt.Errorf("task %s failed: %s", t.ID, t.ErrorMessage)
	case domain.TaskCancelled:
		return fmt.Errorf("task %s was cancelled", t.ID)
	default:
		return fmt.Errorf("task %s ended in unexpected status %q", t.ID, t.Status)
	}
}
