package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/t-rhex/duckling/pkg/config"
)

func TestNew_UnknownBackendKind(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Kind = "vmware"
	log := logrus.NewEntry(logrus.New())

	_, err := New(context.Background(), cfg, log)
	if err == nil {
		t.Fatal("expected error for unknown backend kind")
	}
}

func TestWriteSecretsDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	secrets := map[string]string{"GITHUB_TOKEN": "tok-123", "API_KEY": "key-456"}

	if err := writeSecretsDir(dir, secrets); err != nil {
		t.Fatalf("writeSecretsDir: %v", err)
	}

	for name, want := range secrets {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read secret %s: %v", name, err)
		}
		if string(got) != want {
			t.Errorf("secret %s = %q, want %q", name, got, want)
		}
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat secret %s: %v", name, err)
		}
		if info.Mode().Perm() != 0o400 {
			t.Errorf("secret %s mode = %v, want 0400", name, info.Mode().Perm())
		}
	}
}

func TestWriteSecretsDir_EmptyIsNoop(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	if err := writeSecretsDir(dir, nil); err != nil {
		t.Fatalf("writeSecretsDir: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("expected secrets dir not to be created for empty secrets map")
	}
}
