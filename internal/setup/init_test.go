package setup

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/grantscribe/grantd/internal/model"
)

func TestRunCreatesConfigAndLayout(t *testing.T) {
	dir := t.TempDir()

	if err := Run(dir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "grantd.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Server.ListenAddr == "" {
		t.Error("config missing server defaults")
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("default driver = %q, want sqlite", cfg.Store.Driver)
	}

	for _, d := range []string{".grantd", ".grantd/logs", ".grantd/logs/archive"} {
		info, err := os.Stat(filepath.Join(dir, d))
		if err != nil || !info.IsDir() {
			t.Errorf("missing directory %s", d)
		}
	}
}

func TestRunRefusesExistingConfig(t *testing.T) {
	dir := t.TempDir()

	if err := Run(dir); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := Run(dir); err == nil {
		t.Fatal("second Run should refuse to overwrite grantd.yaml")
	}
}
