// Package setup initializes a grantd working directory.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/grantscribe/grantd/internal/model"
	atomicyaml "github.com/grantscribe/grantd/internal/yaml"
)

const configName = "grantd.yaml"

// Run writes a default grantd.yaml into the given directory and creates the
// data directory layout the daemon expects. It refuses to overwrite an
// existing config.
func Run(projectDir string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	configPath := filepath.Join(absDir, configName)
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	var cfg model.Config
	cfg.ApplyDefaults()
	cfg.Server.DataDir = filepath.Join(absDir, ".grantd")
	cfg.Store.SQLitePath = filepath.Join(cfg.Server.DataDir, "sessions.db")
	cfg.Logging.Dir = filepath.Join(cfg.Server.DataDir, "logs")

	dirs := []string{
		cfg.Server.DataDir,
		cfg.Logging.Dir,
		filepath.Join(cfg.Logging.Dir, "archive"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := atomicyaml.AtomicWrite(configPath, cfg); err != nil {
		return fmt.Errorf("write %s: %w", configName, err)
	}
	return nil
}
