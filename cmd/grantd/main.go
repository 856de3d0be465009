package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/grantscribe/grantd/internal/api"
	"github.com/grantscribe/grantd/internal/events"
	"github.com/grantscribe/grantd/internal/lock"
	"github.com/grantscribe/grantd/internal/model"
	"github.com/grantscribe/grantd/internal/orchestrator"
	"github.com/grantscribe/grantd/internal/provider"
	"github.com/grantscribe/grantd/internal/quota"
	"github.com/grantscribe/grantd/internal/section"
	"github.com/grantscribe/grantd/internal/setup"
	"github.com/grantscribe/grantd/internal/store"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "sections":
		runSections()
	case "version":
		fmt.Printf("grantd %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	if err := setup.Run(dir); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized grantd.yaml in %s\n", absDir)
}

func runServe(args []string) {
	configPath := "grantd.yaml"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			i++
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: grantd serve [--config <path>]\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyDefaults()

	logger := log.New(os.Stderr, "", 0)
	level := orchestrator.ParseLogLevel(cfg.Logging.Level)

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create data directory: %v\n", err)
		os.Exit(1)
	}
	fl := lock.NewFileLock(filepath.Join(cfg.Server.DataDir, "grantd.lock"))
	if err := fl.TryLock(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer fl.Unlock()

	st, err := store.FromConfig(cfg.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open session store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	client, err := provider.New(provider.Config{
		Endpoint: cfg.Provider.Endpoint,
		APIKey:   cfg.Provider.APIKey,
		Timeout:  time.Duration(cfg.Provider.GenerateTimeoutSec+30) * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create provider client: %v\n", err)
		os.Exit(1)
	}
	exec := section.NewExecutor(client, section.ExecutorConfig{
		Model:           cfg.Provider.Model,
		MaxTokens:       cfg.Provider.MaxTokens,
		ContextTimeout:  time.Duration(cfg.Provider.ContextTimeoutSec) * time.Second,
		GenerateTimeout: time.Duration(cfg.Provider.GenerateTimeoutSec) * time.Second,
	})

	bus := events.NewBus(64)
	audit, err := events.NewAuditLogger(filepath.Join(cfg.Logging.Dir, "audit.jsonl"), 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open audit log: %v\n", err)
		os.Exit(1)
	}
	defer audit.Close()
	bus.SubscribeAll(audit.Subscriber())

	debitor, err := quota.FromConfig(cfg.Quota)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure quota: %v\n", err)
		os.Exit(1)
	}

	srv := api.NewServer(st, exec, api.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Runner: orchestrator.Config{
			MaxRetries: cfg.Retry.MaxRetries,
			Backoff:    time.Duration(cfg.Retry.BackoffSec) * time.Second,
		},
		Stream: cfg.Stream,
	}, logger, level)
	srv.SetBus(bus)
	srv.SetQuotaDebitor(debitor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	g.Go(func() error {
		return watchConfig(gctx, configPath, srv, logger)
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}
}

func runSections() {
	for _, spec := range section.Catalog() {
		fmt.Printf("%-24s %s (%d questions)\n", spec.Name, spec.Title, len(spec.Questions))
	}
}

// loadConfig reads the YAML config. A missing file at the default path is not
// an error; the daemon runs on defaults.
func loadConfig(path string) (model.Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return model.Config{}, nil
	}
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// watchConfig reloads the logging level when the config file changes. Other
// settings stay fixed for the process lifetime.
func watchConfig(ctx context.Context, configPath string, srv *api.Server, logger *log.Logger) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file on save.
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	absConfig, _ := filepath.Abs(configPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			absEvent, _ := filepath.Abs(ev.Name)
			if absEvent != absConfig {
				continue
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				logger.Printf("%s WARN main: config_reload_failed error=%v", time.Now().Format(time.RFC3339), err)
				continue
			}
			cfg.ApplyDefaults()
			srv.SetLogLevel(orchestrator.ParseLogLevel(cfg.Logging.Level))
			logger.Printf("%s INFO main: config_reloaded log_level=%s", time.Now().Format(time.RFC3339), cfg.Logging.Level)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("%s WARN main: config_watcher_error error=%v", time.Now().Format(time.RFC3339), err)
		}
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `grantd %s — Progressive grant application generation daemon

Usage: grantd <command> [options]

Commands:
  init [dir]                Write a default grantd.yaml and data directory
  serve [--config <path>]   Run the generation daemon (default config: grantd.yaml)
  sections                  List the section catalog in generation order
  version                   Show version
  help                      Show this help

`, version)
}
