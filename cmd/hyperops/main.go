package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/hyperops/internal/app"
	"github.com/mtzanidakis/hyperops/internal/config"
	"github.com/mtzanidakis/hyperops/internal/swarm"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("hyperops %s\n", version)
		return
	case "run":
		err = runDaemon()
	case "sweep":
		err = runSweep()
	case "swarm":
		err = runSwarm(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hyperops <command>

Commands:
  run                      Start the daemon
  sweep                    Run one health sweep and print the result
  swarm <role:task>...     Run a swarm and print the outcome
  backup -f <out.db.zst>   Write a compressed snapshot of the store
  restore -f <in.db.zst>   Restore the store from a snapshot [-overwrite]
  version                  Print version
`)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting hyperops", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfg, version, slog.Default())
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		cancel()
		_ = a.Shutdown(context.Background())
		return err
	}

	// The config file is reloaded on SIGHUP and whenever it changes.
	reloads := make(chan struct{}, 1)
	requestReload := func() {
		select {
		case reloads <- struct{}{}:
		default:
		}
	}
	if w, err := config.NewWatcher(config.Path(), time.Second); err != nil {
		slog.Warn("config watcher disabled", "error", err)
	} else {
		go w.Run(ctx, requestReload)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				requestReload()
				continue
			}
			slog.Info("shutting down", "signal", sig)
			break wait
		case <-reloads:
			reload(a)
		}
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	return a.Shutdown(shutdownCtx)
}

func reload(a *app.App) {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return
	}
	if err := a.Reload(next); err != nil {
		slog.Error("config reload incomplete", "error", err)
	}
}

// oneShot builds an app for a single command. It runs its own bus on a
// random port so it can run next to the daemon.
func oneShot() (*app.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	natsDir, err := os.MkdirTemp("", "hyperops-nats-")
	if err != nil {
		return nil, nil, fmt.Errorf("create nats dir: %w", err)
	}
	cfg.NATS = config.NATSConfig{Port: 0, DataDir: natsDir}
	cfg.Web.Enabled = false
	cfg.Telegram.Token = ""

	a, err := app.New(cfg, version, slog.Default())
	if err != nil {
		os.RemoveAll(natsDir)
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		os.RemoveAll(natsDir)
	}
	return a, cleanup, nil
}

func runSweep() error {
	a, cleanup, err := oneShot()
	if err != nil {
		return err
	}
	defer cleanup()

	text, err := a.SweepText(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

func runSwarm(args []string) error {
	requests, err := parseRequests(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: hyperops swarm <role:task>...\n")
		return err
	}

	a, cleanup, err := oneShot()
	if err != nil {
		return err
	}
	defer cleanup()

	outcome, err := a.Swarms().RunSwarm(context.Background(), requests)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"id":      outcome.ID,
		"status":  outcome.Status(),
		"outcome": outcome,
	})
}

// parseRequests turns "role:task" arguments into swarm requests. The task
// is everything after the first colon.
func parseRequests(args []string) ([]swarm.Request, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one role:task is required")
	}
	requests := make([]swarm.Request, 0, len(args))
	for _, arg := range args {
		role, task, ok := strings.Cut(arg, ":")
		if !ok || strings.TrimSpace(role) == "" || strings.TrimSpace(task) == "" {
			return nil, fmt.Errorf("invalid request %q, expected role:task", arg)
		}
		requests = append(requests, swarm.Request{Role: strings.TrimSpace(role), Task: strings.TrimSpace(task)})
	}
	return requests, nil
}
