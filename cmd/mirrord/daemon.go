package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kaist-ftp/mirrord/internal/config"
	"github.com/kaist-ftp/mirrord/internal/event"
	"github.com/kaist-ftp/mirrord/internal/ipc"
	"github.com/kaist-ftp/mirrord/internal/sched"
	"github.com/kaist-ftp/mirrord/internal/wire"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the master daemon",
	Long: `Runs the master daemon: the sync scheduler, the master control
socket, and the status document publisher.

The worker process (mirrord worker) must be running for syncs to
start. The daemon keeps retrying while the worker is down.`,
	Run: runDaemon,
}

func runDaemon(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("loading configuration", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if err := daemonMain(cfg); err != nil {
		slog.Error("daemon failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
}

func daemonMain(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Settings.RunDir, 0o755); err != nil {
		return errors.Wrap(err, "creating run directory")
	}

	// One daemon per run directory.
	lockPath := filepath.Join(cfg.Settings.RunDir, "daemon.lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644) // #nosec G304 - path derived from validated config
	if err != nil {
		return errors.Wrap(err, "opening lock file")
	}
	defer func() {
		if err := lockFile.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}()

	fileLock := sched.Flock{File: lockFile}
	if err := fileLock.Lock(); err != nil {
		return errors.Wrap(err, "another daemon holds the lock")
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
		if err := os.Remove(lockPath); err != nil {
			slog.Warn("failed to remove lock file", "error", err, "path", lockPath)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !ipc.IsAlive(cfg.WorkerSocket()) {
		slog.Warn("worker is not reachable yet", "socket", cfg.WorkerSocket())
	}

	bus := event.NewBus()
	worker := sched.NewWorkerClient(cfg.WorkerSocket())
	scheduler, err := sched.NewScheduler(cfg, worker, bus)
	if err != nil {
		return err
	}

	server := ipc.NewServer(cfg.MasterSocket(), ipc.RoleMaster)
	registerMasterHandlers(server, scheduler)
	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("daemon started", "version", version, "mirror", cfg.MirrorName,
		"packages", len(cfg.Packages), "socket", cfg.MasterSocket())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	g.Go(func() error {
		return watchConfig(ctx, configPath, scheduler)
	})

	err = g.Wait()
	if stopErr := server.Stop(); stopErr != nil {
		slog.Warn("stopping control socket", "error", stopErr)
	}
	slog.Info("daemon stopped")
	return err
}

func registerMasterHandlers(server *ipc.Server, scheduler *sched.Scheduler) {
	server.Handle("ping", func(context.Context, *wire.Request) (any, error) {
		return ipc.PingResult{Message: "pong"}, nil
	})

	server.Handle("status", func(context.Context, *wire.Request) (any, error) {
		doc := scheduler.Snapshot()
		return ipc.MasterStatus{
			MirrorName: doc.MirrorName,
			Version:    version,
			Packages:   len(doc.Packages),
			Syncing:    len(scheduler.Syncing()),
		}, nil
	})

	server.Handle("list_packages", func(context.Context, *wire.Request) (any, error) {
		return scheduler.Snapshot(), nil
	})

	server.Handle("start_sync", func(ctx context.Context, req *wire.Request) (any, error) {
		var args ipc.TriggerSyncArgs
		if err := req.DecodeKwargs(&args); err != nil {
			return nil, err
		}
		if err := scheduler.TriggerSync(ctx, args.ID); err != nil {
			return nil, err
		}
		return ipc.PingResult{Message: "started"}, nil
	})
}

// watchConfig reloads the scheduler when the configuration file
// changes. Editors replace files by rename, so the parent directory
// is watched and events are debounced.
func watchConfig(ctx context.Context, path string, scheduler *sched.Scheduler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating config watcher")
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "resolving config path")
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return errors.Wrap(err, "watching config directory")
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != absPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(500 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher", "error", err)
		case <-pending:
			pending = nil
			cfg, err := reloadConfig(absPath)
			if err != nil {
				slog.Error("config reload rejected, keeping previous configuration", "error", err)
				continue
			}
			scheduler.Reload(cfg)
		}
	}
}

// reloadConfig parses the file for a hot reload. Unlike loadConfig it
// leaves the log settings alone.
func reloadConfig(path string) (*config.Config, error) {
	cfg := config.NewConfig()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "decoding "+path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.New("unknown configuration keys: " + strings.Join(keys, ", "))
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}
