package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/kaist-ftp/mirrord/internal/config"
	"github.com/kaist-ftp/mirrord/internal/event"
	"github.com/kaist-ftp/mirrord/internal/ipc"
	"github.com/kaist-ftp/mirrord/internal/job"
	"github.com/kaist-ftp/mirrord/internal/wire"
)

const defaultStopTimeout = 10 * time.Second

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the sync worker",
	Long: `Runs the worker process that spawns sync subprocesses.

The worker listens on its own control socket and runs the actual
mirroring tools, dropping to the configured uid and gid. It is
normally started as root so the privilege drop can work.`,
	Run: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("loading configuration", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if err := workerMain(cfg); err != nil {
		slog.Error("worker failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
}

func workerMain(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Settings.RunDir, 0o755); err != nil {
		return errors.Wrap(err, "creating run directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus()
	manager := job.NewManager(bus)

	server := ipc.NewServer(cfg.WorkerSocket(), ipc.RoleWorker)
	registerWorkerHandlers(server, manager)
	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("worker started", "version", version, "socket", cfg.WorkerSocket())

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Warn("stopping control socket", "error", err)
	}
	manager.StopAll(defaultStopTimeout)
	slog.Info("worker stopped")
	return nil
}

func registerWorkerHandlers(server *ipc.Server, manager *job.Manager) {
	server.Handle("ping", func(context.Context, *wire.Request) (any, error) {
		return ipc.PingResult{Message: "pong"}, nil
	})

	server.Handle("start_sync", func(_ context.Context, req *wire.Request) (any, error) {
		var args ipc.StartSyncArgs
		if err := req.DecodeKwargs(&args); err != nil {
			return nil, err
		}
		j, err := manager.Create(job.Spec{
			ID:          args.ID,
			Commandline: args.Commandline,
			Env:         args.Env,
			UID:         args.UID,
			GID:         args.GID,
			Nice:        args.Nice,
			LogPath:     args.LogPath,
		})
		if err != nil {
			return nil, err
		}
		return ipc.StartSyncResult{JobID: j.ID(), PID: j.PID()}, nil
	})

	server.Handle("job_info", func(_ context.Context, req *wire.Request) (any, error) {
		var args ipc.JobID
		if err := req.DecodeKwargs(&args); err != nil {
			return nil, err
		}
		info, err := manager.Info(args.ID)
		if err != nil {
			return nil, err
		}
		return toJobInfo(info), nil
	})

	server.Handle("jobs", func(context.Context, *wire.Request) (any, error) {
		all := manager.GetAll()
		result := ipc.JobListResult{Jobs: make([]ipc.JobInfo, 0, len(all))}
		for _, j := range all {
			result.Jobs = append(result.Jobs, toJobInfo(j.Info()))
		}
		return result, nil
	})

	server.Handle("stop_job", func(_ context.Context, req *wire.Request) (any, error) {
		var args ipc.StopJobArgs
		if err := req.DecodeKwargs(&args); err != nil {
			return nil, err
		}
		timeout := defaultStopTimeout
		if args.TimeoutSeconds > 0 {
			timeout = time.Duration(args.TimeoutSeconds * float64(time.Second))
		}
		if err := manager.Stop(args.ID, timeout); err != nil {
			return nil, err
		}
		return ipc.PingResult{Message: "stopped"}, nil
	})

	server.Handle("prune_finished", func(context.Context, *wire.Request) (any, error) {
		return ipc.PruneResult{Pruned: manager.PruneFinished()}, nil
	})
}

func toJobInfo(info job.Info) ipc.JobInfo {
	return ipc.JobInfo{
		ID:             info.ID,
		PID:            info.PID,
		Running:        info.Running,
		ExitCode:       info.ExitCode,
		Flushed:        info.Flushed,
		ElapsedSeconds: info.Elapsed.Seconds(),
		LogPath:        info.LogPath,
		LogBytes:       info.LogBytes,
	}
}
