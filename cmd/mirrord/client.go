package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/kaist-ftp/mirrord/internal/config"
	"github.com/kaist-ftp/mirrord/internal/ipc"
	"github.com/kaist-ftp/mirrord/internal/sched"
)

var syncCmd = &cobra.Command{
	Use:   "sync <package-id>...",
	Short: "Trigger a sync for one or more packages",
	Long: `Asks the running daemon to sync the named packages now,
bypassing their sync rate.

Examples:
  mirrord sync debian
  mirrord sync debian ubuntu --wait`,
	Args: cobra.MinimumNArgs(1),
	Run:  runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and package status",
	Run:   runStatus,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List sync jobs on the worker",
	Run:   runJobs,
}

var stopCmd = &cobra.Command{
	Use:   "stop <package-id>",
	Short: "Stop a running sync job",
	Args:  cobra.ExactArgs(1),
	Run:   runStop,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon and worker are reachable",
	Run:   runPing,
}

// clientConfig loads the configuration without touching the log
// settings, so client commands keep their plain stderr output.
func clientConfig(cmd *cobra.Command) *config.Config {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	cfg, err := reloadConfig(configPath)
	if err != nil {
		slog.Error("loading configuration", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	return cfg
}

func runSync(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	wait, _ := cmd.Flags().GetBool("wait")
	cfg := clientConfig(cmd)

	ctx := context.Background()
	master := ipc.NewClient(cfg.MasterSocket())

	failed := false
	for _, id := range args {
		err := master.CallInto(ctx, "start_sync", ipc.TriggerSyncArgs{ID: id}, &ipc.PingResult{})
		if err != nil {
			slog.Error("starting sync", "package", id, "error", formatError(err, verboseErrors))
			failed = true
			continue
		}
		fmt.Printf("sync started: %s\n", id)
	}
	if failed {
		os.Exit(1)
	}

	if !wait {
		return
	}
	worker := ipc.NewClient(cfg.WorkerSocket())
	for _, id := range args {
		waitForJob(ctx, worker, id)
	}
}

// waitForJob polls the worker until the job disappears or stops
// running, showing the growth of the sync log as progress.
func waitForJob(ctx context.Context, worker *ipc.Client, id string) {
	bar := pb.ProgressBarTemplate(`{{string . "prefix"}} {{counters . }} {{speed . }}`).Start64(0)
	bar.Set(pb.Bytes, true)
	bar.Set("prefix", id)
	defer bar.Finish()

	seen := false
	for {
		var info ipc.JobInfo
		err := worker.CallInto(ctx, "job_info", ipc.JobID{ID: id}, &info)
		if err != nil {
			if seen {
				// Pruned by the daemon after finishing.
				return
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}
		seen = true
		bar.SetCurrent(info.LogBytes)
		if !info.Running {
			if info.ExitCode != 0 {
				fmt.Printf("sync failed: %s (exit code %d)\n", id, info.ExitCode)
			}
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func runStatus(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	cfg := clientConfig(cmd)

	ctx := context.Background()
	master := ipc.NewClient(cfg.MasterSocket())

	var status ipc.MasterStatus
	if err := master.CallInto(ctx, "status", nil, &status); err != nil {
		slog.Error("querying daemon", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	fmt.Printf("%s (mirrord %s): %d packages, %d syncing\n",
		status.MirrorName, status.Version, status.Packages, status.Syncing)

	var doc sched.StatusDocument
	if err := master.CallInto(ctx, "list_packages", nil, &doc); err != nil {
		slog.Error("querying daemon", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	ids := make([]string, 0, len(doc.Packages))
	for id := range doc.Packages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ps := doc.Packages[id]
		lastSync := "never"
		if ps.LastSync > 0 {
			lastSync = time.UnixMilli(ps.LastSync).Format(time.RFC3339)
		}
		fmt.Printf("  %-20s %-8s rate=%-12s lastsync=%s", id, ps.Status, ps.SyncRate, lastSync)
		if ps.ErrorCount > 0 {
			fmt.Printf(" errors=%d", ps.ErrorCount)
		}
		fmt.Println()
	}
}

func runJobs(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	cfg := clientConfig(cmd)

	var result ipc.JobListResult
	worker := ipc.NewClient(cfg.WorkerSocket())
	if err := worker.CallInto(context.Background(), "jobs", nil, &result); err != nil {
		slog.Error("querying worker", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if len(result.Jobs) == 0 {
		fmt.Println("no jobs")
		return
	}
	for _, info := range result.Jobs {
		state := "finished"
		if info.Running {
			state = "running"
		}
		fmt.Printf("  %-20s %-8s pid=%-7d elapsed=%.0fs", info.ID, state, info.PID, info.ElapsedSeconds)
		if !info.Running {
			fmt.Printf(" exit_code=%d", info.ExitCode)
		}
		fmt.Println()
	}
}

func runStop(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	cfg := clientConfig(cmd)

	worker := ipc.NewClient(cfg.WorkerSocket())
	err := worker.CallInto(context.Background(), "stop_job",
		ipc.StopJobArgs{ID: args[0]}, &ipc.PingResult{})
	if err != nil {
		slog.Error("stopping job", "job", args[0], "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	fmt.Printf("stopped: %s\n", args[0])
}

func runPing(cmd *cobra.Command, _ []string) {
	cfg := clientConfig(cmd)
	ctx := context.Background()

	exitCode := 0
	for _, target := range []struct {
		name string
		path string
	}{
		{"daemon", cfg.MasterSocket()},
		{"worker", cfg.WorkerSocket()},
	} {
		if err := ipc.NewClient(target.path).Ping(ctx); err != nil {
			fmt.Printf("%s: unreachable (%s)\n", target.name, target.path)
			exitCode = 1
		} else {
			fmt.Printf("%s: alive\n", target.name)
		}
	}
	os.Exit(exitCode)
}
