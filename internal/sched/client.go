package sched

import (
	"context"

	"github.com/kaist-ftp/mirrord/internal/ipc"
)

// WorkerClient is the scheduler's view of the worker process. The
// real implementation speaks the control socket; tests substitute a
// fake.
type WorkerClient interface {
	StartSync(ctx context.Context, args ipc.StartSyncArgs) (ipc.StartSyncResult, error)
	JobInfo(ctx context.Context, id string) (ipc.JobInfo, error)
	PruneFinished(ctx context.Context) ([]string, error)
}

type socketWorker struct {
	client *ipc.Client
}

// NewWorkerClient returns a WorkerClient backed by the worker's
// control socket.
func NewWorkerClient(socketPath string) WorkerClient {
	return &socketWorker{client: ipc.NewClient(socketPath)}
}

func (w *socketWorker) StartSync(ctx context.Context, args ipc.StartSyncArgs) (ipc.StartSyncResult, error) {
	var result ipc.StartSyncResult
	err := w.client.CallInto(ctx, "start_sync", args, &result)
	return result, err
}

func (w *socketWorker) JobInfo(ctx context.Context, id string) (ipc.JobInfo, error) {
	var info ipc.JobInfo
	err := w.client.CallInto(ctx, "job_info", ipc.JobID{ID: id}, &info)
	return info, err
}

func (w *socketWorker) PruneFinished(ctx context.Context) ([]string, error) {
	var result ipc.PruneResult
	err := w.client.CallInto(ctx, "prune_finished", nil, &result)
	return result.Pruned, err
}
