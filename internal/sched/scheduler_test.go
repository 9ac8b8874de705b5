package sched

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kaist-ftp/mirrord/internal/config"
	"github.com/kaist-ftp/mirrord/internal/ipc"
	"github.com/kaist-ftp/mirrord/internal/syncmethod"
)

// fakeWorker records start_sync calls and serves scripted job states.
type fakeWorker struct {
	mu      sync.Mutex
	started []ipc.StartSyncArgs
	jobs    map[string]ipc.JobInfo
	failErr error
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{jobs: make(map[string]ipc.JobInfo)}
}

func (w *fakeWorker) StartSync(_ context.Context, args ipc.StartSyncArgs) (ipc.StartSyncResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failErr != nil {
		return ipc.StartSyncResult{}, w.failErr
	}
	w.started = append(w.started, args)
	w.jobs[args.ID] = ipc.JobInfo{ID: args.ID, PID: 1000 + len(w.started), Running: true}
	return ipc.StartSyncResult{JobID: args.ID, PID: 1000 + len(w.started)}, nil
}

func (w *fakeWorker) JobInfo(_ context.Context, id string) (ipc.JobInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, ok := w.jobs[id]
	if !ok {
		return ipc.JobInfo{}, &ipc.RemoteError{Command: "job_info", Message: "no such job"}
	}
	return info, nil
}

func (w *fakeWorker) PruneFinished(context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var pruned []string
	for id, info := range w.jobs {
		if !info.Running {
			pruned = append(pruned, id)
			delete(w.jobs, id)
		}
	}
	return pruned, nil
}

func (w *fakeWorker) finish(id string, exitCode int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := w.jobs[id]
	info.Running = false
	info.ExitCode = exitCode
	info.Flushed = true
	w.jobs[id] = info
}

// exit marks the process reaped while its log copier still drains.
func (w *fakeWorker) exit(id string, exitCode int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := w.jobs[id]
	info.Running = false
	info.ExitCode = exitCode
	w.jobs[id] = info
}

func (w *fakeWorker) flush(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := w.jobs[id]
	info.Flushed = true
	w.jobs[id] = info
}

func (w *fakeWorker) startCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.started)
}

func testConfig(t *testing.T, rate string) *config.Config {
	t.Helper()
	c := config.NewConfig()
	c.MirrorName = "mirror.test"
	c.Settings.StatusFile = filepath.Join(t.TempDir(), "status.json")
	p := &config.Package{
		ID:       "debian",
		Name:     "Debian",
		Href:     "/debian/",
		SyncType: "rsync",
		Dst:      "/srv/mirror/debian",
	}
	if err := p.Src.UnmarshalText([]byte("rsync://example.com/debian/")); err != nil {
		t.Fatal(err)
	}
	if err := p.SyncRate.UnmarshalText([]byte(rate)); err != nil {
		t.Fatal(err)
	}
	c.Packages = map[string]*config.Package{"debian": p}
	return c
}

func testScheduler(t *testing.T, cfg *config.Config, w WorkerClient) (*Scheduler, *time.Time) {
	t.Helper()
	s, err := NewScheduler(cfg, w, nil)
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Date(2026, time.March, 7, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestTickStartsDueSync(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "PT1M")
	w := newFakeWorker()
	s, clock := testScheduler(t, cfg, w)

	// Last sync two rate periods ago.
	s.states["debian"].lastSync = clock.Add(-2 * time.Minute)

	ctx := context.Background()
	s.tick(ctx)
	if got := w.startCount(); got != 1 {
		t.Fatalf("start_sync calls = %d, want 1", got)
	}
	args := w.started[0]
	if args.ID != "debian" || args.Commandline[0] != "rsync" {
		t.Errorf("unexpected start args %+v", args)
	}

	// Still in flight: further ticks must not double-start.
	s.tick(ctx)
	s.tick(ctx)
	if got := w.startCount(); got != 1 {
		t.Fatalf("start_sync calls after reticks = %d, want 1", got)
	}
	if doc := s.Snapshot(); doc.Packages["debian"].Status != StateSync {
		t.Errorf("status = %q, want SYNC", doc.Packages["debian"].Status)
	}
}

func TestTickSkipsNotDue(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "PT1M")
	w := newFakeWorker()
	s, clock := testScheduler(t, cfg, w)

	s.states["debian"].lastSync = clock.Add(-59 * time.Second)
	s.tick(context.Background())
	if got := w.startCount(); got != 0 {
		t.Fatalf("start_sync calls = %d, want 0", got)
	}

	// Exactly one rate period elapsed is due.
	s.states["debian"].lastSync = clock.Add(-time.Minute)
	s.tick(context.Background())
	if got := w.startCount(); got != 1 {
		t.Fatalf("start_sync calls at the exact rate boundary = %d, want 1", got)
	}
}

func TestTickSkipsDisabledAndPush(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "PT1M")
	cfg.Packages["debian"].Disabled = true
	w := newFakeWorker()
	s, clock := testScheduler(t, cfg, w)
	s.states["debian"].lastSync = clock.Add(-time.Hour)
	s.tick(context.Background())
	if w.startCount() != 0 {
		t.Error("disabled package must not sync")
	}
	if doc := s.Snapshot(); doc.Packages["debian"].Status != StateDisabled {
		t.Errorf("status = %q, want DISABLED", doc.Packages["debian"].Status)
	}

	cfg2 := testConfig(t, "PUSH")
	w2 := newFakeWorker()
	s2, _ := testScheduler(t, cfg2, w2)
	s2.tick(context.Background())
	if w2.startCount() != 0 {
		t.Error("push-only package must not sync on the timer")
	}
}

func TestSyncCompletion(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "PT1M")
	w := newFakeWorker()
	s, clock := testScheduler(t, cfg, w)
	s.states["debian"].lastSync = clock.Add(-time.Hour)

	ctx := context.Background()
	s.tick(ctx)
	if w.startCount() != 1 {
		t.Fatal("sync did not start")
	}

	w.finish("debian", 0)
	s.tick(ctx)

	doc := s.Snapshot()
	ps := doc.Packages["debian"]
	if ps.Status != StateActive {
		t.Errorf("status = %q, want ACTIVE", ps.Status)
	}
	if ps.LastSync != clock.UnixMilli() {
		t.Errorf("lastsync = %d, want %d", ps.LastSync, clock.UnixMilli())
	}
	if ps.ErrorCount != 0 {
		t.Errorf("errorcount = %d, want 0", ps.ErrorCount)
	}

	// The worker's finished job was pruned.
	w.mu.Lock()
	_, stillThere := w.jobs["debian"]
	w.mu.Unlock()
	if stillThere {
		t.Error("finished job should be pruned from the worker")
	}
}

func TestSyncFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "PT1M")
	w := newFakeWorker()
	s, clock := testScheduler(t, cfg, w)
	s.states["debian"].lastSync = clock.Add(-time.Hour)

	ctx := context.Background()
	s.tick(ctx)
	w.finish("debian", 23)
	s.tick(ctx)

	ps := s.Snapshot().Packages["debian"]
	if ps.Status != StateError {
		t.Errorf("status = %q, want ERROR", ps.Status)
	}
	if ps.ErrorCount != 1 {
		t.Errorf("errorcount = %d, want 1", ps.ErrorCount)
	}
	// A failed sync does not advance lastsync, so the next tick
	// retries.
	s.tick(ctx)
	if got := w.startCount(); got != 2 {
		t.Errorf("start_sync calls = %d, want a retry", got)
	}
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "PT1M")
	w := newFakeWorker()
	s, clock := testScheduler(t, cfg, w)
	// Recently synced; the timer would not fire.
	s.states["debian"].lastSync = *clock

	ctx := context.Background()
	if err := s.TriggerSync(ctx, "debian"); err != nil {
		t.Fatal(err)
	}
	if w.startCount() != 1 {
		t.Fatal("manual trigger should bypass the rate")
	}

	if err := s.TriggerSync(ctx, "debian"); err == nil {
		t.Error("trigger during a running sync should fail")
	}
	if err := s.TriggerSync(ctx, "nope"); err == nil {
		t.Error("trigger for an unknown package should fail")
	}

	cfg.Packages["debian"].Disabled = true
	w.finish("debian", 0)
	s.tick(ctx)
	if err := s.TriggerSync(ctx, "debian"); err == nil {
		t.Error("trigger for a disabled package should fail")
	}
}

func TestFreshnessCheckSkipsSync(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "PT1M")
	cfg.Packages["debian"].Options.FFTS = true
	cfg.Packages["debian"].Options.FFTSFile = "trace"
	w := newFakeWorker()
	s, clock := testScheduler(t, cfg, w)
	s.states["debian"].lastSync = clock.Add(-time.Hour)
	s.runCheck = func(context.Context, *syncmethod.Command) (bool, error) {
		return false, nil // up to date
	}

	s.tick(context.Background())
	if w.startCount() != 0 {
		t.Fatal("fresh mirror should skip the sync")
	}
	ps := s.Snapshot().Packages["debian"]
	if ps.LastSync != clock.UnixMilli() {
		t.Error("skipping still advances lastsync")
	}

	// Stale now; the next overdue tick syncs.
	s.runCheck = func(context.Context, *syncmethod.Command) (bool, error) {
		return true, nil
	}
	*clock = clock.Add(2 * time.Minute)
	s.tick(context.Background())
	if w.startCount() != 1 {
		t.Fatal("stale mirror should sync")
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "PT1M")
	w := newFakeWorker()
	w.failErr = context.DeadlineExceeded
	s, clock := testScheduler(t, cfg, w)
	s.states["debian"].lastSync = clock.Add(-time.Hour)

	s.tick(context.Background())
	ps := s.Snapshot().Packages["debian"]
	if ps.Status != StateError {
		t.Errorf("status = %q, want ERROR after a failed start", ps.Status)
	}
	if ps.ErrorCount != 1 {
		t.Errorf("errorcount = %d, want 1", ps.ErrorCount)
	}

	// The package is free to retry once the worker recovers.
	w.mu.Lock()
	w.failErr = nil
	w.mu.Unlock()
	s.tick(context.Background())
	if w.startCount() != 1 {
		t.Error("sync should start after the worker recovers")
	}
}

func TestCompletionWaitsForLogFlush(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "PT1M")
	w := newFakeWorker()
	s, clock := testScheduler(t, cfg, w)
	s.states["debian"].lastSync = clock.Add(-time.Hour)

	ctx := context.Background()
	s.tick(ctx)
	if w.startCount() != 1 {
		t.Fatal("sync did not start")
	}

	// Process exited but the worker is still draining its output;
	// the package must stay in SYNC so the log is not compressed
	// short.
	w.exit("debian", 0)
	s.tick(ctx)
	if got := s.Snapshot().Packages["debian"].Status; got != StateSync {
		t.Fatalf("status before flush = %q, want SYNC", got)
	}

	w.flush("debian")
	s.tick(ctx)
	ps := s.Snapshot().Packages["debian"]
	if ps.Status != StateActive {
		t.Errorf("status after flush = %q, want ACTIVE", ps.Status)
	}
	if ps.LastSync != clock.UnixMilli() {
		t.Errorf("lastsync = %d, want %d", ps.LastSync, clock.UnixMilli())
	}
}

func TestReloadDuringStartDoesNotPanic(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "PT1M")
	w := newFakeWorker()
	s, clock := testScheduler(t, cfg, w)
	s.states["debian"].lastSync = clock.Add(-time.Hour)

	// The due scan snapshots the package, then a hot reload drops it
	// before the start path re-acquires the lock.
	p := cfg.Packages["debian"]
	cfg2 := testConfig(t, "PT1M")
	delete(cfg2.Packages, "debian")
	other := &config.Package{
		Name:     "Ubuntu",
		Href:     "/ubuntu/",
		SyncType: "rsync",
		Dst:      "/srv/mirror/ubuntu",
	}
	if err := other.Src.UnmarshalText([]byte("rsync://example.com/ubuntu/")); err != nil {
		t.Fatal(err)
	}
	if err := other.SyncRate.UnmarshalText([]byte("PT1M")); err != nil {
		t.Fatal(err)
	}
	other.ID = "ubuntu"
	cfg2.Packages["ubuntu"] = other
	s.Reload(cfg2)

	if err := s.startSync(context.Background(), p, false); err != nil {
		t.Fatal(err)
	}
	if got := w.startCount(); got != 0 {
		t.Fatalf("start_sync calls for a removed package = %d, want 0", got)
	}
}

func TestReloadPreservesState(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "PT1M")
	w := newFakeWorker()
	s, clock := testScheduler(t, cfg, w)
	s.states["debian"].lastSync = *clock
	s.states["debian"].errorCount = 2
	s.states["debian"].lastFailed = true

	cfg2 := testConfig(t, "PT5M")
	extra := &config.Package{
		Name:     "Ubuntu",
		Href:     "/ubuntu/",
		SyncType: "rsync",
		Dst:      "/srv/mirror/ubuntu",
	}
	if err := extra.Src.UnmarshalText([]byte("rsync://example.com/ubuntu/")); err != nil {
		t.Fatal(err)
	}
	if err := extra.SyncRate.UnmarshalText([]byte("PT1M")); err != nil {
		t.Fatal(err)
	}
	extra.ID = "ubuntu"
	cfg2.Packages["ubuntu"] = extra

	s.Reload(cfg2)
	doc := s.Snapshot()
	if len(doc.Packages) != 2 {
		t.Fatalf("packages after reload = %d, want 2", len(doc.Packages))
	}
	if doc.Packages["debian"].ErrorCount != 2 {
		t.Error("reload must preserve runtime state of surviving packages")
	}
	if doc.Packages["ubuntu"].LastSync != 0 {
		t.Error("new packages start with no sync history")
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "PT1M")
	w := newFakeWorker()
	s, clock := testScheduler(t, cfg, w)
	s.states["debian"].lastSync = clock.Add(-time.Hour)

	ctx := context.Background()
	s.tick(ctx)
	w.finish("debian", 0)
	s.tick(ctx) // publishes the document

	// A fresh scheduler against the same status file sees the last
	// sync time and does not immediately resync.
	s2, err := NewScheduler(cfg, newFakeWorker(), nil)
	if err != nil {
		t.Fatal(err)
	}
	s2.now = s.now
	if got := s2.states["debian"].lastSync.UnixMilli(); got != clock.UnixMilli() {
		t.Errorf("seeded lastsync = %d, want %d", got, clock.UnixMilli())
	}
	s2.tick(ctx)
	if w2 := s2.worker.(*fakeWorker); w2.startCount() != 0 {
		t.Error("restart must not resync a fresh mirror")
	}
}

func TestStatusRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "status.json")
	doc := &StatusDocument{
		LastUpdate: 1700000000000,
		MirrorName: "mirror.test",
		Packages: map[string]PackageStatus{
			"debian": {
				Name:       "Debian",
				Status:     StateActive,
				Href:       "/debian/",
				Links:      []StatusLink{{Rel: "home", Href: "https://debian.org/"}},
				SyncRate:   "PT6H",
				LastSync:   1699990000000,
				ErrorCount: 0,
			},
		},
	}
	if err := WriteStatus(path, doc); err != nil {
		t.Fatal(err)
	}
	got, err := LoadStatus(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.MirrorName != doc.MirrorName || got.Packages["debian"].LastSync != 1699990000000 {
		t.Errorf("loaded document differs: %+v", got)
	}
	if got.Packages["debian"].Links[0].Rel != "home" {
		t.Error("links should round trip")
	}
}

func TestLoadStatusMissing(t *testing.T) {
	t.Parallel()

	doc, err := LoadStatus(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Packages) != 0 {
		t.Error("missing file should yield an empty document")
	}
}
