// Package sched drives the periodic sync loop of the daemon.
//
// The scheduler owns the runtime state of every configured package,
// decides when a sync is due, delegates the actual subprocess to the
// worker over its control socket, and publishes the status document
// consumed by the web UI.
package sched

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kaist-ftp/mirrord/internal/config"
	"github.com/kaist-ftp/mirrord/internal/event"
	"github.com/kaist-ftp/mirrord/internal/ipc"
	"github.com/kaist-ftp/mirrord/internal/synclog"
	"github.com/kaist-ftp/mirrord/internal/syncmethod"
)

// Events dispatched by the scheduler. Start carries the package id;
// complete carries the package id and the exit code.
const (
	EventSyncStart    = "sync.start"
	EventSyncComplete = "sync.complete"
)

const checkTimeout = 30 * time.Second

// packageState is the mutable per-package side of the schedule.
type packageState struct {
	syncing    bool
	jobID      string
	logPath    string
	lastSync   time.Time
	errorCount int
	lastFailed bool
}

// Scheduler runs the sync loop. All fields after construction are
// guarded by mu except worker, bus, now and runCheck, which are set
// once.
type Scheduler struct {
	worker WorkerClient
	bus    *event.Bus

	// now and runCheck are replaceable for tests.
	now      func() time.Time
	runCheck func(ctx context.Context, cmd *syncmethod.Command) (bool, error)

	mu     sync.Mutex
	cfg    *config.Config
	states map[string]*packageState
}

// NewScheduler builds a scheduler for cfg. Last sync times and error
// counts are seeded from the published status document, so restarts
// do not resync everything at once.
func NewScheduler(cfg *config.Config, worker WorkerClient, bus *event.Bus) (*Scheduler, error) {
	s := &Scheduler{
		worker:   worker,
		bus:      bus,
		now:      time.Now,
		runCheck: execCheck,
		cfg:      cfg,
		states:   make(map[string]*packageState),
	}
	for id := range cfg.Packages {
		s.states[id] = &packageState{}
	}

	doc, err := LoadStatus(cfg.StatusPath())
	if err != nil {
		return nil, err
	}
	for id, ps := range doc.Packages {
		st, ok := s.states[id]
		if !ok {
			continue
		}
		if ps.LastSync > 0 {
			st.lastSync = time.UnixMilli(ps.LastSync)
		}
		st.errorCount = ps.ErrorCount
		st.lastFailed = ps.Status == StateError
	}
	return s, nil
}

// Run executes the sync loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	interval := s.cfg.Settings.TickInterval.Duration
	s.mu.Unlock()

	s.publish()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick polls running jobs for completion, then starts syncs that are
// due. Runs on the loop goroutine only.
func (s *Scheduler) tick(ctx context.Context) {
	s.pollRunning(ctx)
	s.startDue(ctx)
}

func (s *Scheduler) pollRunning(ctx context.Context) {
	s.mu.Lock()
	var syncing []string
	for id, st := range s.states {
		if st.syncing && st.jobID != "" {
			syncing = append(syncing, id)
		}
	}
	s.mu.Unlock()

	finished := false
	for _, id := range syncing {
		info, err := s.worker.JobInfo(ctx, id)
		if err != nil {
			if errors.HasType(err, (*ipc.RemoteError)(nil)) {
				// The worker restarted and lost the job.
				slog.Warn("sync job vanished", "package", id, "error", err)
				s.finishSync(id, -1)
				finished = true
			} else {
				slog.Error("polling worker", "package", id, "error", err)
			}
			continue
		}
		if info.Running || !info.Flushed {
			// The worker's log copier may still be draining the pipe
			// after process exit; compressing now would truncate the
			// log. Pick the job up again next tick.
			continue
		}
		s.finishSync(id, info.ExitCode)
		finished = true
	}

	if finished {
		if pruned, err := s.worker.PruneFinished(ctx); err != nil {
			slog.Warn("pruning finished jobs", "error", err)
		} else if len(pruned) > 0 {
			slog.Debug("pruned finished jobs", "jobs", pruned)
		}
		s.publish()
	}
}

func (s *Scheduler) finishSync(id string, exitCode int) {
	s.mu.Lock()
	st := s.states[id]
	if st == nil {
		s.mu.Unlock()
		return
	}
	st.syncing = false
	st.jobID = ""
	logPath := st.logPath
	st.logPath = ""
	if exitCode == 0 {
		st.lastSync = s.now()
		st.errorCount = 0
		st.lastFailed = false
	} else {
		st.errorCount++
		st.lastFailed = true
	}
	s.mu.Unlock()

	if exitCode == 0 {
		slog.Info("sync completed", "package", id)
	} else {
		slog.Error("sync failed", "package", id, "exit_code", exitCode)
	}

	if logPath != "" {
		go func() {
			if _, err := synclog.Compress(logPath); err != nil {
				slog.Warn("compressing sync log", "package", id, "error", err)
			}
		}()
	}

	if s.bus != nil {
		s.bus.Dispatch(EventSyncComplete, false, id, exitCode)
	}
}

func (s *Scheduler) startDue(ctx context.Context) {
	s.mu.Lock()
	now := s.now()
	var due []*config.Package
	for id, p := range s.cfg.Packages {
		st := s.states[id]
		if p.Disabled || st == nil || st.syncing {
			continue
		}
		if p.SyncRate.IsPush() || p.SyncRate.Seconds == 0 {
			continue
		}
		if now.Sub(st.lastSync) < p.SyncRate.Duration() {
			continue
		}
		due = append(due, p)
	}
	s.mu.Unlock()

	started := false
	for _, p := range due {
		if err := s.startSync(ctx, p, false); err != nil {
			slog.Error("starting sync", "package", p.ID, "error", err)
		}
		started = true
	}
	if started {
		s.publish()
	}
}

// TriggerSync starts a sync for one package immediately, bypassing
// the rate and freshness checks. Used by the master's start_sync
// command.
func (s *Scheduler) TriggerSync(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.cfg.Packages[id]
	if !ok {
		s.mu.Unlock()
		return errors.Newf("unknown package %q", id)
	}
	if p.Disabled {
		s.mu.Unlock()
		return errors.Newf("package %q is disabled", id)
	}
	if s.states[id].syncing {
		s.mu.Unlock()
		return errors.Newf("package %q is already syncing", id)
	}
	s.mu.Unlock()

	if err := s.startSync(ctx, p, true); err != nil {
		return err
	}
	s.publish()
	return nil
}

// startSync builds the tool command and hands it to the worker. The
// syncing flag is reserved before the socket call so a concurrent
// trigger cannot double-start, and rolled back on failure.
func (s *Scheduler) startSync(ctx context.Context, p *config.Package, force bool) error {
	builder, err := syncmethod.Get(p.SyncType)
	if err != nil {
		return err
	}

	s.mu.Lock()
	st := s.states[p.ID]
	if st == nil || st.syncing {
		// A hot reload can drop the package between the due scan and
		// this point; a removed package is simply no longer synced.
		s.mu.Unlock()
		return nil
	}
	st.syncing = true
	st.jobID = ""
	mirrorName := s.cfg.MirrorName
	settings := s.cfg.Settings
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		st.syncing = false
		st.errorCount++
		st.lastFailed = true
		s.mu.Unlock()
		return err
	}

	if !force {
		check, err := builder.Check(p)
		if err != nil {
			return fail(err)
		}
		if check != nil {
			stale, err := s.runCheck(ctx, check)
			if err != nil {
				slog.Warn("freshness check failed, syncing anyway", "package", p.ID, "error", err)
			} else if !stale {
				slog.Info("mirror is up to date, skipping sync", "package", p.ID)
				s.mu.Lock()
				st.syncing = false
				st.lastSync = s.now()
				st.errorCount = 0
				st.lastFailed = false
				s.mu.Unlock()
				return nil
			}
		}
	}

	cmd, err := builder.Build(mirrorName, p)
	if err != nil {
		return fail(err)
	}

	var logPath string
	if settings.LogDir != "" {
		logPath, err = synclog.Create(settings.LogDir, p.ID, s.now())
		if err != nil {
			return fail(err)
		}
	}

	result, err := s.worker.StartSync(ctx, ipc.StartSyncArgs{
		ID:          p.ID,
		Commandline: cmd.Argv,
		Env:         cmd.Env,
		UID:         settings.UID,
		GID:         settings.GID,
		Nice:        settings.Nice,
		LogPath:     logPath,
	})
	if err != nil {
		return fail(errors.Wrap(err, "worker start_sync"))
	}

	s.mu.Lock()
	st.jobID = result.JobID
	st.logPath = logPath
	s.mu.Unlock()

	slog.Info("sync started", "package", p.ID, "method", p.SyncType, "pid", result.PID)
	if s.bus != nil {
		s.bus.Dispatch(EventSyncStart, false, p.ID)
	}
	return nil
}

// Reload swaps in a new configuration. Runtime state survives for
// packages that exist in both; in-flight syncs of removed packages
// keep running on the worker but are no longer tracked.
func (s *Scheduler) Reload(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make(map[string]*packageState, len(cfg.Packages))
	for id := range cfg.Packages {
		if st, ok := s.states[id]; ok {
			states[id] = st
		} else {
			states[id] = &packageState{}
		}
	}
	s.cfg = cfg
	s.states = states
	slog.Info("configuration reloaded", "packages", len(cfg.Packages))
}

// Snapshot renders the current state as a status document.
func (s *Scheduler) Snapshot() *StatusDocument {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := &StatusDocument{
		LastUpdate: s.now().UnixMilli(),
		MirrorName: s.cfg.MirrorName,
		Packages:   make(map[string]PackageStatus, len(s.cfg.Packages)),
	}
	for id, p := range s.cfg.Packages {
		st := s.states[id]
		ps := PackageStatus{
			Name:       p.Name,
			Href:       p.Href,
			SyncRate:   p.SyncRate.String(),
			ErrorCount: st.errorCount,
		}
		for _, l := range p.Links {
			ps.Links = append(ps.Links, StatusLink{Rel: l.Rel, Href: l.Href})
		}
		if !st.lastSync.IsZero() {
			ps.LastSync = st.lastSync.UnixMilli()
		}
		switch {
		case p.Disabled:
			ps.Status = StateDisabled
		case st.syncing:
			ps.Status = StateSync
		case st.lastFailed:
			ps.Status = StateError
		default:
			ps.Status = StateActive
		}
		doc.Packages[id] = ps
	}
	return doc
}

// Syncing lists the ids of packages with a sync in flight.
func (s *Scheduler) Syncing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, st := range s.states {
		if st.syncing {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Scheduler) publish() {
	s.mu.Lock()
	path := s.cfg.StatusPath()
	s.mu.Unlock()

	if err := WriteStatus(path, s.Snapshot()); err != nil {
		slog.Warn("publishing status", "path", path, "error", err)
	}
}

// execCheck runs a freshness probe locally. Non-empty output or any
// failure counts as stale so a broken probe never wedges a mirror.
func execCheck(ctx context.Context, c *syncmethod.Command) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...) // #nosec G204 - argv comes from sync method builders
	cmd.Env = os.Environ()
	for key, value := range c.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	out, err := cmd.Output()
	if err != nil {
		return true, errors.Wrap(err, "freshness check")
	}
	return len(out) > 0, nil
}
