package job

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kaist-ftp/mirrord/internal/event"
)

// ErrDuplicateJob marks Create calls reusing a still-registered id.
var ErrDuplicateJob = errors.New("job: duplicate job id")

// ErrNoSuchJob marks lookups of unregistered ids.
var ErrNoSuchJob = errors.New("job: no such job")

// EventJobFinished fires on the bus when a supervised subprocess has
// been reaped. Listeners receive the job id and exit code.
const EventJobFinished = "job.finished"

// Manager is the registry and lifecycle controller for sync
// subprocesses. The registry is mutated from connection handlers and
// supervisors concurrently; the mutex scopes mutations only and is
// never held across process spawns or waits.
type Manager struct {
	bus *event.Bus

	mu      sync.Mutex
	jobs    map[string]*Job
	pending map[string]bool
}

// NewManager creates an empty registry. The bus may be nil when no
// collaborator cares about job completion.
func NewManager(bus *event.Bus) *Manager {
	return &Manager{
		bus:     bus,
		jobs:    make(map[string]*Job),
		pending: make(map[string]bool),
	}
}

// Create spawns and registers a new job.
//
// A spawn failure (missing executable, permission denied, privilege
// drop failure) is synchronous and leaves no registry entry. A
// subprocess exiting non-zero later is recorded, not raised.
func (m *Manager) Create(spec Spec) (*Job, error) {
	m.mu.Lock()
	if m.jobs[spec.ID] != nil || m.pending[spec.ID] {
		m.mu.Unlock()
		return nil, errors.Mark(errors.Newf("job %q already registered", spec.ID), ErrDuplicateJob)
	}
	// Reserve the id so a concurrent Create cannot race the spawn.
	m.pending[spec.ID] = true
	m.mu.Unlock()

	j := &Job{spec: spec}
	err := j.start()

	m.mu.Lock()
	delete(m.pending, spec.ID)
	if err == nil {
		m.jobs[spec.ID] = j
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	slog.Info("job started", "job", spec.ID, "pid", j.PID(), "command", spec.Commandline[0])

	go func() {
		<-j.waitDone
		info := j.Info()
		slog.Info("job exited", "job", spec.ID, "pid", info.PID, "exit_code", info.ExitCode, "elapsed", info.Elapsed)
		if m.bus != nil {
			m.bus.Dispatch(EventJobFinished, false, spec.ID, info.ExitCode)
		}
	}()

	return j, nil
}

// Get returns the registered job, or nil when absent. Non-blocking.
func (m *Manager) Get(id string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

// GetAll returns all registered jobs ordered by id. Non-blocking.
func (m *Manager) GetAll() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].spec.ID < all[k].spec.ID })
	return all
}

// SetLogPath attaches a log destination after creation. Output the
// subprocess has already written sits unread in the OS pipe buffer,
// so nothing is lost; the copier drains it from the beginning.
func (m *Manager) SetLogPath(id, path string) error {
	j := m.Get(id)
	if j == nil {
		return errors.Mark(errors.Newf("job %q not registered", id), ErrNoSuchJob)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.copier != nil {
		return errors.Newf("job %q already has a log destination", id)
	}
	j.attachCopier(path)
	return nil
}

// Stop terminates a job, escalating to a forced kill after timeout,
// and returns once the subprocess is reaped.
func (m *Manager) Stop(id string, timeout time.Duration) error {
	j := m.Get(id)
	if j == nil {
		return errors.Mark(errors.Newf("job %q not registered", id), ErrNoSuchJob)
	}
	j.stop(timeout)
	return nil
}

// StopAll stops every registered job. Used at worker shutdown.
func (m *Manager) StopAll(timeout time.Duration) {
	for _, j := range m.GetAll() {
		j.stop(timeout)
	}
}

// Info snapshots one job.
func (m *Manager) Info(id string) (Info, error) {
	j := m.Get(id)
	if j == nil {
		return Info{}, errors.Mark(errors.Newf("job %q not registered", id), ErrNoSuchJob)
	}
	return j.Info(), nil
}

// PruneFinished removes entries whose process has exited and whose
// background copier, if any, has flushed. It returns the removed ids.
func (m *Manager) PruneFinished() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned []string
	for id, j := range m.jobs {
		j.mu.Lock()
		done := j.finishedLocked()
		if done && j.copier == nil {
			// Nothing ever drained the pipe; release the read end.
			j.output.Close()
		}
		j.mu.Unlock()
		if !done {
			continue
		}
		delete(m.jobs, id)
		pruned = append(pruned, id)
	}
	sort.Strings(pruned)
	if len(pruned) > 0 {
		slog.Debug("pruned finished jobs", "jobs", pruned)
	}
	return pruned
}
