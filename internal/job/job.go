// Package job spawns and supervises sync subprocesses for the worker.
//
// Jobs run external mirroring tools under controlled credentials and
// niceness. The registry owns every Job exclusively; callers refer to
// jobs by id and read state through snapshots.
package job

import (
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
)

// CredInherit leaves the child's uid, gid, or niceness at the
// worker's own values.
const CredInherit = -1

// Spec describes a subprocess to spawn.
type Spec struct {
	ID          string
	Commandline []string
	Env         map[string]string
	UID         int
	GID         int
	Nice        int
	LogPath     string
}

// Job is one supervised subprocess. All mutable fields are guarded by
// mu; the copier byte count is atomic so Info never blocks on it.
type Job struct {
	spec Spec

	mu       sync.Mutex
	cmd      *exec.Cmd
	output   *os.File // read end of the merged stdout+stderr pipe
	started  time.Time
	ended    time.Time
	exitCode int
	copier   *copier

	// waitDone closes once the supervisor has reaped the process.
	waitDone chan struct{}
}

// copier drains the job's output pipe into a log file without
// blocking the subprocess beyond OS pipe buffering.
type copier struct {
	done  chan struct{}
	bytes atomic.Int64
}

func (c *copier) run(src *os.File, path string) {
	defer close(c.done)
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		slog.Error("opening job log file", "path", path, "error", err)
		// Keep draining so the subprocess never stalls on a full pipe.
		dst = nil
	} else {
		defer dst.Close()
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if dst != nil {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					slog.Error("writing job log file", "path", path, "error", werr)
					dst.Close()
					dst = nil
				}
			}
			c.bytes.Add(int64(n))
		}
		if err != nil {
			return
		}
	}
}

func (j *Job) start() error {
	argv := j.spec.Commandline
	if len(argv) == 0 {
		return errors.New("job: empty command line")
	}

	// One pipe carries both streams so ordering between stdout and
	// stderr is preserved in the log.
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "job: pipe")
	}

	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 - command lines come from validated sync method builders
	cmd.Stdout = writeEnd
	cmd.Stderr = writeEnd
	cmd.Env = buildEnv(j.spec.Env)
	cmd.SysProcAttr = sysProcAttr(j.spec.UID, j.spec.GID)

	j.started = time.Now()
	if err := cmd.Start(); err != nil {
		readEnd.Close()
		writeEnd.Close()
		return errors.Wrap(err, "job: spawn "+argv[0])
	}
	// The child holds its own copy of the write end.
	writeEnd.Close()

	if j.spec.Nice != CredInherit && j.spec.Nice != 0 {
		// Niceness is not inherited through exec settings; adjust the
		// fresh process group before the tool does real work.
		if err := syscall.Setpriority(syscall.PRIO_PGRP, cmd.Process.Pid, j.spec.Nice); err != nil {
			slog.Warn("setting job niceness", "job", j.spec.ID, "nice", j.spec.Nice, "error", err)
		}
	}

	j.cmd = cmd
	j.output = readEnd
	j.exitCode = -1
	j.waitDone = make(chan struct{})

	if j.spec.LogPath != "" {
		j.attachCopier(j.spec.LogPath)
	}

	go j.supervise()
	return nil
}

// sysProcAttr applies child credentials in the fork-exec window, so
// the privilege drop happens before the target program image replaces
// the current one. Setpgid isolates the tool and its descendants for
// group-wide signaling.
func sysProcAttr(uid, gid int) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if uid == CredInherit && gid == CredInherit {
		return attr
	}
	cred := &syscall.Credential{
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	}
	if uid != CredInherit {
		cred.Uid = uint32(uid)
	}
	if gid != CredInherit {
		cred.Gid = uint32(gid)
	}
	attr.Credential = cred
	return attr
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for key, value := range extra {
		env = append(env, key+"="+value)
	}
	return env
}

// supervise reaps the subprocess on its own goroutine; the accept
// loop and registry never block on a child's exit.
func (j *Job) supervise() {
	err := j.cmd.Wait()

	j.mu.Lock()
	j.ended = time.Now()
	j.exitCode = j.cmd.ProcessState.ExitCode()
	j.mu.Unlock()

	if err != nil && j.cmd.ProcessState.ExitCode() < 0 {
		slog.Warn("job wait", "job", j.spec.ID, "error", err)
	}
	close(j.waitDone)
}

// attachCopier starts the background output copier. Callers hold j.mu
// or are still inside start.
func (j *Job) attachCopier(path string) {
	j.copier = &copier{done: make(chan struct{})}
	go j.copier.run(j.output, path)
	j.spec.LogPath = path
}

// ID returns the caller-assigned job id.
func (j *Job) ID() string {
	return j.spec.ID
}

// PID returns the subprocess pid.
func (j *Job) PID() int {
	return j.cmd.Process.Pid
}

// Running reports whether the subprocess has been reaped yet.
func (j *Job) Running() bool {
	select {
	case <-j.waitDone:
		return false
	default:
		return true
	}
}

// finishedLocked reports process exit and, when a copier exists, a
// fully flushed log. Absence from the registry after pruning implies
// output is persisted, so both must hold. Caller holds j.mu.
func (j *Job) finishedLocked() bool {
	if j.Running() {
		return false
	}
	if j.copier == nil {
		return true
	}
	select {
	case <-j.copier.done:
		return true
	default:
		return false
	}
}

// Info takes a point-in-time snapshot. Safe concurrently with any
// other operation on the job.
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()

	info := Info{
		ID:       j.spec.ID,
		PID:      j.cmd.Process.Pid,
		Running:  j.Running(),
		ExitCode: j.exitCode,
		Flushed:  j.finishedLocked(),
		LogPath:  j.spec.LogPath,
	}
	if info.Running {
		info.Elapsed = time.Since(j.started)
	} else {
		info.Elapsed = j.ended.Sub(j.started)
	}
	if j.copier != nil {
		info.LogBytes = j.copier.bytes.Load()
	}
	return info
}

// Info is a snapshot of one job's state. Flushed reports that the
// process has exited and the log copier, if any, has drained the
// output pipe; the log file grows no further once it is set.
type Info struct {
	ID       string
	PID      int
	Running  bool
	ExitCode int
	Flushed  bool
	Elapsed  time.Duration
	LogPath  string
	LogBytes int64
}

// stop requests graceful termination of the process group, escalating
// to SIGKILL after the timeout. The subprocess is always reaped
// before stop returns.
func (j *Job) stop(timeout time.Duration) {
	if !j.Running() {
		return
	}

	pgid := j.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		slog.Warn("terminating job", "job", j.spec.ID, "error", err)
	}

	select {
	case <-j.waitDone:
		return
	case <-time.After(timeout):
	}

	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		slog.Warn("killing job", "job", j.spec.ID, "error", err)
	}
	<-j.waitDone
}
