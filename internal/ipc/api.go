package ipc

// Command payload types shared by both ends of the sockets. Kwargs
// structs marshal into a request's kwargs object; result structs come
// back in the response's result field.

// PingResult answers the ping command on both roles.
type PingResult struct {
	Message string `json:"message"`
}

// StartSyncArgs asks the worker to spawn a sync subprocess.
type StartSyncArgs struct {
	ID          string            `json:"id"`
	Commandline []string          `json:"command"`
	Env         map[string]string `json:"env,omitempty"`
	UID         int               `json:"uid"`
	GID         int               `json:"gid"`
	Nice        int               `json:"nice"`
	LogPath     string            `json:"log_path,omitempty"`
}

// StartSyncResult acknowledges a spawned sync job.
type StartSyncResult struct {
	JobID string `json:"job_id"`
	PID   int    `json:"pid"`
}

// JobID names a job in worker-side queries.
type JobID struct {
	ID string `json:"id"`
}

// JobInfo is a point-in-time snapshot of one job. Flushed means the
// process exited and its log file will grow no further.
type JobInfo struct {
	ID             string  `json:"id"`
	PID            int     `json:"pid"`
	Running        bool    `json:"running"`
	ExitCode       int     `json:"exit_code"`
	Flushed        bool    `json:"flushed"`
	ElapsedSeconds float64 `json:"elapsed"`
	LogPath        string  `json:"log_path,omitempty"`
	LogBytes       int64   `json:"log_bytes"`
}

// JobListResult answers the jobs command.
type JobListResult struct {
	Jobs []JobInfo `json:"jobs"`
}

// StopJobArgs requests graceful termination, escalating to a forced
// kill after the timeout.
type StopJobArgs struct {
	ID             string  `json:"id"`
	TimeoutSeconds float64 `json:"timeout"`
}

// PruneResult lists registry entries removed by prune_finished.
type PruneResult struct {
	Pruned []string `json:"pruned"`
}

// TriggerSyncArgs asks the master daemon to sync a package now.
type TriggerSyncArgs struct {
	ID string `json:"id"`
}

// MasterStatus answers the master status command.
type MasterStatus struct {
	MirrorName string `json:"mirror_name"`
	Version    string `json:"version"`
	Packages   int    `json:"packages"`
	Syncing    int    `json:"syncing"`
}
