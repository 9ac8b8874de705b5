/*
Package mirrord is a daemon that keeps a set of upstream mirrors in sync.

mirrord schedules periodic syncs for configured packages, delegates the
actual mirroring tools (rsync, ftpsync, lftp, bandersnatch) to a
privilege-separated worker process, and publishes a JSON status
document for a web frontend. Both processes are controlled over local
sockets with the same binary.

The main packages are:

	github.com/kaist-ftp/mirrord/internal/config     - TOML configuration and ISO 8601 sync rates
	github.com/kaist-ftp/mirrord/internal/wire       - length-prefixed JSON socket framing
	github.com/kaist-ftp/mirrord/internal/ipc        - control socket server and client
	github.com/kaist-ftp/mirrord/internal/job        - sync subprocess supervision
	github.com/kaist-ftp/mirrord/internal/event      - in-process event bus
	github.com/kaist-ftp/mirrord/internal/sched      - sync scheduling and status publishing
	github.com/kaist-ftp/mirrord/internal/syncmethod - command builders for the sync tools
	github.com/kaist-ftp/mirrord/internal/synclog    - dated per-sync log files
	github.com/kaist-ftp/mirrord/cmd/mirrord         - daemon, worker, and control CLI
*/
package mirrord
