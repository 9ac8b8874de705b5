// Package synclog manages per-sync log files under a dated tree.
//
// Each sync run of a package gets its own file at
// <log_dir>/<year>/<month>/<day>/<time>.<package>.log so operators
// can browse history by date. Finished logs are compressed with xz.
package synclog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"
)

// Create allocates the log file for one sync run and returns its
// path. Parent directories are created as needed.
func Create(logDir, packageID string, start time.Time) (string, error) {
	dir := filepath.Join(logDir,
		fmt.Sprintf("%04d", start.Year()),
		fmt.Sprintf("%02d", start.Month()),
		fmt.Sprintf("%02d", start.Day()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "synclog: mkdir")
	}

	name := fmt.Sprintf("%02d:%02d:%02d.%06d.%s.log",
		start.Hour(), start.Minute(), start.Second(),
		start.Nanosecond()/1000, packageID)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "synclog: create")
	}
	f.Close()
	return path, nil
}

// Compress replaces path with an xz-compressed copy at path + ".xz"
// and removes the original.
func Compress(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "synclog: open")
	}
	defer src.Close()

	target := path + ".xz"
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "synclog: create compressed")
	}

	w, err := xz.NewWriter(dst)
	if err != nil {
		dst.Close()
		os.Remove(target)
		return "", errors.Wrap(err, "synclog: xz writer")
	}
	if _, err := io.Copy(w, src); err == nil {
		err = w.Close()
	} else {
		w.Close()
	}
	if err2 := dst.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(target)
		return "", errors.Wrap(err, "synclog: compress")
	}

	if err := os.Remove(path); err != nil {
		return "", errors.Wrap(err, "synclog: remove original")
	}
	return target, nil
}
