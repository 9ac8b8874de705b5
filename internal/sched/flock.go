package sched

import (
	"os"
	"syscall"

	"github.com/cockroachdb/errors"
)

// Flock wraps an open file with BSD advisory locking so only one
// daemon instance runs against a configuration.
type Flock struct {
	*os.File
}

// Lock acquires the lock without blocking. It fails when another
// process already holds it.
func (l Flock) Lock() error {
	err := syscall.Flock(int(l.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		return errors.Wrap(err, "flock "+l.Name())
	}
	return nil
}

// Unlock releases the lock.
func (l Flock) Unlock() error {
	err := syscall.Flock(int(l.Fd()), syscall.LOCK_UN)
	if err != nil {
		return errors.Wrap(err, "funlock "+l.Name())
	}
	return nil
}
