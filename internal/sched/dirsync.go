package sched

import "os"

// dirSync calls fsync(2) on the directory to save changes in the
// directory. This should be called after os.Create, os.Rename and so
// on, or a crash may lose the new directory entry.
func dirSync(d string) error {
	f, err := os.OpenFile(d, os.O_RDONLY, 0o755)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
