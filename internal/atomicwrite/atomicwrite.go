// Package atomicwrite provides the temp-file-in-target-dir-then-rename
// pattern shared by the keyslot container, config container, and legacy
// migrator so that a reader never observes a partially-written container.
package atomicwrite

import (
	"fmt"
	"os"
	"path/filepath"
)

// File writes data to path by creating a temp file in path's directory,
// writing and chmod-ing it, then renaming it over path. On any failure
// before the rename, the temp file is removed and path is left untouched.
func File(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace file: %w", err)
	}

	return nil
}
