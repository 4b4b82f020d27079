// Package storage provides discovery and opaque loading of agent-owned
// session files under a set of allowed roots (see sessions.go), plus the
// atomic-write discipline shared by anything in this repo that persists
// JSON to disk.
package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// writeAtomic writes data to filePath via a temp-file-then-rename, using
// the <path>.<pid>.<uuid8>.tmp naming spec.md §4.7 requires so two
// processes (or two goroutines racing a retry) never collide on the same
// temp name.
func writeAtomic(filePath string, data []byte, perm os.FileMode) error {
	tmpPath := fmt.Sprintf("%s.%d.%s.tmp", filePath, os.Getpid(), uuid.NewString()[:8])
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
