package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pimux/muxd/pkg/types"
)

// ErrOutsideRoots is returned when a requested path does not resolve
// under any of the session store's allowed roots.
var ErrOutsideRoots = errors.New("path is outside the allowed session roots")

// SessionFiles discovers and opaquely loads/saves agent-owned session
// files under a fixed set of allowed roots, per spec.md §4.7's
// loadSession/listStoredSessions. The multiplexer never interprets file
// contents — it only lists, reads, and atomically writes bytes.
type SessionFiles struct {
	roots []string
}

// NewSessionFiles creates a session file store rooted at the given
// absolute directories. Non-existent roots are tolerated (List simply
// reports nothing for them); they are not created eagerly.
func NewSessionFiles(roots []string) *SessionFiles {
	abs := make([]string, 0, len(roots))
	for _, r := range roots {
		if a, err := filepath.Abs(r); err == nil {
			abs = append(abs, a)
		} else {
			abs = append(abs, r)
		}
	}
	return &SessionFiles{roots: abs}
}

// resolve validates that path (absolute or relative) falls under one of
// the allowed roots and returns its cleaned absolute form.
func (sf *SessionFiles) resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	for _, root := range sf.roots {
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
			return abs, nil
		}
	}
	return "", ErrOutsideRoots
}

// List walks every allowed root and returns every regular file found,
// skipping in-progress temp files (*.tmp) and lock files (*.lock) the
// atomic-write discipline leaves behind transiently.
func (sf *SessionFiles) List() ([]types.StoredSessionInfo, error) {
	var out []types.StoredSessionInfo
	for _, root := range sf.roots {
		err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() {
				return nil
			}
			name := info.Name()
			if strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".lock") {
				return nil
			}
			out = append(out, types.StoredSessionInfo{
				Path:     p,
				Size:     info.Size(),
				Modified: info.ModTime(),
			})
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("list stored sessions under %s: %w", root, err)
		}
	}
	return out, nil
}

// Load reads a session file's full contents. The file handle is released
// via defer regardless of whether the read succeeds, so a partial read
// never leaks a descriptor.
func (sf *SessionFiles) Load(path string) ([]byte, error) {
	abs, err := sf.resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return data, nil
}

// Save atomically writes a session file's contents under an allowed
// root, creating parent directories as needed.
func (sf *SessionFiles) Save(path string, data []byte) error {
	abs, err := sf.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	return writeAtomic(abs, data, 0644)
}
