package fileman

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager handles scoped build directories and file trees under them. All
// cleanup is explicit: callers own the directories they create and must call
// Cleanup on every exit path.
type Manager struct {
	logger zerolog.Logger
}

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger}
}

// CreateScopedTempDir creates a uniquely named directory under base. The
// random suffix keeps concurrent builds from ever colliding.
func (m *Manager) CreateScopedTempDir(base, prefix string) (string, error) {
	dir := filepath.Join(base, fmt.Sprintf("%s_%s", prefix, uuid.NewString()[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	m.logger.Debug().Str("dir", dir).Msg("created scoped temp directory")
	return dir, nil
}

// Cleanup removes a directory tree. Best effort: a missing or undeletable
// directory is reported as false, never as an error, so cleanup can never
// mask a build's real outcome.
func (m *Manager) Cleanup(path string) bool {
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.RemoveAll(path); err != nil {
		m.logger.Warn().Str("dir", path).Err(err).Msg("cleanup failed")
		return false
	}
	m.logger.Debug().Str("dir", path).Msg("removed directory")
	return true
}

// WriteFiles materializes a relative-path keyed file set under baseDir,
// creating intermediate directories as needed. The first failing write aborts
// and propagates; partial writes are not rolled back, the caller is expected
// to clean up the whole directory.
func (m *Manager) WriteFiles(baseDir string, files map[string]string) error {
	m.logger.Debug().Int("count", len(files)).Str("dir", baseDir).Msg("writing project files")

	for rel, content := range files {
		full := filepath.Join(baseDir, rel)
		if dir := filepath.Dir(full); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create directory for %s: %w", rel, err)
			}
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// CopyFile copies src to dst, creating the destination directory if needed.
func (m *Manager) CopyFile(src, dst string) error {
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create destination directory: %w", err)
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

// FindFiles returns every file under dir whose base name matches pattern
// (filepath.Match syntax).
func (m *Manager) FindFiles(dir, pattern string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ok, matchErr := filepath.Match(pattern, d.Name())
		if matchErr != nil {
			return matchErr
		}
		if ok {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return matches, nil
}

// DirSize returns the total size in bytes of all files under path. Unreadable
// entries are skipped.
func (m *Manager) DirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// EnsureDir creates path and any missing parents.
func (m *Manager) EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// WriteBinary writes data to path, creating the parent directory if needed.
func (m *Manager) WriteBinary(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// IsPathSafe reports whether path resolves inside baseDir. Both are reduced
// to canonical absolute form before the containment check, so traversal
// sequences cannot escape the storage root.
func IsPathSafe(path, baseDir string) bool {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return false
	}
	absBase, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return false
	}
	if absPath == absBase {
		return true
	}
	return strings.HasPrefix(absPath, absBase+string(os.PathSeparator))
}
