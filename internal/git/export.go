package git

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// WriteWorkingCopy replaces destDir with a directory tree holding files,
// keyed by repository path. The tree is staged next to destDir and swapped
// in with renames so readers never observe a half-written copy.
func WriteWorkingCopy(destDir string, files map[string]string) error {
	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", parent, err)
	}

	staging, err := os.MkdirTemp(parent, "."+filepath.Base(destDir)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(staging)
	}()

	if err := os.Chmod(staging, 0755); err != nil {
		return fmt.Errorf("failed to chmod staging dir: %w", err)
	}

	for p, content := range files {
		clean := path.Clean("/" + p)[1:]
		if clean == "" || strings.HasPrefix(clean, "..") {
			return fmt.Errorf("invalid path %q", p)
		}

		dst := filepath.Join(staging, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
		if err := os.WriteFile(dst, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", p, err)
		}
	}

	old := destDir + ".old"
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("failed to remove %s: %w", old, err)
	}
	if _, err := os.Stat(destDir); err == nil {
		if err := os.Rename(destDir, old); err != nil {
			return fmt.Errorf("failed to move previous copy aside: %w", err)
		}
	}
	if err := os.Rename(staging, destDir); err != nil {
		return fmt.Errorf("failed to install working copy: %w", err)
	}
	return os.RemoveAll(old)
}
