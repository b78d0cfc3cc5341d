package utils

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.viam.com/utils"
)

// RemoveFileNoError will remove the file at the given path if it exists. Any
// errors will be suppressed.
func RemoveFileNoError(path string) {
	utils.UncheckedErrorFunc(func() error {
		if _, err := os.Stat(path); err == nil {
			return os.Remove(path)
		}
		return nil
	})
}

// UniquePath returns dir/<prefix><uuid><ext>. An empty dir means the system temp directory.
func UniquePath(dir, prefix, ext string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, prefix+uuid.NewString()+ext)
}

// RemoveMatching removes every file in dir named <prefix>*<ext> and returns how many were
// removed. Files that cannot be removed are skipped.
func RemoveMatching(dir, prefix, ext string) int {
	if dir == "" {
		dir = os.TempDir()
	}
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"*"+ext))
	if err != nil {
		return 0
	}
	removed := 0
	for _, m := range matches {
		if os.Remove(m) == nil {
			removed++
		}
	}
	return removed
}
