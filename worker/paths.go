package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscape is returned for a path whose symlinks lead out of its root.
var ErrEscape = errors.New("path escapes its root")

// Resolve follows every symlink of p and fails with ErrEscape unless
// the result stays below root. The returned path is rewritten relative
// to root as given, so callers can match it against lexical patterns.
func Resolve(root, p string) (string, error) {
	base, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", err
	}
	if !isSubPath(base, resolved) {
		return "", fmt.Errorf("%w: %s", ErrEscape, p)
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, rel), nil
}

// stayWithin checks that dir, or its deepest existing ancestor, resolves
// below base. base must already be free of symlinks.
func stayWithin(base, dir string) error {
	cur := dir
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if !isSubPath(base, resolved) {
				return fmt.Errorf("%w: %s", ErrEscape, dir)
			}
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return err
		}
		cur = parent
	}
}

func isSubPath(parent, child string) bool {
	if parent == child {
		return true
	}
	prefix := strings.TrimSuffix(parent, string(filepath.Separator)) + string(filepath.Separator)
	return strings.HasPrefix(child, prefix)
}
