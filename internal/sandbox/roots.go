package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hbomb79/Mirage/pkg/logger"
)

var log = logger.Get("Sandbox")

// Roots is the set of directories a file must live beneath for it
// to be handed to the rest of the application. All entries are
// absolute and have had any symlinks resolved.
//
// A Roots value is never cached between checks; use CurrentRoots to
// build a fresh set each time containment must be decided.
type Roots struct {
	WorkingDir  string
	TempDir     string
	DownloadDir string
}

// CurrentRoots builds the allowed roots from the current working directory,
// the system temporary directory and (optionally) the download directory
// provided. Roots which cannot be resolved (for example, because they do not
// exist) are left empty and take no part in containment checks.
//
// An error is only returned if neither the working directory nor the
// temporary directory can be resolved.
func CurrentRoots(downloadDir string) (Roots, error) {
	roots := Roots{}

	if wd, err := os.Getwd(); err == nil {
		roots.WorkingDir = resolveRoot(wd)
	}
	roots.TempDir = resolveRoot(os.TempDir())

	if strings.TrimSpace(downloadDir) != "" {
		roots.DownloadDir = resolveRoot(downloadDir)
	}

	if roots.WorkingDir == "" && roots.TempDir == "" {
		return roots, fmt.Errorf("%w: neither working directory nor temp directory could be resolved", ErrContainmentFailed)
	}

	return roots, nil
}

// All returns the non-empty roots in this set.
func (roots Roots) All() []string {
	out := make([]string, 0, 3)
	for _, r := range []string{roots.WorkingDir, roots.TempDir, roots.DownloadDir} {
		if r != "" {
			out = append(out, r)
		}
	}

	return out
}

// Contains resolves the path provided (following symlinks) and reports
// whether it is one of the roots, or a descendant of one. A path which
// cannot be resolved is never contained.
func (roots Roots) Contains(path string) bool {
	resolved, err := Resolve(path)
	if err != nil {
		return false
	}

	return roots.containsResolved(resolved)
}

func (roots Roots) containsResolved(resolved string) bool {
	for _, root := range roots.All() {
		if isWithin(root, resolved) {
			return true
		}
	}

	return false
}

// Resolve returns the canonical absolute form of the path, with all
// symlinks evaluated. The path must exist.
func Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.EvalSymlinks(abs)
}

// isWithin reports whether target equals root or lives beneath it. Both
// arguments must already be resolved. A plain string prefix is not enough
// here as '/tmpfoo' would be considered inside of '/tmp'.
func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}

	if rel == "." {
		return true
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func resolveRoot(dir string) string {
	resolved, err := Resolve(dir)
	if err != nil {
		log.Emit(logger.DEBUG, "Ignoring allowed root %s as it could not be resolved: %v\n", dir, err)
		return ""
	}

	return resolved
}
