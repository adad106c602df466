// Package sandbox guarantees that every file handed to the rest of the
// application lives beneath a small set of trusted directories. Files found
// elsewhere are copied in to the system temporary directory; the original is
// never moved or deleted.
package sandbox

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hbomb79/Mirage/pkg/logger"
)

var (
	ErrFileVanished      = errors.New("file vanished before it could be contained")
	ErrContainmentFailed = errors.New("file could not be copied in to the sandbox")
)

type (
	// Placement describes where a contained file ended up.
	Placement struct {
		// Path is the absolute, symlink-resolved location of the file. It is
		// guaranteed to be beneath the roots used at the time of the check.
		Path string

		// Relocated is true if the file was outside of the allowed roots
		// and had to be copied in to the temp root.
		Relocated bool
	}

	// Guard enforces containment of files in to a set of allowed roots.
	Guard struct{}
)

func NewGuard() *Guard {
	return &Guard{}
}

// Contain resolves the path provided and checks it against the roots. If the
// file is already contained, its resolved path is returned. Otherwise the file
// is copied (content, permissions and modification time) in to the temp root
// under the base name of the path provided (not that of a symlink target),
// replacing any stale file of the same name.
//
// ErrFileVanished is returned if the file no longer exists when resolving or
// copying it; ErrContainmentFailed if the copy could not be completed.
func (guard *Guard) Contain(path string, roots Roots) (Placement, error) {
	resolved, err := Resolve(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Placement{}, fmt.Errorf("%w: %s", ErrFileVanished, path)
		}

		return Placement{}, fmt.Errorf("%w: cannot resolve %s: %v", ErrContainmentFailed, path, err)
	}

	if roots.containsResolved(resolved) {
		return Placement{Path: resolved}, nil
	}

	if roots.TempDir == "" {
		return Placement{}, fmt.Errorf("%w: no temp root available to relocate %s", ErrContainmentFailed, resolved)
	}

	dest := filepath.Join(roots.TempDir, relocationName(path, resolved, roots.TempDir))
	log.Emit(logger.INFO, "Relocating %s in to sandbox at %s\n", resolved, dest)
	if err := copyInto(resolved, dest); err != nil {
		return Placement{}, err
	}

	final, err := Resolve(dest)
	if err != nil {
		return Placement{}, fmt.Errorf("%w: relocated file %s could not be resolved: %v", ErrContainmentFailed, dest, err)
	}
	if !roots.containsResolved(final) {
		return Placement{}, fmt.Errorf("%w: relocated file %s escaped the sandbox", ErrContainmentFailed, final)
	}

	return Placement{Path: final, Relocated: true}, nil
}

// relocationName returns the name a relocated file is given in the temp root.
// The name the caller used is preferred, so a link named cat.jpg pointing at
// an extensionless blob keeps its extension. If the link itself already lives
// in the temp root under that name, the target's name is used instead so the
// link is not overwritten by its own copy.
func relocationName(path string, resolved string, tempRoot string) string {
	name := filepath.Base(filepath.Clean(path))
	if name == "." || name == string(filepath.Separator) {
		return filepath.Base(resolved)
	}

	if abs, err := filepath.Abs(path); err == nil {
		if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil && dir == tempRoot {
			return filepath.Base(resolved)
		}
	}

	return name
}

// copyInto copies the source file to dest. The copy is first written to a
// sibling temporary file and then renamed over dest so that a stale file (or
// a planted symlink) at dest is replaced rather than written through.
func copyInto(source string, dest string) error {
	src, err := os.Open(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileVanished, source)
		}

		return fmt.Errorf("%w: %v", ErrContainmentFailed, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContainmentFailed, err)
	}

	staging, err := os.CreateTemp(filepath.Dir(dest), ".mirage-copy-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContainmentFailed, err)
	}
	stagingPath := staging.Name()

	cleanup := func(cause error) error {
		staging.Close()
		os.Remove(stagingPath)
		return fmt.Errorf("%w: %v", ErrContainmentFailed, cause)
	}

	if _, err := io.Copy(staging, src); err != nil {
		return cleanup(err)
	}
	if err := staging.Chmod(info.Mode().Perm()); err != nil {
		return cleanup(err)
	}
	if err := staging.Close(); err != nil {
		return cleanup(err)
	}
	if err := os.Chtimes(stagingPath, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("%w: %v", ErrContainmentFailed, err)
	}
	if err := os.Rename(stagingPath, dest); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("%w: %v", ErrContainmentFailed, err)
	}

	return nil
}
