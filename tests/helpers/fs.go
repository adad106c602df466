package helpers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SandboxTempRoot points the system temp directory at a fresh directory
// for the duration of the test. The returned outside directory lies
// outside of every sandbox root, and can be used to host files which
// must be relocated in to the sandbox.
func SandboxTempRoot(t *testing.T) (temp string, outside string) {
	outside = t.TempDir()
	temp = t.TempDir()
	t.Setenv("TMPDIR", temp)

	return temp, outside
}

// TempDirWithFiles creates a temporary directory containing an empty file
// for each of the names provided. The directory, and the paths to
// the created files, are returned.
func TempDirWithFiles(t *testing.T, files []string) (string, []string) {
	dirPath := t.TempDir()
	filePaths := make([]string, 0, len(files))
	for _, filename := range files {
		filePaths = append(filePaths, WriteFile(t, filepath.Join(dirPath, filename), ""))
	}

	assert.Len(t, filePaths, len(files), "Expected file paths recorded to match length of requested files")
	return dirPath, filePaths
}

// WriteFile writes the content provided to the path, failing
// the test if this is not possible.
func WriteFile(t *testing.T, path string, content string) string {
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640), "failed to write test file")
	return path
}

// Resolved returns the path with all symlinks evaluated.
func Resolved(t *testing.T, path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)

	return resolved
}

// Chdir changes the working directory of the test process for the
// duration of the test. Tests using Chdir must not run in parallel.
func Chdir(t *testing.T, dir string) {
	previous, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))

	t.Cleanup(func() {
		require.NoError(t, os.Chdir(previous))
	})
}
