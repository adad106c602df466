// Package reference decides what a user supplied media reference points at:
// a remote resource that must be downloaded, or a file on the local disk.
package reference

import (
	"fmt"
	"os"
	"strings"
)

type Kind int

const (
	LocalMissing Kind = iota
	LocalExisting
	Remote
)

// Classify tags the reference provided. Remote references are those
// whose lower-cased form begins with an http or https scheme; anything
// else is treated as a filesystem path and is LocalExisting only if a
// regular file (following symlinks) exists there.
//
// Classify never fails and performs no network or copy operations.
func Classify(ref string) Kind {
	if IsRemote(ref) {
		return Remote
	}

	if ref == "" {
		return LocalMissing
	}

	info, err := os.Stat(ref)
	if err != nil || !info.Mode().IsRegular() {
		return LocalMissing
	}

	return LocalExisting
}

// IsRemote reports whether the reference is an http(s) URL.
func IsRemote(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Split breaks a comma separated list of references in to its
// parts. Each part is trimmed, empty parts are dropped and textual
// duplicates are removed while preserving first-seen order.
func Split(raw string) []string {
	return Dedupe(strings.Split(raw, ","))
}

// Dedupe trims each reference, drops empty entries and removes
// textual duplicates, preserving first-seen order.
func Dedupe(refs []string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}

		if _, ok := seen[ref]; ok {
			continue
		}

		seen[ref] = struct{}{}
		out = append(out, ref)
	}

	return out
}

func (k Kind) String() string {
	switch k {
	case LocalMissing:
		return fmt.Sprintf("LOCAL_MISSING[%d]", k)
	case LocalExisting:
		return fmt.Sprintf("LOCAL_EXISTING[%d]", k)
	case Remote:
		return fmt.Sprintf("REMOTE[%d]", k)
	default:
		return fmt.Sprintf("UNKNOWN[%d]", k)
	}
}
