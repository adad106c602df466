// Package media labels local files as image, audio or video using a fixed
// extension table, and decides whether a file is too large for full
// in-browser previews.
//
// Classification is purely extension based: a file whose content does not
// match its extension is classified according to its extension. Content
// sniffing (see Sniff) is available as an audit aid but never alters the
// classification.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Kind int

const (
	Unknown Kind = iota
	Image
	Audio
	Video
)

// OversizeThreshold is the size (in bytes) above which a file is considered
// oversized. Oversized videos are previewed using a single frame rather
// than the full video.
const OversizeThreshold int64 = 512 * 1024 * 1024

var extensionKinds = map[string]Kind{
	".jpg":  Image,
	".jpeg": Image,
	".png":  Image,
	".gif":  Image,
	".bmp":  Image,

	".mp3":  Audio,
	".wav":  Audio,
	".ogg":  Audio,
	".flac": Audio,

	".mp4":  Video,
	".m4v":  Video,
	".mkv":  Video,
	".mov":  Video,
	".avi":  Video,
	".webm": Video,
	".wmv":  Video,
	".flv":  Video,
	".mpg":  Video,
	".mpeg": Video,
	".3gp":  Video,
	".ts":   Video,
}

// Classification is the result of classifying a local file.
type Classification struct {
	Kind      Kind
	SizeBytes int64
	Oversized bool
}

// KindOf returns the media kind of the path based on its extension alone.
// The comparison is case-insensitive.
func KindOf(path string) Kind {
	if kind, ok := extensionKinds[strings.ToLower(filepath.Ext(path))]; ok {
		return kind
	}

	return Unknown
}

// IsOversized reports whether a file of the given size exceeds OversizeThreshold.
func IsOversized(size int64) bool {
	return size > OversizeThreshold
}

// Classify labels the file at the path provided. The file must exist, as its
// size is read from the filesystem.
func Classify(path string) (Classification, error) {
	return ClassifyNamed(path, path)
}

// ClassifyNamed labels the file at path using the extension of name. This
// allows a symlink (or a copy) to be classified by the name the user gave it,
// rather than by the name of the file it resolves to.
func ClassifyNamed(name string, path string) (Classification, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Classification{}, fmt.Errorf("cannot classify %s: %w", path, err)
	}

	return Classification{
		Kind:      KindOf(name),
		SizeBytes: info.Size(),
		Oversized: IsOversized(info.Size()),
	}, nil
}

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Audio:
		return "audio"
	case Video:
		return "video"
	default:
		return "unknown"
	}
}
