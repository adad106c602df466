package media

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Sniff detects the MIME type of the file at path by inspecting its content.
func Sniff(path string) (string, error) {
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("cannot sniff content of %s: %w", path, err)
	}

	return mime.String(), nil
}

// KindOfMIME maps a MIME type to a media kind using its top-level type.
func KindOfMIME(mime string) Kind {
	top, _, _ := strings.Cut(mime, "/")
	switch strings.ToLower(top) {
	case "image":
		return Image
	case "audio":
		return Audio
	case "video":
		return Video
	default:
		return Unknown
	}
}

// ContentMismatch reports whether the detected MIME type contradicts
// the extension based kind. Content that sniffs as a generic type (such
// as application/octet-stream) is never considered a mismatch.
func ContentMismatch(kind Kind, mime string) bool {
	sniffed := KindOfMIME(mime)
	return sniffed != Unknown && sniffed != kind
}
