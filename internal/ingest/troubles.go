package ingest

import (
	"errors"
	"fmt"

	"github.com/hbomb79/Mirage/internal/fetch"
	"github.com/hbomb79/Mirage/internal/sandbox"
)

type (
	TroubleType int
	Trouble     struct {
		error
		tType     TroubleType
		reference string
	}
)

const (
	INVALID_REFERENCE TroubleType = iota
	FETCH_FAILED
	FILE_VANISHED
	CONTAINMENT_FAILED
	UNSUPPORTED_MEDIA_KIND
)

var (
	ErrInvalidReference       = errors.New("invalid reference")
	ErrLocalMissing           = errors.New("reference does not point to an existing file")
	ErrUnsupportedMediaKind   = errors.New("file is not a supported image, audio or video")
	ErrIllegalStateTransition = errors.New("illegal ingestion state transition")
)

func newTrouble(reference string, err error) *Trouble {
	trouble := &Trouble{error: err, reference: reference, tType: INVALID_REFERENCE}
	switch {
	case errors.Is(err, fetch.ErrFetchFailed):
		trouble.tType = FETCH_FAILED
	case errors.Is(err, sandbox.ErrFileVanished):
		trouble.tType = FILE_VANISHED
	case errors.Is(err, sandbox.ErrContainmentFailed):
		trouble.tType = CONTAINMENT_FAILED
	case errors.Is(err, ErrUnsupportedMediaKind):
		trouble.tType = UNSUPPORTED_MEDIA_KIND
	}

	return trouble
}

func (t *Trouble) Type() TroubleType { return t.tType }

// Reference returns the reference whose ingestion raised this trouble.
func (t *Trouble) Reference() string { return t.reference }

func (t *Trouble) Unwrap() error { return t.error }

// IsEnvironmental reports whether the trouble indicates a problem with
// the host environment, rather than with the reference the user supplied.
// Environmental troubles are always surfaced to the caller.
func (t *Trouble) IsEnvironmental() bool {
	return t.tType == FILE_VANISHED || t.tType == CONTAINMENT_FAILED
}

// Message returns a human readable explanation of the trouble, suitable
// for displaying to the user who supplied the reference.
func (t *Trouble) Message() string {
	switch t.tType {
	case FETCH_FAILED:
		return "Download failed. Invalid or missing file."
	case FILE_VANISHED:
		return "File disappeared before it could be loaded."
	case CONTAINMENT_FAILED:
		return "File could not be copied to a safe location."
	case UNSUPPORTED_MEDIA_KIND:
		return "File is not a supported image, audio or video file."
	default:
		return "Invalid or missing file."
	}
}

func (t TroubleType) String() string {
	switch t {
	case INVALID_REFERENCE:
		return fmt.Sprintf("INVALID_REFERENCE[%d]", t)
	case FETCH_FAILED:
		return fmt.Sprintf("FETCH_FAILED[%d]", t)
	case FILE_VANISHED:
		return fmt.Sprintf("FILE_VANISHED[%d]", t)
	case CONTAINMENT_FAILED:
		return fmt.Sprintf("CONTAINMENT_FAILED[%d]", t)
	case UNSUPPORTED_MEDIA_KIND:
		return fmt.Sprintf("UNSUPPORTED_MEDIA_KIND[%d]", t)
	default:
		return fmt.Sprintf("UNKNOWN[%d]", t)
	}
}
