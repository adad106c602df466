package ingest

import (
	"fmt"

	"github.com/hbomb79/Mirage/internal/fetch"
	"github.com/hbomb79/Mirage/internal/media"
)

type (
	EventKind int

	// Event is emitted by the single-reference ingestion flow. A flow
	// emits any number of progress events followed by exactly one done
	// or invalid event, unless abandoned by the caller.
	Event struct {
		Kind EventKind

		// Progress is populated for progress events which report on
		// an in-flight download.
		Progress *fetch.Progress

		// File is populated for done events.
		File *IngestedFile

		// Trouble is populated for invalid events caused by a failure
		// of the pipeline. It is nil if no reference was provided at all.
		Trouble *Trouble

		// Message is a human readable description of the event.
		Message string
	}

	// TargetRequest describes a single target reference to ingest.
	TargetRequest struct {
		// Reference is the URL or path entered by the user.
		Reference string

		// Upload is the local path of a file uploaded by the user. When
		// provided, it takes priority over Reference.
		Upload string

		// DownloadDir is the directory remote references are downloaded
		// to. A leading ~ is expanded to the user's home directory.
		DownloadDir string
	}
)

const (
	PROGRESS_EVENT EventKind = iota
	DONE_EVENT
	INVALID_EVENT
)

const (
	noInputMessage          = "No file or URL provided."
	downloadCompleteMessage = "Download complete!"
)

func progressEvent(progress fetch.Progress) Event {
	return Event{Kind: PROGRESS_EVENT, Progress: &progress, Message: progress.String()}
}

func doneEvent(file *IngestedFile) Event {
	return Event{Kind: DONE_EVENT, File: file, Message: loadedMessage(file)}
}

func invalidEvent(trouble *Trouble) Event {
	if trouble == nil {
		return Event{Kind: INVALID_EVENT, Message: noInputMessage}
	}

	return Event{Kind: INVALID_EVENT, Trouble: trouble, Message: trouble.Message()}
}

// IsTerminal reports whether this event is the last event of its flow.
func (event Event) IsTerminal() bool {
	return event.Kind != PROGRESS_EVENT
}

func loadedMessage(file *IngestedFile) string {
	switch file.Kind {
	case media.Image:
		return "Image loaded!"
	case media.Audio:
		return "Audio loaded!"
	case media.Video:
		if file.Oversized {
			return "Video size too large. Showing first frame only."
		}

		return "Video loaded!"
	default:
		return "File loaded!"
	}
}

func (k EventKind) String() string {
	switch k {
	case PROGRESS_EVENT:
		return fmt.Sprintf("PROGRESS[%d]", k)
	case DONE_EVENT:
		return fmt.Sprintf("DONE[%d]", k)
	case INVALID_EVENT:
		return fmt.Sprintf("INVALID[%d]", k)
	default:
		return fmt.Sprintf("UNKNOWN[%d]", k)
	}
}
