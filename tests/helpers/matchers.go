package helpers

import (
	"github.com/hbomb79/Mirage/internal/ingest"
	"github.com/hbomb79/Mirage/internal/media"
	"github.com/hbomb79/go-chanassert"
)

// MatchIngestProgress returns a matcher which will match progress
// events. If a message is provided, only progress events carrying that
// message are matched.
func MatchIngestProgress(message string) chanassert.Matcher[ingest.Event] {
	return chanassert.MatchPredicate(func(event ingest.Event) bool {
		if event.Kind != ingest.PROGRESS_EVENT || event.Progress == nil {
			return false
		}

		return message == "" || event.Message == message
	})
}

// MatchIngestDone returns a matcher which will match the done event
// of an ingestion which produced a file of the given kind, with the
// message provided.
func MatchIngestDone(kind media.Kind, message string) chanassert.Matcher[ingest.Event] {
	return chanassert.MatchPredicate(func(event ingest.Event) bool {
		return event.Kind == ingest.DONE_EVENT && event.File != nil && event.File.Kind == kind && event.Message == message
	})
}

// MatchIngestDoneAt returns a matcher which will match the done event
// of an ingestion which produced the file at the path provided.
func MatchIngestDoneAt(path string) chanassert.Matcher[ingest.Event] {
	return chanassert.MatchPredicate(func(event ingest.Event) bool {
		return event.Kind == ingest.DONE_EVENT && event.File != nil && event.File.Path == path
	})
}

// MatchIngestInvalid returns a matcher which will match invalid events
// caused by a trouble of the type provided.
func MatchIngestInvalid(troubleType ingest.TroubleType) chanassert.Matcher[ingest.Event] {
	return chanassert.MatchPredicate(func(event ingest.Event) bool {
		return event.Kind == ingest.INVALID_EVENT && event.Trouble != nil && event.Trouble.Type() == troubleType
	})
}

// MatchIngestNoInput returns a matcher which will match the invalid
// event emitted when an ingestion is requested without any input.
func MatchIngestNoInput() chanassert.Matcher[ingest.Event] {
	return chanassert.MatchPredicate(func(event ingest.Event) bool {
		return event.Kind == ingest.INVALID_EVENT && event.Trouble == nil && event.Message == "No file or URL provided."
	})
}

// Forward relays everything received from the channel provided on to a
// new channel, which is closed once the source is.
func Forward[T any](source <-chan T) chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for v := range source {
			out <- v
		}
	}()

	return out
}
