package ingest

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hbomb79/Mirage/internal/media"
	"github.com/hbomb79/Mirage/pkg/logger"
)

type (
	IngestItemState int

	// IngestItem tracks the progress of a single reference through
	// the ingestion pipeline.
	IngestItem struct {
		ID        uuid.UUID
		Reference string
		State     IngestItemState
		Trouble   *Trouble
		File      *IngestedFile

		// Files created on behalf of this item, removed if the
		// item is rejected.
		fetchedPath string
		stagedPath  string
	}

	// IngestedFile is a local file which has been verified to live
	// inside the sandbox, and classified.
	IngestedFile struct {
		Reference string
		Path      string
		Kind      media.Kind
		SizeBytes int64
		Oversized bool

		// Relocated is true if the file was copied in to the sandbox
		// because the reference pointed outside of it.
		Relocated bool

		// DetectedMIME is the sniffed MIME type of the file, only
		// populated when content sniffing is enabled.
		DetectedMIME string
	}
)

const (
	START IngestItemState = iota
	CLASSIFYING
	FETCHING
	CONTAINING
	CLASSIFIED
	DONE
	REJECTED
)

var allowedTransitions = map[IngestItemState][]IngestItemState{
	START:       {CLASSIFYING, REJECTED},
	CLASSIFYING: {FETCHING, CONTAINING, REJECTED},
	FETCHING:    {CONTAINING, REJECTED},
	CONTAINING:  {CLASSIFIED, REJECTED},
	CLASSIFIED:  {DONE, REJECTED},
}

func newIngestItem(reference string) *IngestItem {
	return &IngestItem{ID: uuid.New(), Reference: reference, State: START}
}

// transition moves the item to the state provided. Terminal states
// cannot be left, and states cannot be skipped.
func (item *IngestItem) transition(to IngestItemState) error {
	for _, allowed := range allowedTransitions[item.State] {
		if allowed == to {
			log.Emit(logger.VERBOSE, "Item %s transitioning to %s\n", item, to)
			item.State = to
			return nil
		}
	}

	log.Emit(logger.ERROR, "Item %s cannot transition from %s to %s\n", item, item.State, to)
	return fmt.Errorf("%w: %s -> %s", ErrIllegalStateTransition, item.State, to)
}

func (item *IngestItem) String() string {
	return fmt.Sprintf("IngestItem{ID=%s reference=%s state=%s}", item.ID, item.Reference, item.State)
}

func (s IngestItemState) String() string {
	switch s {
	case START:
		return fmt.Sprintf("START[%d]", s)
	case CLASSIFYING:
		return fmt.Sprintf("CLASSIFYING[%d]", s)
	case FETCHING:
		return fmt.Sprintf("FETCHING[%d]", s)
	case CONTAINING:
		return fmt.Sprintf("CONTAINING[%d]", s)
	case CLASSIFIED:
		return fmt.Sprintf("CLASSIFIED[%d]", s)
	case DONE:
		return fmt.Sprintf("DONE[%d]", s)
	case REJECTED:
		return fmt.Sprintf("REJECTED[%d]", s)
	default:
		return fmt.Sprintf("UNKNOWN[%d]", s)
	}
}
