package ingest

import (
	"github.com/google/uuid"
	"github.com/hbomb79/Mirage/internal/media"
)

type (
	// SourceRequest describes a batch of source references to ingest.
	SourceRequest struct {
		// References is a comma separated list of URLs and/or paths.
		References string

		// Uploads contains the local paths of files uploaded by the user.
		Uploads []string
	}

	// Result is the outcome of a batch ingestion. Files is ordered by the
	// first appearance of each file's reference, and contains no two files
	// with the same resolved path.
	Result struct {
		RunID uuid.UUID
		Files []IngestedFile

		// Troubles contains the environmental failures encountered. Failures
		// caused by bad user input are not reported here.
		Troubles []*Trouble
	}

	// Summary is a condensed view of a Result, describing what previews
	// can be shown to the user. Preview paths are empty when no file of
	// the corresponding kind was ingested.
	Summary struct {
		ValidPaths       []string
		HasAudio         bool
		HasImage         bool
		AudioPreviewPath string
		ImagePreviewPath string
	}
)

func (result *Result) Summary() Summary {
	summary := Summary{ValidPaths: make([]string, 0, len(result.Files))}
	for _, file := range result.Files {
		summary.ValidPaths = append(summary.ValidPaths, file.Path)

		switch file.Kind {
		case media.Audio:
			if !summary.HasAudio {
				summary.HasAudio = true
				summary.AudioPreviewPath = file.Path
			}
		case media.Image:
			if !summary.HasImage {
				summary.HasImage = true
				summary.ImagePreviewPath = file.Path
			}
		}
	}

	return summary
}
