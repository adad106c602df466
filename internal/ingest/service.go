package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/hbomb79/Mirage/internal/fetch"
	"github.com/hbomb79/Mirage/internal/media"
	"github.com/hbomb79/Mirage/internal/reference"
	"github.com/hbomb79/Mirage/internal/sandbox"
	"github.com/hbomb79/Mirage/pkg/logger"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/sync/errgroup"
)

var log = logger.Get("IngestServ")

type (
	fetcher interface {
		Open(ctx context.Context, rawURL string, destDir string) (*fetch.Download, error)
	}

	guard interface {
		Contain(path string, roots sandbox.Roots) (sandbox.Placement, error)
	}

	// Service is responsible for turning user supplied media references
	// in to files that are safe to hand to the rest of Mirage. Each
	// reference is:
	// - Classified as remote, local or missing
	// - Downloaded, if remote
	// - Copied in to the sandbox, if it lives outside of it
	// - Classified as image, audio or video
	//
	// The service holds no per-request state, and can be used by any
	// number of concurrent requests.
	Service struct {
		config  Config
		fetcher fetcher
		guard   guard
	}

	// observer receives the progress events emitted while an item is
	// being ingested.
	observer func(Event)
)

// New creates a new ingestion Service, using the provided fetcher to download
// remote references and the provided guard to enforce the sandbox.
func New(config Config, fetcher fetcher, guard guard) *Service {
	return &Service{config: config, fetcher: fetcher, guard: guard}
}

// NewDefault creates a new ingestion Service which downloads using a
// fetch.Fetcher and contains files using a sandbox.Guard.
func NewDefault(config Config) *Service {
	return New(config, fetch.New(fetch.Config{Timeout: config.FetchTimeout()}), sandbox.NewGuard())
}

// IngestMany ingests a batch of references. The comma separated references are
// combined with the upload paths, and textual duplicates are removed before
// any work is performed.
//
// Failure to ingest a reference never fails the batch: the reference is
// omitted from the result. Environmental troubles (files vanishing, or
// failing to copy in to the sandbox) are reported in the result's Troubles.
func (service *Service) IngestMany(ctx context.Context, request SourceRequest) *Result {
	refs := reference.Dedupe(append(reference.Split(request.References), request.Uploads...))
	result := &Result{RunID: uuid.New(), Files: make([]IngestedFile, 0, len(refs))}
	log.Emit(logger.NEW, "Beginning ingestion run %s of %d references\n", result.RunID, len(refs))

	downloadDir, err := expandDir(service.config.DownloadDir)
	if err != nil {
		log.Emit(logger.WARNING, "Configured download directory ignored for run %s: %v\n", result.RunID, err)
		downloadDir = ""
	}

	items := make([]*IngestItem, len(refs))
	group := &errgroup.Group{}
	group.SetLimit(service.config.parallelism())
	for i, ref := range refs {
		item := newIngestItem(ref)
		items[i] = item
		group.Go(func() error {
			// Batch downloads are staged in the temp root.
			service.ingest(ctx, item, "", downloadDir, nil)
			return nil
		})
	}
	group.Wait()

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.Trouble != nil {
			if item.Trouble.IsEnvironmental() {
				result.Troubles = append(result.Troubles, item.Trouble)
			}

			continue
		}

		if _, ok := seen[item.File.Path]; ok {
			log.Emit(logger.DEBUG, "Dropping %s as %s has already been ingested\n", item, item.File.Path)
			continue
		}

		seen[item.File.Path] = struct{}{}
		result.Files = append(result.Files, *item.File)
	}

	log.Emit(logger.SUCCESS, "Ingestion run %s complete: %d/%d references ingested\n", result.RunID, len(result.Files), len(refs))
	return result
}

// IngestSingle ingests exactly one reference, reporting progress over the
// returned channel. An uploaded file takes priority over the textual
// reference. Remote references are downloaded to the requested download
// directory, falling back to the configured one and then to the temp root.
//
// The channel receives zero or more progress events, then exactly one done
// or invalid event, and is then closed. Cancelling the context abandons the
// ingestion: any partially downloaded file is removed and the channel is closed
// without a terminal event. The caller must drain the channel or cancel the
// context.
func (service *Service) IngestSingle(ctx context.Context, request TargetRequest) <-chan Event {
	events := make(chan Event)
	emit := func(event Event) bool {
		select {
		case events <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(events)

		ref := strings.TrimSpace(request.Upload)
		if ref == "" {
			ref = strings.TrimSpace(request.Reference)
		}
		if ref == "" {
			emit(invalidEvent(nil))
			return
		}

		item := newIngestItem(ref)
		requestedDir := request.DownloadDir
		if requestedDir == "" {
			requestedDir = service.config.DownloadDir
		}

		if downloadDir, err := expandDir(requestedDir); err != nil {
			service.reject(item, err)
		} else {
			service.ingest(ctx, item, downloadDir, downloadDir, func(event Event) { emit(event) })
		}

		if ctx.Err() != nil {
			log.Emit(logger.STOP, "Ingestion of %s abandoned\n", item)
			removeCreatedFiles(item)
			return
		}

		if item.Trouble != nil {
			emit(invalidEvent(item.Trouble))
			return
		}

		// Nobody learns the path of a file whose done event was never
		// delivered, so it must not be left behind.
		if !emit(doneEvent(item.File)) {
			log.Emit(logger.STOP, "Ingestion of %s abandoned before completion was delivered\n", item)
			removeCreatedFiles(item)
		}
	}()

	return events
}

// ingest runs the item through the ingestion pipeline. Remote references
// are downloaded in to fetchDir, and the downloadDir provided is
// considered an allowed root during containment. If the pipeline fails, the
// item is rejected and any files created on its behalf are removed.
func (service *Service) ingest(ctx context.Context, item *IngestItem, fetchDir string, downloadDir string, observe observer) {
	log.Emit(logger.DEBUG, "Beginning ingestion of %s\n", item)
	if err := service.runPipeline(ctx, item, fetchDir, downloadDir, observe); err != nil {
		service.reject(item, err)
		return
	}

	log.Emit(logger.SUCCESS, "Ingested %s as %s (%s)\n", item.Reference, item.File.Path, item.File.Kind)
}

func (service *Service) runPipeline(ctx context.Context, item *IngestItem, fetchDir string, downloadDir string, observe observer) error {
	if err := item.transition(CLASSIFYING); err != nil {
		return err
	}

	path := item.Reference
	switch reference.Classify(item.Reference) {
	case reference.LocalMissing:
		return fmt.Errorf("%w: %s", ErrLocalMissing, item.Reference)
	case reference.Remote:
		if err := validateURL(item.Reference); err != nil {
			return err
		}

		if err := item.transition(FETCHING); err != nil {
			return err
		}

		fetched, err := service.fetch(ctx, item.Reference, fetchDir, observe)
		if err != nil {
			return err
		}

		item.fetchedPath = fetched
		path = fetched
	}

	if err := item.transition(CONTAINING); err != nil {
		return err
	}

	roots, err := sandbox.CurrentRoots(downloadDir)
	if err != nil {
		return err
	}

	placement, err := service.guard.Contain(path, roots)
	if err != nil {
		return err
	}
	if placement.Relocated {
		item.stagedPath = placement.Path
	}

	// The kind comes from the name the file was referenced by, as the
	// resolved path may be an extensionless symlink target.
	classification, err := media.ClassifyNamed(path, placement.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", sandbox.ErrFileVanished, err)
		}

		return err
	}

	if err := item.transition(CLASSIFIED); err != nil {
		return err
	}

	if classification.Kind == media.Unknown {
		return fmt.Errorf("%w: %s", ErrUnsupportedMediaKind, placement.Path)
	}

	file := &IngestedFile{
		Reference: item.Reference,
		Path:      placement.Path,
		Kind:      classification.Kind,
		SizeBytes: classification.SizeBytes,
		Oversized: classification.Oversized,
		Relocated: placement.Relocated,
	}
	if service.config.SniffContent {
		audit(file)
	}

	if err := item.transition(DONE); err != nil {
		return err
	}

	item.File = file
	return nil
}

// fetch drains a download of the URL provided, notifying the observer (if
// any) after each chunk. The download is abandoned if the context is
// cancelled between chunks.
func (service *Service) fetch(ctx context.Context, rawURL string, destDir string, observe observer) (string, error) {
	download, err := service.fetcher.Open(ctx, rawURL, destDir)
	if err != nil {
		return "", err
	}
	defer download.Close()

	for download.Next() {
		if observe != nil {
			observe(progressEvent(download.Progress()))
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	if err := download.Err(); err != nil {
		return "", err
	}

	if observe != nil {
		progress := download.Progress()
		observe(Event{Kind: PROGRESS_EVENT, Progress: &progress, Message: downloadCompleteMessage})
	}

	return download.Path(), nil
}

// reject marks the item as troubled and removes any file that was
// created on its behalf.
func (service *Service) reject(item *IngestItem, err error) {
	item.Trouble = newTrouble(item.Reference, err)
	item.File = nil
	if item.transition(REJECTED) != nil {
		item.State = REJECTED
	}

	removeCreatedFiles(item)

	status := logger.INFO
	if item.Trouble.IsEnvironmental() {
		status = logger.WARNING
	}
	log.Emit(status, "Rejected %s (%s): %v\n", item, item.Trouble.Type(), err)
}

// removeCreatedFiles removes the files downloaded or copied on behalf of
// the item. Files the user referenced directly are never touched.
func removeCreatedFiles(item *IngestItem) {
	for _, path := range []string{item.fetchedPath, item.stagedPath} {
		if path == "" {
			continue
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Emit(logger.WARNING, "Failed to remove %s for %s: %v\n", path, item, err)
		}
	}
}

// audit sniffs the content of the file and records the detected MIME
// type, warning if it contradicts the extension.
func audit(file *IngestedFile) {
	mime, err := media.Sniff(file.Path)
	if err != nil {
		log.Emit(logger.WARNING, "Content sniff of %s failed: %v\n", file.Path, err)
		return
	}

	file.DetectedMIME = mime
	if media.ContentMismatch(file.Kind, mime) {
		log.Emit(logger.WARNING, "File %s has a %s extension but its content looks like %s\n", file.Path, file.Kind, mime)
	}
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %s has no host", ErrInvalidReference, rawURL)
	}

	return nil
}

// expandDir expands a leading ~ in the directory provided.
func expandDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}

	expanded, err := homedir.Expand(dir)
	if err != nil {
		return "", fmt.Errorf("%w: download directory %s: %v", ErrInvalidReference, dir, err)
	}

	return expanded, nil
}
