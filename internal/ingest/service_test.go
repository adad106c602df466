// service_test is responsible for ensuring that media references
// are correctly downloaded, sandboxed and classified. Remote
// references are served by local test servers, and the system temp
// directory is redirected to a per-test directory.
package ingest_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hbomb79/Mirage/internal/fetch"
	"github.com/hbomb79/Mirage/internal/ingest"
	"github.com/hbomb79/Mirage/internal/media"
	"github.com/hbomb79/Mirage/internal/sandbox"
	"github.com/hbomb79/Mirage/pkg/logger"
	"github.com/hbomb79/Mirage/tests/helpers"
	"github.com/hbomb79/go-chanassert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultConfig = ingest.Config{FetchParallelism: 4}

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type failingGuard struct{ err error }

func (guard failingGuard) Contain(string, sandbox.Roots) (sandbox.Placement, error) {
	return sandbox.Placement{}, guard.err
}

func newService(config ingest.Config) *ingest.Service {
	return ingest.NewDefault(config)
}

// serveFiles starts a server which serves the payloads provided, keyed
// by request path. Unknown paths respond with a 404.
func serveFiles(t *testing.T, files map[string][]byte) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func assertContained(t *testing.T, files []ingest.IngestedFile, downloadDir string) {
	roots, err := sandbox.CurrentRoots(downloadDir)
	require.NoError(t, err)

	for _, file := range files {
		assert.True(t, roots.Contains(file.Path), "%s must be contained in %v", file.Path, roots.All())
	}
}

func TestIngestMany_EndToEnd(t *testing.T) {
	temp, outside := helpers.SandboxTempRoot(t)
	png := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 10*1024/4)
	srv := serveFiles(t, map[string][]byte{"/cat.png": png})
	dog := helpers.WriteFile(t, filepath.Join(outside, "local_dog.jpg"), "woof")

	result := newService(defaultConfig).IngestMany(context.Background(), ingest.SourceRequest{
		References: fmt.Sprintf("%s/cat.png, %s", srv.URL, dog),
	})

	require.Len(t, result.Files, 2)
	assert.Empty(t, result.Troubles)
	assertContained(t, result.Files, "")

	cat := result.Files[0]
	assert.Equal(t, media.Image, cat.Kind)
	assert.Equal(t, int64(len(png)), cat.SizeBytes)
	assert.Equal(t, helpers.Resolved(t, temp), filepath.Dir(cat.Path))
	assert.False(t, cat.Relocated)

	relocatedDog := result.Files[1]
	assert.Equal(t, filepath.Join(helpers.Resolved(t, temp), "local_dog.jpg"), relocatedDog.Path)
	assert.True(t, relocatedDog.Relocated)
	assert.FileExists(t, dog, "the original file must not be moved")

	summary := result.Summary()
	assert.True(t, summary.HasImage)
	assert.False(t, summary.HasAudio)
	assert.Equal(t, cat.Path, summary.ImagePreviewPath)
	assert.Empty(t, summary.AudioPreviewPath)
	assert.Equal(t, []string{cat.Path, relocatedDog.Path}, summary.ValidPaths)
}

func TestIngestMany_PartialSuccess(t *testing.T) {
	temp, _ := helpers.SandboxTempRoot(t)
	valid := helpers.WriteFile(t, filepath.Join(temp, "valid.png"), "png")

	down := httptest.NewServer(http.NotFoundHandler())
	badHost := down.URL
	down.Close()

	result := newService(defaultConfig).IngestMany(context.Background(), ingest.SourceRequest{
		References: fmt.Sprintf("%s, %s/x.png, %s", valid, badHost, filepath.Join(temp, "missing.jpg")),
	})

	require.Len(t, result.Files, 1)
	assert.Equal(t, helpers.Resolved(t, valid), result.Files[0].Path)
	assert.Empty(t, result.Troubles, "bad input is not an environmental trouble")
}

func TestIngestMany_DeduplicatesByResolvedPath(t *testing.T) {
	temp, _ := helpers.SandboxTempRoot(t)
	workDir := filepath.Join(temp, "work")
	require.NoError(t, os.Mkdir(workDir, 0o755))
	helpers.WriteFile(t, filepath.Join(workDir, "a.jpg"), "a")
	require.NoError(t, os.Symlink(filepath.Join(workDir, "a.jpg"), filepath.Join(workDir, "alias.jpg")))
	helpers.Chdir(t, workDir)

	result := newService(defaultConfig).IngestMany(context.Background(), ingest.SourceRequest{
		References: "a.jpg, ./a.jpg, alias.jpg",
		Uploads:    []string{filepath.Join(workDir, "a.jpg")},
	})

	require.Len(t, result.Files, 1)
	assert.Equal(t, "a.jpg", result.Files[0].Reference, "first seen reference is kept")
	assert.Equal(t, helpers.Resolved(t, filepath.Join(workDir, "a.jpg")), result.Files[0].Path)
}

func TestIngestMany_PreservesFirstSeenOrder(t *testing.T) {
	helpers.SandboxTempRoot(t)
	names := []string{"c.png", "a.mp3", "b.mp4", "d.wav", "e.gif"}
	_, paths := helpers.TempDirWithFiles(t, names)

	result := newService(ingest.Config{FetchParallelism: 3}).IngestMany(context.Background(), ingest.SourceRequest{
		References: strings.Join(paths, ","),
	})
	require.Len(t, result.Files, len(names))
	for i, name := range names {
		assert.Equal(t, name, filepath.Base(result.Files[i].Path))
		assert.Equal(t, paths[i], result.Files[i].Reference)
	}

	summary := result.Summary()
	assert.Equal(t, "a.mp3", filepath.Base(summary.AudioPreviewPath))
	assert.Equal(t, "c.png", filepath.Base(summary.ImagePreviewPath))
}

func TestIngestMany_SymlinksAreClassifiedByTheirName(t *testing.T) {
	temp, outside := helpers.SandboxTempRoot(t)
	insideBlob := helpers.WriteFile(t, filepath.Join(temp, "3f2a9c"), "png")
	insideLink := filepath.Join(temp, "photo.png")
	require.NoError(t, os.Symlink(insideBlob, insideLink))

	outsideBlob := helpers.WriteFile(t, filepath.Join(outside, "ab12cd"), "jpeg")
	outsideLink := filepath.Join(outside, "cat.jpg")
	require.NoError(t, os.Symlink(outsideBlob, outsideLink))

	result := newService(defaultConfig).IngestMany(context.Background(), ingest.SourceRequest{
		References: insideLink + "," + outsideLink,
	})

	require.Len(t, result.Files, 2)
	assertContained(t, result.Files, "")

	photo := result.Files[0]
	assert.Equal(t, media.Image, photo.Kind)
	assert.Equal(t, helpers.Resolved(t, insideBlob), photo.Path)
	assert.False(t, photo.Relocated)

	cat := result.Files[1]
	assert.Equal(t, media.Image, cat.Kind)
	assert.Equal(t, filepath.Join(helpers.Resolved(t, temp), "cat.jpg"), cat.Path)
	assert.True(t, cat.Relocated)
	assert.NoFileExists(t, filepath.Join(temp, "ab12cd"))
}

func TestIngestMany_ContainmentHoldsForAllInputs(t *testing.T) {
	temp, outside := helpers.SandboxTempRoot(t)
	srv := serveFiles(t, map[string][]byte{"/remote.ogg": []byte("ogg")})
	secret := helpers.WriteFile(t, filepath.Join(outside, "secret.png"), "secret")
	link := filepath.Join(temp, "innocent.png")
	require.NoError(t, os.Symlink(secret, link))

	result := newService(defaultConfig).IngestMany(context.Background(), ingest.SourceRequest{
		References: fmt.Sprintf("%s/remote.ogg,%s", srv.URL, link),
		Uploads: []string{
			helpers.WriteFile(t, filepath.Join(outside, "upload.mov"), "mov"),
			helpers.WriteFile(t, filepath.Join(temp, "inside.flac"), "flac"),
		},
	})

	require.Len(t, result.Files, 4)
	assertContained(t, result.Files, "")
	assert.Equal(t, filepath.Join(helpers.Resolved(t, temp), "secret.png"), result.Files[1].Path, "symlink escapes are relocated")
}

func TestIngestMany_UnsupportedKindIsDroppedAndStagedCopyRemoved(t *testing.T) {
	temp, outside := helpers.SandboxTempRoot(t)
	notes := helpers.WriteFile(t, filepath.Join(outside, "notes.txt"), "hello")

	result := newService(defaultConfig).IngestMany(context.Background(), ingest.SourceRequest{References: notes})
	assert.Empty(t, result.Files)
	assert.Empty(t, result.Troubles)
	assert.NoFileExists(t, filepath.Join(temp, "notes.txt"))
	assert.FileExists(t, notes)
}

func TestIngestMany_EnvironmentalTroublesAreReported(t *testing.T) {
	temp, _ := helpers.SandboxTempRoot(t)
	file := helpers.WriteFile(t, filepath.Join(temp, "a.png"), "a")
	containErr := fmt.Errorf("%w: disk full", sandbox.ErrContainmentFailed)

	service := ingest.New(defaultConfig, fetch.New(fetch.Config{}), failingGuard{err: containErr})
	result := service.IngestMany(context.Background(), ingest.SourceRequest{References: file})

	assert.Empty(t, result.Files)
	require.Len(t, result.Troubles, 1)
	assert.Equal(t, ingest.CONTAINMENT_FAILED, result.Troubles[0].Type())
	assert.Equal(t, file, result.Troubles[0].Reference())
	assert.ErrorIs(t, result.Troubles[0], sandbox.ErrContainmentFailed)
}

func TestIngestMany_EmptyBatchIsNotAnError(t *testing.T) {
	helpers.SandboxTempRoot(t)

	result := newService(defaultConfig).IngestMany(context.Background(), ingest.SourceRequest{References: " , ,"})
	assert.Empty(t, result.Files)
	assert.Empty(t, result.Troubles)
	assert.Empty(t, result.Summary().ValidPaths)
}

func TestIngestMany_SniffRecordsDetectedMIME(t *testing.T) {
	temp, _ := helpers.SandboxTempRoot(t)
	file := helpers.WriteFile(t, filepath.Join(temp, "lies.png"), "this is not a png")

	result := newService(ingest.Config{SniffContent: true}).IngestMany(context.Background(), ingest.SourceRequest{References: file})
	require.Len(t, result.Files, 1)
	assert.Equal(t, media.Image, result.Files[0].Kind, "sniffing never changes the classification")
	assert.Contains(t, result.Files[0].DetectedMIME, "text/plain")
}

func TestIngestSingle_RemoteReferenceStreamsProgress(t *testing.T) {
	helpers.SandboxTempRoot(t)
	payload := bytes.Repeat([]byte{1}, fetch.ChunkSize*2+10)
	srv := serveFiles(t, map[string][]byte{"/clip.mp4": payload})
	downloadDir := filepath.Join(t.TempDir(), "downloads", "nested")

	events := newService(defaultConfig).IngestSingle(context.Background(), ingest.TargetRequest{
		Reference:   srv.URL + "/clip.mp4",
		DownloadDir: downloadDir,
	})

	// The directory is created by the download, so it can only be
	// resolved once the first progress event has arrived.
	first := <-events
	require.Equal(t, ingest.PROGRESS_EVENT, first.Kind)
	resolvedDir := helpers.Resolved(t, downloadDir)

	exp := chanassert.NewChannelExpecter(helpers.Forward(events)).
		Expect(chanassert.ExactlyNOf(1, helpers.MatchIngestProgress(""))).
		Expect(chanassert.ExactlyNOf(1, helpers.MatchIngestProgress("Downloading... 100%"))).
		Expect(chanassert.ExactlyNOf(1, helpers.MatchIngestProgress("Download complete!"))).
		Expect(chanassert.ExactlyNOf(1, chanassert.MatchPredicate(func(event ingest.Event) bool {
			return event.Kind == ingest.DONE_EVENT &&
				event.Message == "Video loaded!" &&
				event.File.Kind == media.Video &&
				event.File.SizeBytes == int64(len(payload)) &&
				filepath.Dir(event.File.Path) == resolvedDir
		})))
	exp.Listen()
	exp.AssertSatisfied(t, 5*time.Second)
}

func TestIngestSingle_NoInput(t *testing.T) {
	events := newService(defaultConfig).IngestSingle(context.Background(), ingest.TargetRequest{Reference: "   "})

	exp := chanassert.NewChannelExpecter(helpers.Forward(events)).
		Expect(chanassert.ExactlyNOf(1, helpers.MatchIngestNoInput()))
	exp.Listen()
	exp.AssertSatisfied(t, time.Second)
}

func TestIngestSingle_UploadTakesPriority(t *testing.T) {
	temp, _ := helpers.SandboxTempRoot(t)
	upload := helpers.WriteFile(t, filepath.Join(temp, "upload.mp3"), "mp3")
	typed := helpers.WriteFile(t, filepath.Join(temp, "typed.png"), "png")

	events := newService(defaultConfig).IngestSingle(context.Background(), ingest.TargetRequest{
		Reference: typed,
		Upload:    upload,
	})

	exp := chanassert.NewChannelExpecter(helpers.Forward(events)).
		Expect(chanassert.ExactlyNOf(1, helpers.MatchIngestDoneAt(helpers.Resolved(t, upload))))
	exp.Listen()
	exp.AssertSatisfied(t, time.Second)
}

func TestIngestSingle_OversizedVideo(t *testing.T) {
	temp, _ := helpers.SandboxTempRoot(t)
	big := filepath.Join(temp, "big.mkv")
	f, err := os.Create(big)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(media.OversizeThreshold+1))
	require.NoError(t, f.Close())

	events := newService(defaultConfig).IngestSingle(context.Background(), ingest.TargetRequest{Reference: big})

	exp := chanassert.NewChannelExpecter(helpers.Forward(events)).
		Expect(chanassert.ExactlyNOf(1, helpers.MatchIngestDone(media.Video, "Video size too large. Showing first frame only.")))
	exp.Listen()
	exp.AssertSatisfied(t, time.Second)
}

func TestIngestSingle_SymlinkIsClassifiedByItsName(t *testing.T) {
	temp, _ := helpers.SandboxTempRoot(t)
	blob := helpers.WriteFile(t, filepath.Join(temp, "9b1e07"), "png")
	link := filepath.Join(temp, "face.png")
	require.NoError(t, os.Symlink(blob, link))

	events := newService(defaultConfig).IngestSingle(context.Background(), ingest.TargetRequest{Reference: link})

	exp := chanassert.NewChannelExpecter(helpers.Forward(events)).
		Expect(chanassert.ExactlyNOf(1, helpers.MatchIngestDoneAt(helpers.Resolved(t, blob))))
	exp.Listen()
	exp.AssertSatisfied(t, time.Second)
}

func TestIngestSingle_Failures(t *testing.T) {
	temp, _ := helpers.SandboxTempRoot(t)
	srv := serveFiles(t, map[string][]byte{})
	text := helpers.WriteFile(t, filepath.Join(temp, "notes.txt"), "notes")

	tests := []struct {
		summary   string
		reference string
		trouble   ingest.TroubleType
		cause     error
	}{
		{"missing local file", filepath.Join(temp, "missing.jpg"), ingest.INVALID_REFERENCE, ingest.ErrLocalMissing},
		{"url without host", "http://", ingest.INVALID_REFERENCE, ingest.ErrInvalidReference},
		{"remote not found", srv.URL + "/missing.png", ingest.FETCH_FAILED, fetch.ErrFetchFailed},
		{"unsupported kind", text, ingest.UNSUPPORTED_MEDIA_KIND, ingest.ErrUnsupportedMediaKind},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			events := newService(defaultConfig).IngestSingle(context.Background(), ingest.TargetRequest{Reference: test.reference})

			exp := chanassert.NewChannelExpecter(helpers.Forward(events)).
				Expect(chanassert.ExactlyNOf(1, chanassert.MatchPredicate(func(event ingest.Event) bool {
					return helpers.MatchIngestInvalid(test.trouble).DoesMatch(event) &&
						errors.Is(event.Trouble, test.cause) &&
						event.Message == event.Trouble.Message()
				})))
			exp.Listen()
			exp.AssertSatisfied(t, 5*time.Second)
		})
	}
}

func TestIngestSingle_StalledServerTimesOut(t *testing.T) {
	helpers.SandboxTempRoot(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	downloadDir := t.TempDir()
	events := newService(ingest.Config{FetchTimeoutSeconds: 1}).IngestSingle(context.Background(), ingest.TargetRequest{
		Reference:   srv.URL + "/stalled.png",
		DownloadDir: downloadDir,
	})

	exp := chanassert.NewChannelExpecter(helpers.Forward(events)).
		Expect(chanassert.ExactlyNOf(1, helpers.MatchIngestInvalid(ingest.FETCH_FAILED)))
	exp.Listen()
	exp.AssertSatisfied(t, 5*time.Second)

	entries, err := os.ReadDir(downloadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngestSingle_UndeliveredCompletionRemovesDownload(t *testing.T) {
	helpers.SandboxTempRoot(t)
	srv := serveFiles(t, map[string][]byte{"/clip.webm": []byte("webm")})
	downloadDir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	events := newService(defaultConfig).IngestSingle(ctx, ingest.TargetRequest{
		Reference:   srv.URL + "/clip.webm",
		DownloadDir: downloadDir,
	})

	for event := range events {
		require.Equal(t, ingest.PROGRESS_EVENT, event.Kind)
		if event.Message == "Download complete!" {
			break
		}
	}

	// The done event is never read, so the download has no owner.
	cancel()
	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(downloadDir)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 10*time.Millisecond, "undelivered download must be removed")

	_, open := <-events
	assert.False(t, open, "abandoned flows emit no terminal event")
}

func TestIngestSingle_AbandonedFlowRemovesPartialDownload(t *testing.T) {
	helpers.SandboxTempRoot(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(fetch.ChunkSize*4))
		w.Write(bytes.Repeat([]byte{1}, fetch.ChunkSize))
		w.(http.Flusher).Flush()

		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	downloadDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	events := newService(defaultConfig).IngestSingle(ctx, ingest.TargetRequest{
		Reference:   srv.URL + "/huge.webm",
		DownloadDir: downloadDir,
	})

	first := <-events
	require.Equal(t, ingest.PROGRESS_EVENT, first.Kind)
	assert.Equal(t, "Downloading... 25%", first.Message)
	assert.FileExists(t, first.Progress.TempPath)

	cancel()
	for event := range events {
		assert.False(t, event.IsTerminal(), "abandoned flows emit no terminal event")
	}

	entries, err := os.ReadDir(downloadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial download must be removed")
}
