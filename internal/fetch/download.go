package fetch

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hbomb79/Mirage/pkg/logger"
)

// Progress is a snapshot of an in-flight download.
type Progress struct {
	Downloaded int64
	// Total is zero when the server did not report a content length.
	Total    int64
	TempPath string
}

// Percent returns the completion percentage if the total size of the
// download is known.
func (p Progress) Percent() (int, bool) {
	if p.Total <= 0 {
		return 0, false
	}

	return int(p.Downloaded * 100 / p.Total), true
}

func (p Progress) String() string {
	if pct, ok := p.Percent(); ok {
		return fmt.Sprintf("Downloading... %d%%", pct)
	}

	return fmt.Sprintf("Downloaded bytes: %d", p.Downloaded)
}

// Download is a lazy, finite sequence of chunk writes. Each call to Next
// reads and writes at most ChunkSize bytes. Once Next returns false the
// download has terminated and either Path or Err describes the outcome.
//
// Close must always be called. Closing a download that has not completed
// successfully deletes its temp file.
type Download struct {
	url      string
	body     io.ReadCloser
	file     *os.File
	buf      []byte
	progress Progress

	sawEOF    bool
	finished  bool
	completed bool
	closed    bool
	err       error
}

// Next reads the next chunk of the download and writes it to the temp
// file. It returns true if a chunk was written, in which case Progress
// reflects the new state. It returns false once the download has
// finished, successfully or otherwise.
func (download *Download) Next() bool {
	if download.finished {
		return false
	}

	if download.sawEOF {
		download.complete()
		return false
	}

	n, err := io.ReadFull(download.body, download.buf)
	if n > 0 {
		if _, werr := download.file.Write(download.buf[:n]); werr != nil {
			download.fail(werr)
			return false
		}

		download.progress.Downloaded += int64(n)
	}

	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		if n > 0 {
			download.sawEOF = true
			return true
		}

		download.complete()
		return false
	default:
		download.fail(err)
		return false
	}
}

// Progress returns the current progress of the download.
func (download *Download) Progress() Progress {
	return download.progress
}

// Path returns the path of the completed download. Empty unless the
// download has completed successfully.
func (download *Download) Path() string {
	if !download.completed {
		return ""
	}

	return download.progress.TempPath
}

// Err returns the error which terminated the download, if any.
func (download *Download) Err() error {
	return download.err
}

// Close releases the network connection and, unless the download
// completed successfully, removes the temp file. Safe to call more than once.
func (download *Download) Close() error {
	if download.closed {
		return nil
	}
	download.closed = true

	download.body.Close()
	if download.completed {
		return nil
	}

	download.finished = true
	download.file.Close()
	if err := os.Remove(download.progress.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	log.Emit(logger.REMOVE, "Discarded incomplete download %s\n", download.progress.TempPath)
	return nil
}

func (download *Download) complete() {
	download.finished = true
	if total := download.progress.Total; total > 0 && download.progress.Downloaded != total {
		download.fail(fmt.Errorf("expected %d bytes but received %d", total, download.progress.Downloaded))
		return
	}

	if err := download.file.Close(); err != nil {
		download.fail(err)
		return
	}

	download.completed = true
	log.Emit(logger.SUCCESS, "Downloaded %s (%d bytes) to %s\n", download.url, download.progress.Downloaded, download.progress.TempPath)
}

func (download *Download) fail(cause error) {
	download.finished = true
	download.err = fmt.Errorf("%w: %s: %v", ErrFetchFailed, download.url, cause)
	log.Emit(logger.WARNING, "Download of %s failed: %v\n", download.url, cause)

	download.file.Close()
	os.Remove(download.progress.TempPath)
}
