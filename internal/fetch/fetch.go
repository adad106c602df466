// Package fetch streams remote media to local storage in bounded chunks,
// allowing the caller to observe progress between each chunk.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"time"

	"github.com/hbomb79/Mirage/pkg/logger"
)

const (
	// ChunkSize is the maximum number of bytes read from the remote
	// resource between progress reports.
	ChunkSize = 256 * 1024

	// DefaultExtension is used for downloads whose URL has no usable
	// file extension.
	DefaultExtension = ".tmp"

	tempPrefix = "mirage-"
)

var (
	log = logger.Get("Fetcher")

	ErrFetchFailed = errors.New("fetch failed")

	extensionMatcher = regexp.MustCompile(`^\.[A-Za-z0-9]{1,16}$`)
)

type (
	Config struct {
		// Timeout bounds the total time spent on a single download,
		// including reading the body. Zero disables the timeout.
		Timeout time.Duration

		// UserAgent is sent with each request if not empty.
		UserAgent string
	}

	// Fetcher downloads remote references. A single Fetcher is safe for
	// concurrent use; each download is written to its own uniquely
	// named temporary file.
	Fetcher struct {
		client    *http.Client
		userAgent string
	}
)

func New(config Config) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: config.Timeout},
		userAgent: config.UserAgent,
	}
}

// NewWithClient returns a Fetcher which issues requests using the client provided.
func NewWithClient(client *http.Client) *Fetcher {
	return &Fetcher{client: client}
}

// Open requests the remote resource and allocates the temp file the
// resource will be written to. No body is read until Next is called on the
// returned Download.
//
// An empty destDir causes the system temp directory to be used; otherwise
// the directory is created if it does not already exist.
//
// Any non-2xx response, or failure to perform the request, is reported as
// ErrFetchFailed and no file is left behind.
func (fetcher *Fetcher) Open(ctx context.Context, rawURL string, destDir string) (*Download, error) {
	if destDir == "" {
		destDir = os.TempDir()
	}

	ext := ExtensionFor(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid request for %s: %v", ErrFetchFailed, rawURL, err)
	}
	if fetcher.userAgent != "" {
		req.Header.Set("User-Agent", fetcher.userAgent)
	}

	log.Emit(logger.DEBUG, "Requesting %s\n", rawURL)
	resp, err := fetcher.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s responded with status %s", ErrFetchFailed, rawURL, resp.Status)
	}

	if err := os.MkdirAll(destDir, os.ModeDir|0o755); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: cannot create download directory %s: %v", ErrFetchFailed, destDir, err)
	}

	file, err := os.CreateTemp(destDir, tempPrefix+"*"+ext)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: cannot allocate temp file in %s: %v", ErrFetchFailed, destDir, err)
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	log.Emit(logger.NEW, "Downloading %s to %s (%d bytes reported)\n", rawURL, file.Name(), total)
	return &Download{
		url:      rawURL,
		body:     resp.Body,
		file:     file,
		buf:      make([]byte, ChunkSize),
		progress: Progress{Total: total, TempPath: file.Name()},
	}, nil
}

// Fetch downloads the remote resource to destDir, calling onProgress (if
// not nil) after each chunk is written. The path of the completed download
// is returned.
func (fetcher *Fetcher) Fetch(ctx context.Context, rawURL string, destDir string, onProgress func(Progress)) (string, error) {
	download, err := fetcher.Open(ctx, rawURL, destDir)
	if err != nil {
		return "", err
	}
	defer download.Close()

	for download.Next() {
		if onProgress != nil {
			onProgress(download.Progress())
		}
	}

	if err := download.Err(); err != nil {
		return "", err
	}

	return download.Path(), nil
}

// ExtensionFor returns the file extension of the URL's path (ignoring any
// query or fragment). If the URL has no usable extension, DefaultExtension
// is returned.
func ExtensionFor(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}

	return ExtensionOf(p)
}

// ExtensionOf returns the extension of the file name provided if it is a
// short alphanumeric suffix, else DefaultExtension.
func ExtensionOf(name string) string {
	ext := path.Ext(name)
	if !extensionMatcher.MatchString(ext) {
		return DefaultExtension
	}

	return ext
}
