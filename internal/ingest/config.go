package ingest

import "time"

// Config contains configuration options that allow
// customization of how Mirage ingests media references.
type Config struct {
	// Controls the number of references from a single batch that
	// may be processed at once. Each in-flight reference may hold an
	// open download, so this also bounds concurrent network usage.
	FetchParallelism int `yaml:"fetch_parallelism" env:"FETCH_PARALLELISM" env-default:"4"`

	// The directory remote references are downloaded to for the
	// single-reference flow when the request does not specify one. It is
	// also accepted as an allowed root during containment. Empty means
	// the system temp directory.
	DownloadDir string `yaml:"download_dir" env:"DOWNLOAD_DIR"`

	// When enabled, the content of each ingested file is sniffed and any
	// disagreement with the extension based classification is logged. The
	// classification itself is unaffected.
	SniffContent bool `yaml:"sniff_content" env:"SNIFF_CONTENT" env-default:"false"`

	// Bounds the total time spent downloading a single remote reference,
	// so a stalled server cannot hold up a batch forever. Zero disables
	// the timeout.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" env:"FETCH_TIMEOUT_SECONDS" env-default:"300"`
}

func (config *Config) FetchTimeout() time.Duration {
	return time.Duration(config.FetchTimeoutSeconds) * time.Second
}

func (config *Config) parallelism() int {
	if config.FetchParallelism < 1 {
		return 1
	}

	return config.FetchParallelism
}
