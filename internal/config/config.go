package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values.
const (
	// DefaultWorkers is the fan-in worker pool size.
	DefaultWorkers = 4

	// DefaultQueueCapacity bounds each fan-in queue. It caps the memory a
	// fast producer can pin while the consumer lags behind.
	DefaultQueueCapacity = 1000

	// DefaultCompletionTimeout bounds how long a merge waits for workers
	// that stopped producing but never returned.
	DefaultCompletionTimeout = 10 * time.Minute

	// DefaultPollInterval is the longest single wait of the queue strategy
	// before it rescans the worker queues.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultBatchSize is the number of definitions run at once.
	DefaultBatchSize = 4

	// AppName is the application name used for XDG directory paths.
	AppName = "pipechain"
)

// Config holds all configuration options for a pipechain invocation.
// It is populated from CLI flags and passed through the application
// explicitly.
type Config struct {
	// Definitions are the pipeline definition files to run.
	Definitions []string

	// Engine holds the default execution tunables. Definitions override them.
	Engine Engine

	// MaxItems stops each run after this many items. Zero means no limit.
	MaxItems int

	// StopOnError ends a run on the first stage error instead of reporting
	// it and continuing.
	StopOnError bool

	// BatchSize is the number of definitions run concurrently.
	BatchSize int

	// Verbose enables detailed log output using slog.LevelDebug.
	// When false, only warnings and errors are logged.
	Verbose bool

	// JSONReport switches the run summary from plain text to JSON.
	JSONReport bool

	// MarkdownReport switches the run summary from plain text to
	// GitHub Flavored Markdown.
	MarkdownReport bool

	// PrintItems writes every item to stdout as it is produced.
	PrintItems bool

	// ReportFile is the output file path for the summary.
	// When empty, the summary is written to stdout.
	ReportFile string

	// DBDir is the directory holding the run history database.
	// Defaults to the XDG data directory (~/.local/share/pipechain on Linux).
	DBDir string

	// SaveToDB records every run in the history database.
	SaveToDB bool
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		Engine:    NewEngine(),
		BatchSize: DefaultBatchSize,
		DBDir:     XDGDataDir(),
		SaveToDB:  true,
	}
}

// XDGDataDir returns the XDG data directory for pipechain.
// On Linux: ~/.local/share/pipechain
// On macOS: ~/Library/Application Support/pipechain
// On Windows: %LOCALAPPDATA%\pipechain
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for pipechain.
// On Linux: ~/.config/pipechain
// On macOS: ~/Library/Application Support/pipechain
// On Windows: %APPDATA%\pipechain
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Validate checks if the configuration is valid.
// It returns the first problem found as one of the sentinel errors.
func (c *Config) Validate() error {
	if len(c.Definitions) == 0 {
		return ErrNoDefinition
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if c.MaxItems < 0 {
		return ErrInvalidMaxItems
	}
	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.JSONReport && c.MarkdownReport {
		return ErrConflictingFormats
	}
	return nil
}
