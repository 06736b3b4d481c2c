// Package logsource produces streams of raw log lines from files and
// stdin, in batch and follow flavors.
package logsource

// LogSource is the unified interface for all line inputs (batch file,
// followed file, stdin). The channel closes when the source ends:
// end-of-file in batch mode, cancellation or a fatal read error in
// follow mode.
type LogSource interface {
	Lines() <-chan string // read-only channel of raw lines
	Stop()                // graceful shutdown
	Name() string         // "file", "follow", "stdin"
}

const (
	// DefaultLineBuffer is the default channel buffer size.
	DefaultLineBuffer = 10_000

	// DefaultMaxLineSize is the maximum size in bytes of a single line.
	DefaultMaxLineSize = 1024 * 1024
)
