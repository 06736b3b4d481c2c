package pipeline

import (
	"sync/atomic"
	"time"
)

// SessionStats tracks session-wide counters with a single-writer,
// many-reader discipline: the pipeline goroutine writes, the reporter
// reads. No package-level state.
type SessionStats struct {
	start    time.Time
	lines    atomic.Uint64
	records  atomic.Uint64
	skipped  atomic.Uint64
	filtered atomic.Uint64
}

// NewSessionStats starts a session clock at now.
func NewSessionStats() *SessionStats {
	return &SessionStats{start: time.Now()}
}

func (s *SessionStats) countLine()   { s.lines.Add(1) }
func (s *SessionStats) countRecord() { s.records.Add(1) }
func (s *SessionStats) countSkip()   { s.skipped.Add(1) }
func (s *SessionStats) countFilter() { s.filtered.Add(1) }

// Lines returns raw lines seen, matched or not.
func (s *SessionStats) Lines() uint64 { return s.lines.Load() }

// Records returns records accepted into aggregation. Records rejected
// by the main filter are not included; see Filtered.
func (s *SessionStats) Records() uint64 { return s.records.Load() }

// Skipped returns lines that failed to match the compiled format.
func (s *SessionStats) Skipped() uint64 { return s.skipped.Load() }

// Filtered returns parsed records rejected by the main filter.
func (s *SessionStats) Filtered() uint64 { return s.filtered.Load() }

// Elapsed returns time since session start.
func (s *SessionStats) Elapsed() time.Duration { return time.Since(s.start) }

// Rate returns accepted records per second since session start.
func (s *SessionStats) Rate() float64 {
	sec := s.Elapsed().Seconds()
	if sec <= 0 {
		return 0
	}
	return float64(s.Records()) / sec
}
