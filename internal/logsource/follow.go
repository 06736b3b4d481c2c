package logsource

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultPollInterval bounds how long the follower sleeps when no
	// change notification arrives.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultRetryLimit is how many transient read errors are retried
	// with backoff before the source becomes fatal.
	DefaultRetryLimit = 5

	// DefaultRetryBackoff is the initial backoff between retries; it
	// doubles per attempt.
	DefaultRetryBackoff = 500 * time.Millisecond
)

// FollowConfig holds tunable parameters for a follow source.
type FollowConfig struct {
	// ProcessExisting reads the current file content before waiting
	// for new lines. Default is to seek to the end first.
	ProcessExisting bool
	PollInterval    time.Duration
	BufferSize      int
	RetryLimit      int
	RetryBackoff    time.Duration
}

// FollowSource tails a growing file like `tail -f`: it yields complete
// appended lines indefinitely, reopens from the start when the file is
// truncated, and terminates only on Stop/cancellation or after
// transient read errors exhaust their retry budget.
//
// Waiting for new bytes is a cooperative suspension point: an fsnotify
// write event wakes the follower when the platform supports it, with a
// bounded poll tick as fallback.
type FollowSource struct {
	path   string
	cfg    FollowConfig
	ch     chan string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewFollowSource verifies the file is readable and starts following
// it in a background goroutine.
func NewFollowSource(ctx context.Context, path string, cfg FollowConfig) (*FollowSource, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultLineBuffer
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var offset int64
	if !cfg.ProcessExisting {
		offset, err = f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &FollowSource{
		path:   path,
		cfg:    cfg,
		ch:     make(chan string, cfg.BufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, f, offset)
	return s, nil
}

func (s *FollowSource) run(ctx context.Context, f *os.File, offset int64) {
	defer close(s.done)
	defer close(s.ch)
	defer func() { f.Close() }()

	reader := bufio.NewReaderSize(f, 64*1024)
	var pending strings.Builder
	retries := 0

	// Change notification is best effort; polling covers the rest.
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(s.path); err == nil {
			events = watcher.Events
			watchErrs = watcher.Errors
			defer watcher.Close()
		} else {
			watcher.Close()
		}
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := s.drain(ctx, reader, &pending)
		offset += n
		if err != nil {
			retries++
			if retries > s.cfg.RetryLimit {
				s.err = err
				return
			}
			backoff := s.cfg.RetryBackoff << (retries - 1)
			log.Printf("logsource: read error on %s (attempt %d/%d): %v", s.path, retries, s.cfg.RetryLimit, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		retries = 0

		if !s.wait(ctx, events, watchErrs, ticker.C) {
			return
		}

		if truncated(s.path, offset) {
			nf, err := os.Open(s.path)
			if err != nil {
				continue // next tick retries the reopen
			}
			f.Close()
			f = nf
			offset = 0
			pending.Reset()
			reader.Reset(f)
		}
	}
}

// wait suspends until new bytes may be available: a change event, the
// poll tick, or a watcher error. Watcher errors must be received or
// the watcher's delivery goroutine stalls and wakeups stop; they are
// logged and treated as a wakeup. Returns false when ctx ends.
func (s *FollowSource) wait(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, tick <-chan time.Time) bool {
	select {
	case <-ctx.Done():
		return false
	case <-events:
	case err, ok := <-errs:
		if ok && err != nil {
			log.Printf("logsource: watch error on %s: %v", s.path, err)
		}
	case <-tick:
	}
	return true
}

// drain reads until EOF, emitting complete lines and holding any
// unterminated trailing fragment in pending. Returns bytes consumed.
func (s *FollowSource) drain(ctx context.Context, reader *bufio.Reader, pending *strings.Builder) (int64, error) {
	var consumed int64
	for {
		chunk, err := reader.ReadString('\n')
		consumed += int64(len(chunk))
		if err != nil {
			pending.WriteString(chunk)
			if err == io.EOF {
				return consumed, nil
			}
			return consumed, err
		}
		line := pending.String() + strings.TrimRight(chunk, "\r\n")
		pending.Reset()
		select {
		case s.ch <- line:
		case <-ctx.Done():
			return consumed, nil
		}
	}
}

// truncated reports whether the file shrank below the bytes already
// consumed, which is how log truncation shows up.
func truncated(path string, offset int64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() < offset
}

// Lines returns the line channel. It closes only on Stop, context
// cancellation or a fatal read error.
func (s *FollowSource) Lines() <-chan string { return s.ch }

// Stop cancels the follower and waits for it to exit.
func (s *FollowSource) Stop() {
	s.cancel()
	<-s.done
}

// Err reports the fatal error that closed the source, if any.
func (s *FollowSource) Err() error { return s.err }

func (s *FollowSource) Name() string { return "follow" }
