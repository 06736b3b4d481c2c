package logsource

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"os"
)

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	BufferSize  int
	MaxLineSize int
}

// StdinSource reads log lines from a continuous input stream,
// typically a pipe on stdin.
type StdinSource struct {
	ch     chan string
	cancel context.CancelFunc
}

// NewStdinSource creates a StdinSource reading os.Stdin in a
// background goroutine.
func NewStdinSource(ctx context.Context, conf ...StdinConfig) *StdinSource {
	return newReaderSource(ctx, os.Stdin, conf...)
}

func newReaderSource(ctx context.Context, r io.Reader, conf ...StdinConfig) *StdinSource {
	bufferSize := DefaultLineBuffer
	maxLineSize := DefaultMaxLineSize
	if len(conf) > 0 {
		if conf[0].BufferSize > 0 {
			bufferSize = conf[0].BufferSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &StdinSource{
		ch:     make(chan string, bufferSize),
		cancel: cancel,
	}
	go s.read(ctx, r, maxLineSize)
	return s
}

func (s *StdinSource) read(ctx context.Context, r io.Reader, maxLineSize int) {
	defer close(s.ch)

	scanner := bufio.NewScanner(r)
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		select {
		case s.ch <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			log.Printf("logsource: stdin line exceeded max size (%d bytes), stopping stdin source", maxLineSize)
			return
		}
		log.Printf("logsource: stdin scanner error: %v", err)
	}
}

func (s *StdinSource) Lines() <-chan string { return s.ch }
func (s *StdinSource) Stop()                { s.cancel() }
func (s *StdinSource) Name() string         { return "stdin" }
