package logsource

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
)

// FileSource reads a file from start to its current end, then closes
// the line channel. It keeps no offset state between instances, so a
// new FileSource over the same path restarts from the beginning.
type FileSource struct {
	ch     chan string
	cancel context.CancelFunc
	err    error
	done   chan struct{}
}

// NewFileSource opens path and starts reading in a background
// goroutine. Open errors surface immediately: a missing batch input is
// a configuration problem, not a runtime skip.
func NewFileSource(ctx context.Context, path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &FileSource{
		ch:     make(chan string, DefaultLineBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.read(ctx, f)
	return s, nil
}

func (s *FileSource) read(ctx context.Context, f *os.File) {
	defer close(s.done)
	defer close(s.ch)
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.err = err
			}
			// A trailing fragment without a terminator is held, not
			// yielded; in batch mode it can never complete.
			return
		}
		select {
		case s.ch <- strings.TrimRight(line, "\r\n"):
		case <-ctx.Done():
			return
		}
	}
}

// Lines returns the line channel; it closes at end-of-file.
func (s *FileSource) Lines() <-chan string { return s.ch }

// Stop cancels the read and waits for the goroutine to exit.
func (s *FileSource) Stop() {
	s.cancel()
	<-s.done
}

// Err reports a read error, if any, once Lines has closed.
func (s *FileSource) Err() error { return s.err }

func (s *FileSource) Name() string { return "file" }
