// Package transport moves newline-delimited lines between the client and a
// codex app-server, either over arbitrary streams or over the stdio of a
// spawned child process.
package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
)

var (
	// ErrClosed is returned when writing to a transport whose input side
	// has already been closed.
	ErrClosed = errors.New("transport closed")

	// ErrStreamClosed is returned by ReadLine once the peer's output has
	// reached end of stream.
	ErrStreamClosed = errors.New("stream closed")
)

// Conn is a bidirectional line transport. ReadLine is called from a single
// goroutine; WriteLine may be called concurrently.
type Conn interface {
	// ReadLine returns the next non-blank line without its terminator.
	ReadLine() ([]byte, error)
	// WriteLine writes line followed by a newline as one unit.
	WriteLine(line []byte) error
	// Close closes the input side of the peer and releases resources.
	Close() error
}

// Stream is a Conn over a reader and a writer.
type Stream struct {
	reader *bufio.Reader
	rc     io.Closer

	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

// NewStream returns a Conn reading lines from r and writing lines to w.
// If r is also an io.Closer it is closed by Close.
func NewStream(r io.Reader, w io.WriteCloser) *Stream {
	s := &Stream{
		reader: bufio.NewReaderSize(r, 64*1024),
		w:      w,
	}
	if rc, ok := r.(io.Closer); ok {
		s.rc = rc
	}
	return s
}

// ReadLine skips blank lines. A final line without a newline is still
// returned; the call after it reports ErrStreamClosed.
func (s *Stream) ReadLine() ([]byte, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			return trimmed, nil
		}
		if err != nil {
			if isClosedErr(err) {
				return nil, ErrStreamClosed
			}
			return nil, fmt.Errorf("failed to read line: %w", err)
		}
	}
}

// WriteLine writes line plus a newline under a mutex so concurrent writers
// never interleave.
func (s *Stream) WriteLine(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := s.w.Write(buf); err != nil {
		if isClosedErr(err) {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return fmt.Errorf("failed to write line: %w", err)
	}
	if f, ok := s.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush line: %w", err)
		}
	}
	return nil
}

// Close closes the writer, then the reader if it is closable. It is safe to
// call more than once.
func (s *Stream) Close() error {
	err := s.closeInput()
	if s.rc != nil {
		if rerr := s.rc.Close(); rerr != nil && err == nil && !isClosedErr(rerr) {
			err = rerr
		}
	}
	return err
}

// closeInput closes only the writer, which the peer sees as end of input.
func (s *Stream) closeInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Close(); err != nil && !isClosedErr(err) {
		return err
	}
	return nil
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE)
}
