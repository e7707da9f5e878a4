package reka

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// LineSource yields raw upstream lines one at a time. Next returns io.EOF
// once the source is exhausted.
type LineSource interface {
	Next() (string, error)
}

// Stream is the body of an upstream response read line by line. It is
// forward-only and cannot be restarted.
type Stream struct {
	body      io.ReadCloser
	r         *bufio.Reader
	closeOnce sync.Once
	closeErr  error
}

func newStream(body io.ReadCloser) *Stream {
	// bufio.Reader rather than bufio.Scanner: cumulative text lines grow
	// without bound and would overflow the scanner's token limit.
	return &Stream{body: body, r: bufio.NewReader(body)}
}

// Next blocks until a full line is available and returns it without the
// line terminator.
func (s *Stream) Next() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if line == "" {
				return "", io.EOF
			}
			// Final line without a trailing newline.
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", Classify(fmt.Errorf("read reka stream: %w", err))
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
