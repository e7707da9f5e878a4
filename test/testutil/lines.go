package testutil

import "io"

// Lines is an in-memory line source. After the last line it returns Err, or
// io.EOF when Err is nil.
type Lines struct {
	lines []string
	pos   int

	// Err is returned once the lines are exhausted.
	Err error
	// Reads counts calls to Next.
	Reads int
}

// NewLines returns a source yielding lines in order.
func NewLines(lines ...string) *Lines {
	return &Lines{lines: lines}
}

func (l *Lines) Next() (string, error) {
	l.Reads++
	if l.pos >= len(l.lines) {
		if l.Err != nil {
			return "", l.Err
		}
		return "", io.EOF
	}
	line := l.lines[l.pos]
	l.pos++
	return line, nil
}
