package reka

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"unicode/utf8"

	apierrors "github.com/zhengjr9/reka-proxy/internal/errors"
)

// DecodeLine parses a single upstream SSE line. ok is false for lines that
// carry no event (blank keep-alives and anything not prefixed "data:").
// A data line whose payload is not a valid event is a KindDecode error.
func DecodeLine(line string) (ev Event, ok bool, err error) {
	if strings.TrimSpace(line) == "" {
		return Event{}, false, nil
	}
	rest, found := strings.CutPrefix(line, "data:")
	if !found {
		return Event{}, false, nil
	}
	payload := strings.TrimSpace(rest)

	var w wireEvent
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return Event{}, false, apierrors.New(apierrors.KindDecode, fmt.Errorf("decode %q: %w", truncate(payload, 200), err))
	}
	if w.Type == nil {
		return Event{}, false, apierrors.New(apierrors.KindDecode, fmt.Errorf("event without type: %q", truncate(payload, 200)))
	}
	ev.Type = *w.Type
	if ev.Type == TurnModel {
		if w.Text == nil {
			return Event{}, false, apierrors.New(apierrors.KindDecode, fmt.Errorf("model event without text: %q", truncate(payload, 200)))
		}
		ev.Text = *w.Text
	}
	return ev, true, nil
}

// Cursor tracks how much of the cumulative text has already been emitted.
// The zero value starts at length 0. Lengths are in bytes.
type Cursor struct {
	prev int
}

// Len returns the length of the last cumulative text seen.
func (c *Cursor) Len() int { return c.prev }

// Advance returns the part of text not yet emitted and moves the cursor to
// len(text). A text shorter than the previous one yields "" and becomes the
// new baseline.
//
// The cursor assumes upstream only appends to the text. If an earlier part
// was rewritten with runes of a different width, the old byte offset may
// land inside a multi-byte rune and the delta then starts with a stray
// continuation byte.
func (c *Cursor) Advance(text string) string {
	var delta string
	if len(text) >= c.prev {
		if c.prev < len(text) && !utf8.RuneStart(text[c.prev]) {
			slog.Debug("cursor inside multi-byte rune", "offset", c.prev, "length", len(text))
		}
		delta = text[c.prev:]
	} else {
		slog.Debug("cumulative text shrank", "previous_length", c.prev, "length", len(text))
	}
	c.prev = len(text)
	return delta
}

// Deltas reads src to the end and yields one delta per model event, in
// arrival order. Empty deltas are yielded too. The sequence stops at the
// first error, which is yielded once; io.EOF ends it silently. No further
// lines are read once the consumer stops iterating.
func Deltas(src LineSource) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var cur Cursor
		for {
			line, err := src.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield("", err)
				}
				return
			}
			ev, ok, err := DecodeLine(line)
			if err != nil {
				yield("", err)
				return
			}
			if !ok || ev.Type != TurnModel {
				continue
			}
			if !yield(cur.Advance(ev.Text), nil) {
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
