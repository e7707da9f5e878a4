package adapter

import (
	"encoding/json"

	"github.com/zhengjr9/reka-proxy/internal/reka"
)

// ChunkWriter receives reframed chunks in emission order. An error means the
// client can no longer be written to and the stream must stop.
type ChunkWriter[T any] interface {
	WriteChunk(chunk T) error
}

// ChunkWriterFunc adapts an ordinary function to ChunkWriter.
type ChunkWriterFunc[T any] func(chunk T) error

func (f ChunkWriterFunc[T]) WriteChunk(chunk T) error { return f(chunk) }

// TurnType maps a chat role to a Reka turn type. Only "assistant" is a
// model turn; every other role, known or not, is human.
func TurnType(role string) string {
	if role == "assistant" {
		return reka.TurnModel
	}
	return reka.TurnHuman
}

// Text is message content decoded best-effort: a plain string is kept as is,
// an array of content parts contributes the text of its text parts, and any
// other JSON value decodes to "".
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Text(s)
		return nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err == nil {
		var text string
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				text += p.Text
			}
		}
		*t = Text(text)
		return nil
	}
	*t = ""
	return nil
}
