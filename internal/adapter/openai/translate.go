package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/zhengjr9/reka-proxy/internal/adapter"
	apierrors "github.com/zhengjr9/reka-proxy/internal/errors"
	"github.com/zhengjr9/reka-proxy/internal/httputil"
	"github.com/zhengjr9/reka-proxy/internal/metrics"
	"github.com/zhengjr9/reka-proxy/internal/reka"
)

// DefaultModel is used when neither the request nor the configuration
// names a model.
const DefaultModel = "reka-core"

// finishReason is attached to every chunk, not only the last one.
// Existing clients of this endpoint rely on that shape.
const finishReason = "stop"

// DecodeRequest reads an OpenAI chat completions body. An empty body is
// treated as "{}"; invalid JSON wraps apierrors.ErrMalformedBody.
func DecodeRequest(body io.Reader) (ChatCompletionRequest, error) {
	var req ChatCompletionRequest
	raw, err := io.ReadAll(body)
	if err != nil {
		return req, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("%w: %v", apierrors.ErrMalformedBody, err)
	}
	return req, nil
}

// ToRekaRequest converts an OpenAI chat completions request to a Reka
// ChatRequest. It has no side effects; seed is supplied by the caller.
func ToRekaRequest(req ChatCompletionRequest, defaultModel string, seed int64) *reka.ChatRequest {
	history := make([]reka.ConversationTurn, 0, len(req.Messages))
	for _, m := range req.Messages {
		history = append(history, reka.ConversationTurn{
			Type: adapter.TurnType(m.Role),
			Text: string(m.Content),
		})
	}

	stream := true
	if req.Stream != nil {
		stream = *req.Stream
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}
	if model == "" {
		model = DefaultModel
	}

	return &reka.ChatRequest{
		ConversationHistory: history,
		Stream:              stream,
		UseSearchEngine:     false,
		UseCodeInterpreter:  false,
		ModelName:           model,
		RandomSeed:          seed,
	}
}

// NewChunkID returns an id shared by all chunks of one response.
func NewChunkID() string {
	return "chatcmpl-" + uuid.NewString()
}

// Reframer turns upstream deltas into OpenAI stream chunks.
type Reframer struct {
	id    string
	model string
	now   func() time.Time
}

// NewReframer returns a Reframer stamping chunks with id and model.
func NewReframer(id, model string) *Reframer {
	return &Reframer{id: id, model: model, now: time.Now}
}

// Chunk wraps delta in a chat.completion.chunk object.
func (rf *Reframer) Chunk(delta string) *StreamChunk {
	return &StreamChunk{
		ID:      rf.id,
		Object:  "chat.completion.chunk",
		Created: rf.now().Unix(),
		Model:   rf.model,
		Choices: []StreamChoice{
			{
				Index:        0,
				Delta:        Delta{Role: "assistant", Content: delta},
				FinishReason: finishReason,
			},
		},
	}
}

// Run relays src to sink one chunk per upstream model event. Each chunk is
// written before the next line is read. It returns the number of chunks
// written and the first error: upstream errors as-is, sink errors wrapped
// with apierrors.ErrClientWrite.
func (rf *Reframer) Run(src reka.LineSource, sink adapter.ChunkWriter[*StreamChunk]) (int, error) {
	n := 0
	for delta, err := range reka.Deltas(src) {
		if err != nil {
			return n, err
		}
		if err := sink.WriteChunk(rf.Chunk(delta)); err != nil {
			return n, fmt.Errorf("%w: %w", apierrors.ErrClientWrite, err)
		}
		n++
	}
	return n, nil
}

// MarshalChunk encodes a chunk without HTML escaping.
func MarshalChunk(chunk *StreamChunk) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(chunk); err != nil {
		return nil, fmt.Errorf("marshal chunk: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// sseChunkWriter writes each chunk as one flushed SSE data frame.
type sseChunkWriter struct {
	ew *httputil.EventWriter
}

func (s sseChunkWriter) WriteChunk(chunk *StreamChunk) error {
	data, err := MarshalChunk(chunk)
	if err != nil {
		return err
	}
	if err := s.ew.WriteData(data); err != nil {
		return err
	}
	metrics.ChunksTotal.WithLabelValues("sse").Inc()
	return nil
}

// WriteStreamingResponse commits a 200 SSE response and relays src as
// OpenAI chunks. SSE headers must already be set. No terminator frame is
// sent: the end of the response marks the end of the stream.
func WriteStreamingResponse(w http.ResponseWriter, src reka.LineSource, model, id string) (int, error) {
	w.WriteHeader(http.StatusOK)
	ew := httputil.NewEventWriter(w)
	if err := ew.Flush(); err != nil {
		return 0, fmt.Errorf("%w: %w", apierrors.ErrClientWrite, err)
	}
	return NewReframer(id, model).Run(src, sseChunkWriter{ew: ew})
}
