package anthropic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/zhengjr9/reka-proxy/internal/adapter"
	apierrors "github.com/zhengjr9/reka-proxy/internal/errors"
	"github.com/zhengjr9/reka-proxy/internal/httputil"
	"github.com/zhengjr9/reka-proxy/internal/metrics"
	"github.com/zhengjr9/reka-proxy/internal/reka"
)

// DecodeRequest reads an Anthropic Messages body. An empty body is treated
// as "{}".
func DecodeRequest(body io.Reader) (MessagesRequest, error) {
	var req MessagesRequest
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

// ToRekaRequest converts an Anthropic Messages request to a Reka ChatRequest.
// A system prompt becomes a leading human turn.
func ToRekaRequest(req MessagesRequest, defaultModel string, seed int64) *reka.ChatRequest {
	history := make([]reka.ConversationTurn, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(string(req.System)); system != "" {
		history = append(history, reka.ConversationTurn{Type: reka.TurnHuman, Text: system})
	}
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

	return &reka.ChatRequest{
		ConversationHistory: history,
		Stream:              stream,
		ModelName:           model,
		RandomSeed:          seed,
	}
}

// NewMessageID returns an Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WriteStreamingResponse commits a 200 SSE response and relays src as
// Anthropic stream events. SSE headers must already be set. The closing
// events are only sent when the upstream stream ends cleanly.
func WriteStreamingResponse(w http.ResponseWriter, src reka.LineSource, model, id string) (int, error) {
	w.WriteHeader(http.StatusOK)
	ew := httputil.NewEventWriter(w)

	start := MessageStart{
		Type: "message_start",
		Message: MessageInfo{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []Content{},
		},
	}
	if err := writeSSEEvent(ew, "message_start", start); err != nil {
		return 0, err
	}
	blockStart := StreamEvent{Type: "content_block_start", Index: 0, ContentBlock: &Content{Type: "text"}}
	if err := writeSSEEvent(ew, "content_block_start", blockStart); err != nil {
		return 0, err
	}

	n := 0
	for text, err := range reka.Deltas(src) {
		if err != nil {
			return n, err
		}
		delta := StreamEvent{
			Type:  "content_block_delta",
			Index: 0,
			Delta: &Delta{Type: "text_delta", Text: text},
		}
		if err := writeSSEEvent(ew, "content_block_delta", delta); err != nil {
			return n, err
		}
		metrics.ChunksTotal.WithLabelValues("anthropic").Inc()
		n++
	}

	if err := writeSSEEvent(ew, "content_block_stop", StreamEvent{Type: "content_block_stop", Index: 0}); err != nil {
		return n, err
	}
	if err := writeSSEEvent(ew, "message_stop", map[string]any{"type": "message_stop"}); err != nil {
		return n, err
	}
	return n, nil
}

func writeSSEEvent(ew *httputil.EventWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event, err)
	}
	if err := ew.WriteEvent(event, data); err != nil {
		return fmt.Errorf("%w: %w", apierrors.ErrClientWrite, err)
	}
	return nil
}
