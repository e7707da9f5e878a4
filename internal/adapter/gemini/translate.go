package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apierrors "github.com/zhengjr9/reka-proxy/internal/errors"
	"github.com/zhengjr9/reka-proxy/internal/httputil"
	"github.com/zhengjr9/reka-proxy/internal/metrics"
	"github.com/zhengjr9/reka-proxy/internal/reka"
)

// DecodeRequest reads a Gemini request body. An empty body is treated as "{}".
func DecodeRequest(body io.Reader) (GenerateContentRequest, error) {
	var req GenerateContentRequest
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

// ToRekaRequest converts a Gemini request to a Reka ChatRequest. Gemini
// already uses "model" for assistant turns; every other role is human. A
// system instruction becomes a leading human turn. Gemini requests are
// always streamed.
func ToRekaRequest(req GenerateContentRequest, model string, seed int64) *reka.ChatRequest {
	history := make([]reka.ConversationTurn, 0, len(req.Contents)+1)
	if req.SystemInstruction != nil {
		if system := strings.TrimSpace(joinParts(req.SystemInstruction.Parts)); system != "" {
			history = append(history, reka.ConversationTurn{Type: reka.TurnHuman, Text: system})
		}
	}
	for _, c := range req.Contents {
		turn := reka.TurnHuman
		if c.Role == reka.TurnModel {
			turn = reka.TurnModel
		}
		history = append(history, reka.ConversationTurn{Type: turn, Text: joinParts(c.Parts)})
	}

	return &reka.ChatRequest{
		ConversationHistory: history,
		Stream:              true,
		ModelName:           model,
		RandomSeed:          seed,
	}
}

func joinParts(parts []Part) string {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// WriteStreamingResponse commits a 200 SSE response and relays src as Gemini
// stream payloads, one per upstream model event. After a clean end a last
// empty candidate carries finishReason STOP and the usage block.
func WriteStreamingResponse(w http.ResponseWriter, src reka.LineSource, model string) (int, error) {
	w.WriteHeader(http.StatusOK)
	ew := httputil.NewEventWriter(w)

	n := 0
	for text, err := range reka.Deltas(src) {
		if err != nil {
			return n, err
		}
		chunk := StreamResponse{
			Candidates:   []Candidate{{Content: Content{Role: "model", Parts: []Part{{Text: text}}}}},
			ModelVersion: model,
		}
		if err := writeChunk(ew, chunk); err != nil {
			return n, err
		}
		metrics.ChunksTotal.WithLabelValues("gemini").Inc()
		n++
	}

	final := StreamResponse{
		Candidates: []Candidate{{
			Content:      Content{Role: "model", Parts: []Part{{Text: ""}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &UsageMetadata{},
		ModelVersion:  model,
	}
	return n, writeChunk(ew, final)
}

func writeChunk(ew *httputil.EventWriter, chunk StreamResponse) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if err := ew.WriteData(data); err != nil {
		return fmt.Errorf("%w: %w", apierrors.ErrClientWrite, err)
	}
	return nil
}
