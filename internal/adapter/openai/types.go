package openai

import "github.com/zhengjr9/reka-proxy/internal/adapter"

// ChatCompletionRequest mirrors the OpenAI chat completions request body.
// Only the fields the proxy forwards are decoded.
type ChatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	// Stream is a pointer so an absent field can default to true.
	Stream *bool `json:"stream"`
}

// Message is a single chat message.
type Message struct {
	Role    string       `json:"role"`
	Content adapter.Text `json:"content"`
}

// StreamChunk is one SSE data object in OpenAI streaming format.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
}

// StreamChoice is a single choice delta in a stream chunk.
type StreamChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

// Delta carries incremental content in a stream chunk. Content is always
// serialized, even when empty.
type Delta struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is reported as zeros; token accounting is not performed.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
