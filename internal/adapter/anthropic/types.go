package anthropic

import "github.com/zhengjr9/reka-proxy/internal/adapter"

// MessagesRequest mirrors the Anthropic Messages API request body.
type MessagesRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []Message    `json:"messages"`
	System    adapter.Text `json:"system,omitempty"`
	Stream    *bool        `json:"stream"`
}

// Message is a single Anthropic chat message.
type Message struct {
	Role    string       `json:"role"`
	Content adapter.Text `json:"content"`
}

// MessageStart is the payload of the message_start event.
type MessageStart struct {
	Type    string      `json:"type"`
	Message MessageInfo `json:"message"`
}

// MessageInfo describes the message being streamed.
type MessageInfo struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Role    string    `json:"role"`
	Model   string    `json:"model"`
	Content []Content `json:"content"`
	Usage   Usage     `json:"usage"`
}

// Content is a content block.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Usage carries token counts. They are always zero.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent represents one Anthropic SSE event.
type StreamEvent struct {
	Type         string   `json:"type"`
	Index        int      `json:"index"`
	ContentBlock *Content `json:"content_block,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
}

// Delta carries incremental content in a stream event.
type Delta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
