package a2a

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/zhengjr9/reka-proxy/internal/reka"
)

// authorizationContextKey is the context key used to propagate the caller's
// Authorization header from the HTTP layer into the agent's Run function.
type authorizationContextKey struct{}

// ContextWithAuthorization returns a new context carrying the caller's
// Authorization header value, verbatim.
// Call this in an HTTP middleware before the request reaches the A2A handler.
func ContextWithAuthorization(ctx context.Context, authorization string) context.Context {
	return context.WithValue(ctx, authorizationContextKey{}, authorization)
}

// authorizationFromContext retrieves the value injected by the HTTP middleware.
// Returns ("", false) when nothing was injected.
func authorizationFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(authorizationContextKey{}).(string)
	return v, ok && v != ""
}

// Opener opens an upstream chat stream. *reka.Client implements it.
type Opener interface {
	Open(ctx context.Context, authorization string, req *reka.ChatRequest) (*reka.Stream, error)
}

// AgentConfig holds the configuration for the Reka-backed A2A agent.
type AgentConfig struct {
	// Name is the agent name exposed via A2A AgentCard.
	Name string
	// Description is exposed via A2A AgentCard.
	Description string
	// Client opens upstream streams.
	Client Opener
	// Authorization is the optional server-side credential. When empty the
	// per-request value taken from the caller's Authorization header is used.
	Authorization string
	// Model is the upstream model name.
	Model string
}

// New returns an agent.Agent whose Run logic streams from the Reka chat API
// and converts each incremental slice into a partial session.Event.
func New(cfg AgentConfig) (agent.Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("a2a agent: Name must not be empty")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("a2a agent: Client must not be nil")
	}
	if cfg.Model == "" {
		cfg.Model = "reka-core"
	}

	return agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		Run:         runFunc(cfg),
	})
}

// runFunc returns the Run closure that drives one agent invocation.
func runFunc(cfg AgentConfig) func(agent.InvocationContext) iter.Seq2[*session.Event, error] {
	return func(ctx agent.InvocationContext) iter.Seq2[*session.Event, error] {
		return func(yield func(*session.Event, error) bool) {
			// Prefer the per-request credential injected by the HTTP
			// middleware; fall back to the configured one.
			authorization, ok := authorizationFromContext(ctx)
			if !ok {
				authorization = cfg.Authorization
			}

			query := extractQuery(ctx.UserContent())
			if query == "" {
				ev := session.NewEvent(ctx.InvocationID())
				ev.Author = cfg.Name
				ev.LLMResponse = model.LLMResponse{
					Content: textContent("(empty input)"),
				}
				yield(ev, nil)
				return
			}

			var fullText strings.Builder
			for delta, err := range streamAnswer(ctx, cfg, authorization, query) {
				if err != nil {
					yield(nil, fmt.Errorf("reka stream error: %w", err))
					return
				}
				fullText.WriteString(delta)

				// Emit a partial event so streaming A2A clients see tokens as they arrive.
				partialEv := session.NewEvent(ctx.InvocationID())
				partialEv.Author = cfg.Name
				partialEv.Branch = ctx.Branch()
				partialEv.LLMResponse = model.LLMResponse{
					Content: textContent(delta),
					Partial: true,
				}
				if !yield(partialEv, nil) {
					return
				}
			}

			// The final non-partial event carries the complete answer so that
			// IsFinalResponse() returns true and the runner closes the invocation.
			finalEv := session.NewEvent(ctx.InvocationID())
			finalEv.Author = cfg.Name
			finalEv.Branch = ctx.Branch()
			finalEv.LLMResponse = model.LLMResponse{
				Content: textContent(fullText.String()),
				Partial: false,
			}
			yield(finalEv, nil)
		}
	}
}

// streamAnswer sends query as a single human turn and yields the non-empty
// incremental slices of the answer.
func streamAnswer(ctx context.Context, cfg AgentConfig, authorization, query string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := &reka.ChatRequest{
			ConversationHistory: []reka.ConversationTurn{{Type: reka.TurnHuman, Text: query}},
			Stream:              true,
			ModelName:           cfg.Model,
			RandomSeed:          time.Now().Unix(),
		}
		stream, err := cfg.Client.Open(ctx, authorization, req)
		if err != nil {
			yield("", fmt.Errorf("reka streaming request failed: %w", err))
			return
		}
		defer stream.Close()

		for delta, err := range reka.Deltas(stream) {
			if err != nil {
				yield("", err)
				return
			}
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

// extractQuery pulls the plain-text content from the genai.Content that ADK
// puts in the InvocationContext when the caller sends a message.
func extractQuery(content *genai.Content) string {
	if content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// textContent wraps a string into a *genai.Content.
func textContent(text string) *genai.Content {
	return &genai.Content{
		Role:  genai.RoleModel,
		Parts: []*genai.Part{{Text: text}},
	}
}
