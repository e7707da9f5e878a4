package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockReka is an httptest.Server that simulates the Reka /api/chat endpoint.
type MockReka struct {
	Server *httptest.Server

	// Lines are written verbatim, one per write, each followed by "\n" and a flush.
	Lines []string
	// HeaderDelay postpones the response headers. The handler returns early
	// if the client gives up first.
	HeaderDelay time.Duration
	// Status, when set to a non-2xx code, is returned instead of a stream.
	Status int
	// Hold keeps the response open after Lines until the client goes away.
	Hold bool

	// Disconnected is closed once a held stream observes the client leaving.
	Disconnected chan struct{}

	mu          sync.Mutex
	lastRequest map[string]any
	lastAuth    []string
	requests    int
	once        sync.Once
}

// NewMockReka creates and starts a mock Reka server that streams lines.
func NewMockReka(lines ...string) *MockReka {
	m := &MockReka{
		Lines:        lines,
		Disconnected: make(chan struct{}),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// Close shuts down the mock server.
func (m *MockReka) Close() {
	m.Server.Close()
}

// URL returns the base URL of the mock server.
func (m *MockReka) URL() string {
	return m.Server.URL
}

// LastRequest returns the most recent request body parsed.
func (m *MockReka) LastRequest() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// LastAuthorization returns the Authorization header values of the most
// recent request; a nil slice means the header was not sent at all.
func (m *MockReka) LastAuthorization() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuth
}

// Requests returns how many chat requests were received.
func (m *MockReka) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *MockReka) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.lastRequest = body
	m.lastAuth = r.Header.Values("Authorization")
	m.requests++
	m.mu.Unlock()

	if m.HeaderDelay > 0 {
		select {
		case <-time.After(m.HeaderDelay):
		case <-r.Context().Done():
			return
		}
	}

	if m.Status != 0 && (m.Status < 200 || m.Status >= 300) {
		http.Error(w, `{"error":"upstream says no"}`, m.Status)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, hasFlusher := w.(http.Flusher)
	if hasFlusher {
		flusher.Flush()
	}

	for _, line := range m.Lines {
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return
		}
		if hasFlusher {
			flusher.Flush()
		}
	}

	if m.Hold {
		<-r.Context().Done()
		m.once.Do(func() { close(m.Disconnected) })
	}
}

// ModelLines renders cumulative texts as upstream SSE "model" events, each
// followed by the blank separator line.
func ModelLines(texts ...string) []string {
	lines := make([]string, 0, 2*len(texts))
	for _, text := range texts {
		lines = append(lines, ModelLine(text), "")
	}
	return lines
}

// ModelLine renders one cumulative text as an upstream SSE data line.
func ModelLine(text string) string {
	data, _ := json.Marshal(map[string]string{"type": "model", "text": text})
	return "data: " + string(data)
}
