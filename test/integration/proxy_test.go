package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zhengjr9/reka-proxy/internal/config"
	"github.com/zhengjr9/reka-proxy/internal/metrics"
	"github.com/zhengjr9/reka-proxy/internal/proxy"
	"github.com/zhengjr9/reka-proxy/test/testutil"
)

const testAuthorization = "Bearer test-token-12345"

func newTestProxy(t *testing.T, rekaURL string, connectTimeout time.Duration) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		UpstreamURL:    rekaURL,
		ConnectTimeout: connectTimeout,
		ListenAddr:     ":0",
		DefaultModel:   "reka-core",
		MetricsEnabled: true,
	}
	srv := proxy.New(cfg)
	return httptest.NewServer(srv.Handler())
}

func postChat(t *testing.T, url, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url+"/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", testAuthorization)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// readChunks reads SSE frames until the response ends and decodes each one.
func readChunks(t *testing.T, body io.Reader) []map[string]any {
	t.Helper()
	var chunks []map[string]any
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			t.Fatalf("unexpected SSE line %q", line)
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", payload, err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func chunkContent(chunk map[string]any) string {
	choices, _ := chunk["choices"].([]any)
	if len(choices) == 0 {
		return "<no choices>"
	}
	delta, _ := choices[0].(map[string]any)["delta"].(map[string]any)
	content, ok := delta["content"].(string)
	if !ok {
		return "<missing content>"
	}
	return content
}

// --- OpenAI SSE ---

func TestOpenAI_StreamsDeltas(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLines("Hel", "Hello")...)
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	resp := postChat(t, proxySrv.URL, `{"model":"reka-flash","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if resp.Header.Get("Cache-Control") != "no-cache" || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("headers = %v", resp.Header)
	}

	chunks := readChunks(t, resp.Body)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunkContent(chunks[0]) != "Hel" || chunkContent(chunks[1]) != "lo" {
		t.Errorf("contents = %q, %q", chunkContent(chunks[0]), chunkContent(chunks[1]))
	}
	id, _ := chunks[0]["id"].(string)
	if !strings.HasPrefix(id, "chatcmpl-") || chunks[1]["id"] != id {
		t.Errorf("ids = %v, %v", chunks[0]["id"], chunks[1]["id"])
	}
	for i, c := range chunks {
		if c["object"] != "chat.completion.chunk" || c["model"] != "reka-flash" {
			t.Errorf("chunk %d = %v", i, c)
		}
		choice := c["choices"].([]any)[0].(map[string]any)
		if choice["finish_reason"] != "stop" {
			t.Errorf("chunk %d finish_reason = %v", i, choice["finish_reason"])
		}
		usage, _ := c["usage"].(map[string]any)
		if usage["total_tokens"] != float64(0) {
			t.Errorf("chunk %d usage = %v", i, usage)
		}
	}

	body := mock.LastRequest()
	history, _ := body["conversation_history"].([]any)
	if len(history) != 1 || history[0].(map[string]any)["type"] != "human" || history[0].(map[string]any)["text"] != "hi" {
		t.Errorf("conversation_history = %v", body["conversation_history"])
	}
	if body["model_name"] != "reka-flash" || body["stream"] != true {
		t.Errorf("upstream body = %v", body)
	}
	if auth := mock.LastAuthorization(); len(auth) != 1 || auth[0] != testAuthorization {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestOpenAI_EmptyBodyUsesDefaults(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLines("x")...)
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	resp := postChat(t, proxySrv.URL, `{}`)
	defer resp.Body.Close()
	readChunks(t, resp.Body)

	body := mock.LastRequest()
	history, ok := body["conversation_history"].([]any)
	if !ok || len(history) != 0 {
		t.Errorf("conversation_history = %#v, want []", body["conversation_history"])
	}
	if body["stream"] != true || body["model_name"] != "reka-core" {
		t.Errorf("upstream body = %v", body)
	}
	if body["use_search_engine"] != false || body["use_code_interpreter"] != false {
		t.Errorf("upstream body = %v", body)
	}
}

func TestOpenAI_RepeatedTextSendsEmptyContent(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLines("abc", "abc")...)
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	resp := postChat(t, proxySrv.URL, `{"messages":[{"role":"user","content":"x"}]}`)
	defer resp.Body.Close()

	chunks := readChunks(t, resp.Body)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunkContent(chunks[1]) != "" {
		t.Errorf("second chunk content = %q, want empty string", chunkContent(chunks[1]))
	}
}

func TestOpenAI_MultiTurnRoles(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLines("ok")...)
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	resp := postChat(t, proxySrv.URL, `{"messages":[
		{"role":"system","content":"You are helpful."},
		{"role":"user","content":"What is 2+2?"},
		{"role":"assistant","content":"4"},
		{"role":"user","content":"Why?"}
	]}`)
	defer resp.Body.Close()
	readChunks(t, resp.Body)

	history, _ := mock.LastRequest()["conversation_history"].([]any)
	want := []string{"human", "human", "model", "human"}
	if len(history) != len(want) {
		t.Fatalf("history = %v", history)
	}
	for i, w := range want {
		if got := history[i].(map[string]any)["type"]; got != w {
			t.Errorf("turn %d type = %v, want %s", i, got, w)
		}
	}
}

func TestOpenAI_UpstreamTimeout(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLines("late")...)
	mock.HeaderDelay = 5 * time.Second
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 100*time.Millisecond)
	defer proxySrv.Close()

	before := promtestutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues("timeout"))

	resp := postChat(t, proxySrv.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) != 0 {
		t.Errorf("body = %q, want empty", raw)
	}
	if after := promtestutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues("timeout")); after != before+1 {
		t.Errorf("timeout errors went from %v to %v", before, after)
	}
}

func TestOpenAI_UpstreamNonSuccess(t *testing.T) {
	mock := testutil.NewMockReka()
	mock.Status = http.StatusForbidden
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	resp := postChat(t, proxySrv.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) != 0 {
		t.Errorf("body = %q, want empty", raw)
	}
}

func TestOpenAI_MalformedBody(t *testing.T) {
	mock := testutil.NewMockReka()
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	resp := postChat(t, proxySrv.URL, `{"messages":[`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if mock.Requests() != 0 {
		t.Error("malformed requests must not reach the upstream")
	}
}

func TestOpenAI_DecodeErrorAbortsStream(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLine("Hel"), "", "data: {broken", "", testutil.ModelLine("Hello"))
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	before := promtestutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200"))

	resp := postChat(t, proxySrv.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("response ended cleanly after an upstream decode error: %q", raw)
	}
	chunks := readChunks(t, strings.NewReader(string(raw)))
	if len(chunks) != 1 || chunkContent(chunks[0]) != "Hel" {
		t.Errorf("chunks = %v", chunks)
	}
	if after := promtestutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200")); after != before+1 {
		t.Errorf("aborted request not counted: %v -> %v", before, after)
	}
}

func TestOpenAI_CleanStreamEndsWithoutError(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLines("Hel", "Hello")...)
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	resp := postChat(t, proxySrv.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("clean stream should end without a read error: %v", err)
	}
}

func TestOpenAI_ClientDisconnectClosesUpstream(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLines("Hel")...)
	mock.Hold = true
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, proxySrv.URL+"/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	// Wait for the first chunk so the stream is known to be live.
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "data: ") {
		t.Fatalf("first line = %q, %v", line, err)
	}
	cancel()
	resp.Body.Close()

	select {
	case <-mock.Disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connection was not closed after the client left")
	}
}

func TestOpenAI_Preflight(t *testing.T) {
	mock := testutil.NewMockReka()
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	req, _ := http.NewRequest(http.MethodOptions, proxySrv.URL+"/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" || resp.Header.Get("Access-Control-Allow-Headers") != "*" {
		t.Errorf("CORS headers = %v", resp.Header)
	}
	if mock.Requests() != 0 {
		t.Error("preflight must not reach the upstream")
	}
}

func TestOpenAI_MethodNotAllowed(t *testing.T) {
	mock := testutil.NewMockReka()
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	resp, err := http.Get(proxySrv.URL + "/v1/chat/completions")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

// --- WebSocket ---

func TestWebSocket_StreamsChunks(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLines("Hel", "Hello")...)
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	wsURL := "ws" + strings.TrimPrefix(proxySrv.URL, "http") + "/v1/chat/completions/ws"
	header := http.Header{"Authorization": []string{testAuthorization}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"messages":[{"role":"user","content":"hi"}]}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var contents []string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		var chunk map[string]any
		if err := json.Unmarshal(msg, &chunk); err != nil {
			t.Fatalf("decode %q: %v", msg, err)
		}
		contents = append(contents, chunkContent(chunk))
	}
	if strings.Join(contents, "|") != "Hel|lo" {
		t.Errorf("contents = %q", contents)
	}
	if auth := mock.LastAuthorization(); len(auth) != 1 || auth[0] != testAuthorization {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestWebSocket_MalformedRequest(t *testing.T) {
	mock := testutil.NewMockReka()
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	wsURL := "ws" + strings.TrimPrefix(proxySrv.URL, "http") + "/v1/chat/completions/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Errorf("err = %v, want unsupported-data close", err)
	}
}

// --- Anthropic ---

func TestAnthropic_StreamsEvents(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLines("Hel", "Hello")...)
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	body := `{"model":"reka-flash","max_tokens":64,"system":"Be brief.","messages":[{"role":"user","content":"hi"}]}`
	req, _ := http.NewRequest(http.MethodPost, proxySrv.URL+"/v1/messages", strings.NewReader(body))
	req.Header.Set("Authorization", testAuthorization)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	stream := string(raw)
	for _, event := range []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_stop"} {
		if !strings.Contains(stream, "event: "+event+"\n") {
			t.Errorf("missing %s event in %q", event, stream)
		}
	}
	if !strings.Contains(stream, `"text":"Hel"`) || !strings.Contains(stream, `"text":"lo"`) {
		t.Errorf("deltas missing from %q", stream)
	}

	history, _ := mock.LastRequest()["conversation_history"].([]any)
	if len(history) != 2 || history[0].(map[string]any)["text"] != "Be brief." {
		t.Errorf("conversation_history = %v", history)
	}
}

// --- Gemini ---

func TestGemini_StreamGenerateContent(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLines("Hel", "Hello")...)
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	req, _ := http.NewRequest(http.MethodPost, proxySrv.URL+"/v1beta/models/reka-flash:streamGenerateContent?alt=sse", strings.NewReader(body))
	req.Header.Set("Authorization", testAuthorization)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	stream := string(raw)
	if !strings.Contains(stream, `"text":"Hel"`) || !strings.Contains(stream, `"text":"lo"`) || !strings.Contains(stream, `"finishReason":"STOP"`) {
		t.Errorf("stream = %q", stream)
	}
	if mock.LastRequest()["model_name"] != "reka-flash" {
		t.Errorf("model_name = %v", mock.LastRequest()["model_name"])
	}
}

func TestAnthropicAndGemini_DecodeErrorAbortsStream(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLine("Hel"), "", "data: {broken")
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	for _, path := range []string{"/v1/messages", "/v1beta/models/reka-core:streamGenerateContent"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Post(proxySrv.URL+path, "application/json", strings.NewReader(`{}`))
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			raw, err := io.ReadAll(resp.Body)
			if err == nil {
				t.Fatalf("response ended cleanly after an upstream decode error: %q", raw)
			}
			if strings.Contains(string(raw), "message_stop") || strings.Contains(string(raw), "STOP") {
				t.Errorf("closing events sent after failure: %q", raw)
			}
		})
	}
}

// --- Operational endpoints ---

func TestHealthzAndMetrics(t *testing.T) {
	mock := testutil.NewMockReka(testutil.ModelLines("a")...)
	defer mock.Close()
	proxySrv := newTestProxy(t, mock.URL(), 5*time.Second)
	defer proxySrv.Close()

	resp, err := http.Get(proxySrv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	chat := postChat(t, proxySrv.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	readChunks(t, chat.Body)
	chat.Body.Close()

	resp, err = http.Get(proxySrv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	text := string(raw)
	for _, name := range []string{
		`reka_proxy_http_requests_total{method="POST",path="/v1/chat/completions",status="200"}`,
		`reka_proxy_chunks_total{surface="sse"}`,
		`reka_proxy_upstream_requests_total{outcome="ok"}`,
	} {
		if !strings.Contains(text, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
