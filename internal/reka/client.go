package reka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	apierrors "github.com/zhengjr9/reka-proxy/internal/errors"
	"github.com/zhengjr9/reka-proxy/internal/metrics"
)

// DefaultChatURL is the public Reka chat endpoint.
const DefaultChatURL = "https://chat.reka.ai/api/chat"

// Client opens streaming chat requests against a Reka instance.
type Client struct {
	// chatURL is the full URL of the chat endpoint. If the configured URL does
	// not already end with "/api/chat" the suffix is appended, so callers can
	// pass either a bare host or the full URL.
	chatURL    string
	httpClient *http.Client
}

// NewClient constructs a Client. connectTimeout bounds dialing, the TLS
// handshake and the wait for response headers; once the body starts
// streaming there is no deadline. proxyURL may be empty to use the
// environment proxy.
func NewClient(chatURL string, connectTimeout time.Duration, proxyURL string) *Client {
	chatURL = strings.TrimRight(chatURL, "/")
	if !strings.HasSuffix(chatURL, "/api/chat") {
		chatURL += "/api/chat"
	}

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: connectTimeout,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		} else {
			slog.Warn("ignoring invalid upstream proxy url", "proxy_url", proxyURL, "error", err)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &Client{
		chatURL: chatURL,
		// No Client.Timeout: it would also cap reading the streamed body.
		httpClient: &http.Client{Transport: transport},
	}
}

// URL returns the resolved chat endpoint.
func (c *Client) URL() string { return c.chatURL }

// Open posts req and returns the upstream body as a line stream. authorization
// is forwarded verbatim, including when empty. The stream is bound to ctx:
// cancelling ctx aborts the upstream connection. Callers must Close the
// returned Stream.
//
// Errors are *apierrors.UpstreamError values classified by kind.
func (c *Client) Open(ctx context.Context, authorization string, req *ChatRequest) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apierrors.New(apierrors.KindUnexpected, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, apierrors.New(apierrors.KindUnexpected, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", authorization)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		classified := Classify(fmt.Errorf("reka request: %w", err))
		metrics.UpstreamRequestsTotal.WithLabelValues(apierrors.KindOf(classified).String()).Inc()
		return nil, classified
	}
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		metrics.UpstreamRequestsTotal.WithLabelValues("status_" + statusClass(resp.StatusCode)).Inc()
		return nil, apierrors.New(apierrors.KindUnexpected, fmt.Errorf("reka %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	metrics.UpstreamRequestsTotal.WithLabelValues("ok").Inc()
	return newStream(resp.Body), nil
}

// Classify wraps a transport error in an *apierrors.UpstreamError. Errors that
// are already classified are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ue *apierrors.UpstreamError
	if errors.As(err, &ue) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return apierrors.New(apierrors.KindTimeout, err)
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.Canceled):
		return apierrors.New(apierrors.KindConnection, err)
	default:
		return apierrors.New(apierrors.KindUnexpected, err)
	}
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
