package openai

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/zhengjr9/reka-proxy/internal/errors"
	"github.com/zhengjr9/reka-proxy/internal/httputil"
	"github.com/zhengjr9/reka-proxy/internal/metrics"
	"github.com/zhengjr9/reka-proxy/internal/reka"
)

// Handler implements the OpenAI chat completions endpoint.
type Handler struct {
	client       *reka.Client
	defaultModel string
}

// NewHandler constructs a Handler.
func NewHandler(client *reka.Client, defaultModel string) *Handler {
	return &Handler{client: client, defaultModel: defaultModel}
}

// ServeHTTP handles POST and OPTIONS /v1/chat/completions.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httputil.SetCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	req, err := DecodeRequest(r.Body)
	if err != nil {
		apierrors.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rekaReq := ToRekaRequest(req, h.defaultModel, time.Now().Unix())

	// The upstream call shares the request context: a client that goes away
	// cancels it and the transport tears down the upstream connection.
	stream, err := h.client.Open(r.Context(), httputil.ForwardedAuthorization(r), rekaReq)
	if err != nil {
		WriteUpstreamError(w, err)
		return
	}
	defer stream.Close()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	id := NewChunkID()
	httputil.SetSSEHeaders(w)
	n, err := WriteStreamingResponse(w, stream, rekaReq.ModelName, id)
	if err != nil {
		AbortStream(r, id, n, err)
		return
	}
	slog.Debug("stream complete", "id", id, "model", rekaReq.ModelName, "chunks", n)
}

// WriteUpstreamError logs a pre-stream upstream failure and answers with
// the matching bare status: 504 for timeouts, 500 otherwise.
func WriteUpstreamError(w http.ResponseWriter, err error) {
	kind := apierrors.KindOf(err)
	metrics.ErrorsTotal.WithLabelValues(kind.String()).Inc()
	if kind == apierrors.KindUnexpected {
		slog.Error("unexpected upstream error", "error", err)
	} else {
		slog.Warn("upstream request failed", "kind", kind.String(), "error", err)
	}
	apierrors.WriteStatus(w, apierrors.StatusFor(err))
}

// LogStreamError records why a stream ended early and reports whether the
// client had already gone away.
func LogStreamError(r *http.Request, id string, chunks int, err error) (clientGone bool) {
	if errors.Is(err, apierrors.ErrClientWrite) || r.Context().Err() != nil {
		metrics.ErrorsTotal.WithLabelValues("client_gone").Inc()
		slog.Info("client disconnected mid-stream", "id", id, "chunks", chunks)
		return true
	}
	kind := apierrors.KindOf(err)
	metrics.ErrorsTotal.WithLabelValues(kind.String()).Inc()
	slog.Error("stream aborted", "id", id, "chunks", chunks, "kind", kind.String(), "error", err)
	return false
}

// AbortStream logs a mid-stream failure of an SSE response and, unless the
// client is already gone, tears down the connection. The 200 status is
// committed and no terminator frame exists, so an unterminated response is
// the only failure signal the client can observe.
func AbortStream(r *http.Request, id string, chunks int, err error) {
	if LogStreamError(r, id, chunks, err) {
		return
	}
	panic(http.ErrAbortHandler)
}
