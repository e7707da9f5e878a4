package proxy

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhengjr9/reka-proxy/internal/adapter"
	"github.com/zhengjr9/reka-proxy/internal/adapter/openai"
	apierrors "github.com/zhengjr9/reka-proxy/internal/errors"
	"github.com/zhengjr9/reka-proxy/internal/httputil"
	"github.com/zhengjr9/reka-proxy/internal/metrics"
	"github.com/zhengjr9/reka-proxy/internal/reka"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsHandler streams chat completion chunks over a WebSocket. The client sends
// one text message holding a chat completions body; every chunk comes back as
// one text message and the server closes the connection when the upstream
// stream ends.
type wsHandler struct {
	client       *reka.Client
	defaultModel string
}

func newWSHandler(client *reka.Client, defaultModel string) *wsHandler {
	return &wsHandler{client: client, defaultModel: defaultModel}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	authorization := httputil.ForwardedAuthorization(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	req, err := openai.DecodeRequest(bytes.NewReader(msg))
	if err != nil {
		closeWith(conn, websocket.CloseUnsupportedData, "malformed request body")
		return
	}
	rekaReq := openai.ToRekaRequest(req, h.defaultModel, time.Now().Unix())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Any later read error means the client went away or closed; either way
	// the pipeline and its upstream connection must stop.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	stream, err := h.client.Open(ctx, authorization, rekaReq)
	if err != nil {
		kind := apierrors.KindOf(err)
		metrics.ErrorsTotal.WithLabelValues(kind.String()).Inc()
		slog.Warn("upstream request failed", "kind", kind.String(), "error", err)
		reason := "upstream error"
		if kind == apierrors.KindTimeout {
			reason = "upstream timeout"
		}
		closeWith(conn, websocket.CloseInternalServerErr, reason)
		return
	}
	defer stream.Close()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	id := openai.NewChunkID()
	sink := adapter.ChunkWriterFunc[*openai.StreamChunk](func(chunk *openai.StreamChunk) error {
		data, err := openai.MarshalChunk(chunk)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
		metrics.ChunksTotal.WithLabelValues("ws").Inc()
		return nil
	})

	n, err := openai.NewReframer(id, rekaReq.ModelName).Run(stream, sink)
	if err != nil {
		openai.LogStreamError(r.WithContext(ctx), id, n, err)
		closeWith(conn, websocket.CloseInternalServerErr, "stream aborted")
		return
	}
	closeWith(conn, websocket.CloseNormalClosure, "")
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
