package anthropic

import (
	"net/http"
	"time"

	"github.com/zhengjr9/reka-proxy/internal/adapter/openai"
	apierrors "github.com/zhengjr9/reka-proxy/internal/errors"
	"github.com/zhengjr9/reka-proxy/internal/httputil"
	"github.com/zhengjr9/reka-proxy/internal/metrics"
	"github.com/zhengjr9/reka-proxy/internal/reka"
)

// Handler implements the Anthropic Messages endpoint on top of Reka.
type Handler struct {
	client       *reka.Client
	defaultModel string
}

// NewHandler constructs a Handler.
func NewHandler(client *reka.Client, defaultModel string) *Handler {
	if defaultModel == "" {
		defaultModel = openai.DefaultModel
	}
	return &Handler{client: client, defaultModel: defaultModel}
}

// ServeHTTP handles POST and OPTIONS /v1/messages.
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

	stream, err := h.client.Open(r.Context(), httputil.ForwardedAuthorization(r), rekaReq)
	if err != nil {
		openai.WriteUpstreamError(w, err)
		return
	}
	defer stream.Close()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	id := NewMessageID()
	httputil.SetSSEHeaders(w)
	n, err := WriteStreamingResponse(w, stream, rekaReq.ModelName, id)
	if err != nil {
		openai.AbortStream(r, id, n, err)
	}
}
