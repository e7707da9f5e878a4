package gemini

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/zhengjr9/reka-proxy/internal/adapter/openai"
	apierrors "github.com/zhengjr9/reka-proxy/internal/errors"
	"github.com/zhengjr9/reka-proxy/internal/httputil"
	"github.com/zhengjr9/reka-proxy/internal/metrics"
	"github.com/zhengjr9/reka-proxy/internal/reka"
)

// Handler implements the Gemini streamGenerateContent endpoint.
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

// HandleStreaming serves POST /v1beta/models/{model}:streamGenerateContent.
// The model comes from the path.
func (h *Handler) HandleStreaming(w http.ResponseWriter, r *http.Request) {
	httputil.SetCORSHeaders(w)

	req, err := DecodeRequest(r.Body)
	if err != nil {
		apierrors.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	model := mux.Vars(r)["model"]
	if model == "" {
		model = h.defaultModel
	}
	rekaReq := ToRekaRequest(req, model, time.Now().Unix())

	stream, err := h.client.Open(r.Context(), httputil.ForwardedAuthorization(r), rekaReq)
	if err != nil {
		openai.WriteUpstreamError(w, err)
		return
	}
	defer stream.Close()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	id := uuid.NewString()
	httputil.SetSSEHeaders(w)
	n, err := WriteStreamingResponse(w, stream, model)
	if err != nil {
		openai.AbortStream(r, id, n, err)
	}
}
