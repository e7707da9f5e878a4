package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhengjr9/reka-proxy/internal/adapter/anthropic"
	"github.com/zhengjr9/reka-proxy/internal/adapter/gemini"
	"github.com/zhengjr9/reka-proxy/internal/adapter/openai"
	"github.com/zhengjr9/reka-proxy/internal/config"
	"github.com/zhengjr9/reka-proxy/internal/reka"
)

// Server is the translating proxy HTTP server.
type Server struct {
	httpServer *http.Server
}

// New constructs a Server from the given config.
func New(cfg *config.Config) *Server {
	client := reka.NewClient(cfg.UpstreamURL, cfg.ConnectTimeout, cfg.UpstreamProxyURL)

	oaHandler := openai.NewHandler(client, cfg.DefaultModel)
	anHandler := anthropic.NewHandler(client, cfg.DefaultModel)
	gmHandler := gemini.NewHandler(client, cfg.DefaultModel)
	wsHandler := newWSHandler(client, cfg.DefaultModel)

	router := mux.NewRouter()

	// OpenAI. OPTIONS is answered by the handler itself with the CORS preflight.
	router.Handle("/v1/chat/completions", oaHandler).Methods(http.MethodPost, http.MethodOptions)
	router.Handle("/v1/chat/completions/ws", wsHandler).Methods(http.MethodGet)

	// Anthropic
	router.Handle("/v1/messages", anHandler).Methods(http.MethodPost, http.MethodOptions)

	// Gemini
	router.HandleFunc("/v1beta/models/{model:[^/:]+}:streamGenerateContent", gmHandler.HandleStreaming).Methods(http.MethodPost)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	if cfg.MetricsEnabled {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	router.Use(metricsMiddleware)

	var handler http.Handler = router
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// No ReadTimeout or WriteTimeout: either deadline would cut off
			// a long-running stream.
			IdleTimeout: 60 * time.Second,
		},
	}
}

// Start begins listening and blocks until the server is stopped.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Handler returns the underlying http.Handler (for use in tests with httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
