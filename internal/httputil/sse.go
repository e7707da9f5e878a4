package httputil

import (
	"errors"
	"fmt"
	"net/http"
)

// SetSSEHeaders sets the standard headers for a Server-Sent Events response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SetCORSHeaders allows any origin and any request header.
func SetCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "*")
}

// ForwardedAuthorization returns the caller's Authorization header verbatim,
// or "" when absent. The value is passed upstream untouched.
func ForwardedAuthorization(r *http.Request) string {
	return r.Header.Get("Authorization")
}

// EventWriter writes SSE frames and flushes each one so the client sees it
// immediately.
type EventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewEventWriter wraps w. Headers must already be set.
func NewEventWriter(w http.ResponseWriter) *EventWriter {
	return &EventWriter{w: w, rc: http.NewResponseController(w)}
}

// WriteData writes "data: <payload>\n\n" and flushes.
func (ew *EventWriter) WriteData(payload []byte) error {
	if _, err := fmt.Fprintf(ew.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return ew.Flush()
}

// WriteEvent writes "event: <name>\ndata: <payload>\n\n" and flushes.
func (ew *EventWriter) WriteEvent(name string, payload []byte) error {
	if _, err := fmt.Fprintf(ew.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	return ew.Flush()
}

// Flush pushes buffered bytes to the client. Writers that cannot flush are
// tolerated.
func (ew *EventWriter) Flush() error {
	err := ew.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}
