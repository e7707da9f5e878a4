package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrMalformedBody      = errors.New("malformed request body")
	ErrUpstreamTimeout    = errors.New("upstream request timed out")
	ErrUpstreamConnection = errors.New("upstream connection reset or aborted")
	ErrUpstreamUnexpected = errors.New("unexpected upstream error")
	ErrStreamDecode       = errors.New("upstream stream decode failed")
	ErrClientWrite        = errors.New("client write failed")
)

// Kind classifies a failure of the upstream leg of a request.
type Kind int

const (
	KindUnexpected Kind = iota
	KindTimeout
	KindConnection
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindDecode:
		return "decode"
	default:
		return "unexpected"
	}
}

// sentinel returns the package-level error matching k.
func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrUpstreamTimeout
	case KindConnection:
		return ErrUpstreamConnection
	case KindDecode:
		return ErrStreamDecode
	default:
		return ErrUpstreamUnexpected
	}
}

// UpstreamError carries the failure kind together with the underlying cause.
// errors.Is matches it against the sentinel for its kind as well as the cause.
type UpstreamError struct {
	Kind Kind
	Err  error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return e.Kind.sentinel().Error()
	}
	return e.Kind.sentinel().Error() + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// New wraps err as an UpstreamError of the given kind.
func New(kind Kind, err error) *UpstreamError {
	return &UpstreamError{Kind: kind, Err: err}
}

// KindOf reports the kind of err. Errors that were never classified are
// KindUnexpected.
func KindOf(err error) Kind {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindUnexpected
}

// StatusFor maps an upstream failure to the HTTP status surfaced to the
// client before any response bytes have been written.
func StatusFor(err error) int {
	if KindOf(err) == KindTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// WriteStatus writes a bare status line with an empty body.
func WriteStatus(w http.ResponseWriter, statusCode int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(statusCode)
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := jsonError{
		Error:   http.StatusText(statusCode),
		Message: message,
	}
	_ = json.NewEncoder(w).Encode(body)
}
