package llm

import (
	"errors"
	"fmt"
)

// ErrEmptyCompletion is wrapped in a TransportError when a 200 response does
// not carry choices[0].message.content.
var ErrEmptyCompletion = errors.New("completion response has no content")

// HTTPError reports a non-success HTTP status from the completion API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("completion api: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("completion api: HTTP %d: %s", e.StatusCode, e.Message)
}

// TransportError reports a timeout, connection failure or unusable response
// body from the completion API.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("completion transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status carried by err, if it is an HTTPError.
func StatusCode(err error) (int, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, true
	}
	return 0, false
}

// FailureKind classifies err for logs and metrics: "http", "transport" or "other".
func FailureKind(err error) string {
	var httpErr *HTTPError
	var transportErr *TransportError
	switch {
	case errors.As(err, &httpErr):
		return "http"
	case errors.As(err, &transportErr):
		return "transport"
	default:
		return "other"
	}
}
