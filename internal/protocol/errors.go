package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse is returned when a successful response lacks the
// reply message.
var ErrMalformedResponse = errors.New("malformed turn response")

// TransportError means no response was received.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response. Message is the server-provided
// explanation, empty when the body carried none.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// DisplayMessage returns the message that should be shown to the visitor for
// err, or fallback when the server did not provide one.
func DisplayMessage(err error, fallback string) string {
	var serverErr *ServerError
	if errors.As(err, &serverErr) && serverErr.Message != "" {
		return serverErr.Message
	}
	return fallback
}
