package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/desertthunder/mbingo/internal/shared"
)

// Kind tags an [Outcome].
type Kind int

const (
	// Success is a 2xx response without an error field.
	Success Kind = iota
	// StructuredError is a well-formed response with a non-2xx status or a 2xx body carrying an error field.
	StructuredError
	// TransportFailure means the call never reached or never returned from the network.
	TransportFailure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case StructuredError:
		return "structured error"
	case TransportFailure:
		return "transport failure"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome is the result of one call.
//
// For successful streaming requests Stream holds the unread body and the caller must close it.
// Non-JSON success bodies are kept in Body; JSON bodies in Payload.
type Outcome struct {
	Kind    Kind
	Status  int
	Payload json.RawMessage
	Body    []byte
	Stream  io.ReadCloser
	Header  http.Header
	Message string
	Err     error

	Request  *Request
	Started  time.Time
	Finished time.Time
}

// OK reports whether the outcome is a [Success].
func (o Outcome) OK() bool { return o.Kind == Success }

func (o Outcome) Duration() time.Duration { return o.Finished.Sub(o.Started) }

// Decode unmarshals the JSON payload into v, or returns the outcome's error.
func (o Outcome) Decode(v any) error {
	if !o.OK() {
		return o.Err
	}
	if len(o.Payload) == 0 {
		return fmt.Errorf("%w: response has no JSON body", shared.ErrAPIRequest)
	}
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", shared.ErrAPIRequest, err)
	}
	return nil
}

// Close closes the stream of a streaming outcome, if any.
func (o Outcome) Close() error {
	if o.Stream == nil {
		return nil
	}
	return o.Stream.Close()
}

func (o Outcome) successEvent() SuccessEvent {
	return SuccessEvent{Status: o.Status, Payload: o.Payload, Timestamp: o.Finished}
}

func (o Outcome) failureEvent() FailureEvent {
	return FailureEvent{Err: o.Err, Status: o.Status, Message: o.Message, Timestamp: o.Finished}
}

// notify fires exactly one of the request's Success or Failure callbacks.
func notify(o Outcome) {
	if o.Request == nil {
		return
	}
	lc := o.Request.Lifecycle
	if o.OK() {
		if lc.Success != nil {
			lc.Success(o.successEvent())
		}
		return
	}
	if lc.Failure != nil {
		lc.Failure(o.failureEvent())
	}
}

// StatusError is the error of a [StructuredError] outcome.
type StatusError struct {
	Status  int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Err }

// TransportError is the error of a [TransportFailure] outcome. It matches both [shared.ErrTransport] and its cause.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Timeout reports whether the request ran out of time, by context deadline or client timeout.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

func (e *TransportError) Unwrap() []error {
	if e.Timeout() {
		return []error{shared.ErrTransport, shared.ErrTimeout, e.Err}
	}
	return []error{shared.ErrTransport, e.Err}
}

// statusSentinel maps an HTTP status to the sentinel wrapped by its [StatusError].
func statusSentinel(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return shared.ErrNotAuthenticated
	case status >= http.StatusInternalServerError:
		return shared.ErrServiceUnavailable
	default:
		return shared.ErrAPIRequest
	}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// IsStatus reports whether err is a [StatusError] with the given status.
func IsStatus(err error, status int) bool {
	return StatusOf(err) == status
}
