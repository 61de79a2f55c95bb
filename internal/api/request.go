package api

import (
	"encoding/json"
	"time"

	"github.com/desertthunder/mbingo/internal/shared"
)

// SuccessEvent is passed to [Lifecycle].Success.
type SuccessEvent struct {
	Status    int
	Payload   json.RawMessage
	Timestamp time.Time
}

// FailureEvent is passed to [Lifecycle].Failure.
type FailureEvent struct {
	Err       error
	Status    int
	Message   string
	Timestamp time.Time
}

// Lifecycle holds the optional callbacks of one call. Before runs synchronously before
// the first network attempt; exactly one of Success or Failure runs once the call resolves.
type Lifecycle struct {
	Before  func(*Request)
	Success func(SuccessEvent)
	Failure func(FailureEvent)
}

// Request describes one API call. Build it with [NewRequest] and treat it as immutable afterwards.
type Request struct {
	ID     string
	Method string
	// Path is relative to the client's base URL, or an absolute URL.
	Path   string
	Header map[string]string
	// Body is sent as-is when it is []byte, string, [json.RawMessage] or [io.Reader]; anything else is JSON encoded.
	Body       any
	Streaming  bool
	AttachAuth bool
	Lifecycle  Lifecycle
}

// RequestOption configures a [Request].
type RequestOption func(*Request)

// NewRequest creates a request with a fresh ID that attaches the bearer token by default.
func NewRequest(method, path string, opts ...RequestOption) *Request {
	r := &Request{
		ID:         shared.GenerateID(),
		Method:     method,
		Path:       path,
		Header:     map[string]string{},
		AttachAuth: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithBody sets the request body.
func WithBody(body any) RequestOption {
	return func(r *Request) { r.Body = body }
}

// WithHeader sets a single header.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) { r.Header[key] = value }
}

// Streaming hands the unread response body to the caller on success.
func Streaming() RequestOption {
	return func(r *Request) { r.Streaming = true }
}

// NoAuth omits the bearer token. A 401 on such a request never triggers a refresh.
func NoAuth() RequestOption {
	return func(r *Request) { r.AttachAuth = false }
}

func OnBefore(fn func(*Request)) RequestOption {
	return func(r *Request) { r.Lifecycle.Before = fn }
}

func OnSuccess(fn func(SuccessEvent)) RequestOption {
	return func(r *Request) { r.Lifecycle.Success = fn }
}

func OnFailure(fn func(FailureEvent)) RequestOption {
	return func(r *Request) { r.Lifecycle.Failure = fn }
}

// WithLifecycle replaces all three callbacks.
func WithLifecycle(lc Lifecycle) RequestOption {
	return func(r *Request) { r.Lifecycle = lc }
}
