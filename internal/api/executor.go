package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mbingo/internal/events"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
)

const (
	DefaultBaseURL = "http://127.0.0.1:5000"
	// maxErrorBody caps how much of a non-2xx body is read for its message.
	maxErrorBody = 1 << 20
)

// NetworkError is published on the side channel for 5xx responses and transport failures,
// independently of the per-call Failure callback.
type NetworkError struct {
	Request   *Request
	Status    int
	Err       error
	Timestamp time.Time
}

type options struct {
	httpClient *http.Client
	logger     *log.Logger
	tokens     *TokenStore
	now        func() time.Time
}

// Option configures an [Executor] or [Client].
type Option func(*options)

// WithHTTPClient sets the underlying [http.Client]. Defaults to [http.DefaultClient].
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTokenStore shares an existing [TokenStore] with the client.
func WithTokenStore(s *TokenStore) Option {
	return func(o *options) { o.tokens = s }
}

// WithClock overrides the time source used for outcome timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{httpClient: http.DefaultClient, logger: shared.DiscardLogger(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = http.DefaultClient
	}
	if o.logger == nil {
		o.logger = shared.DiscardLogger()
	}
	if o.tokens == nil {
		o.tokens = NewTokenStore(models.Credentials{})
	}
	return o
}

// Executor turns a [Request] plus credentials into one network call and classifies the response.
// It performs no retries.
type Executor struct {
	baseURL       string
	httpClient    *http.Client
	logger        *log.Logger
	now           func() time.Time
	networkErrors events.Registry[NetworkError]
}

// NewExecutor creates an executor for baseURL.
func NewExecutor(baseURL string, opts ...Option) *Executor {
	o := buildOptions(opts)
	return newExecutor(baseURL, o)
}

func newExecutor(baseURL string, o options) *Executor {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Executor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: o.httpClient,
		logger:     o.logger,
		now:        o.now,
	}
}

// BaseURL returns the server root requests are resolved against.
func (e *Executor) BaseURL() string { return e.baseURL }

// OnNetworkError subscribes to the network-error side channel.
func (e *Executor) OnNetworkError(fn func(NetworkError)) func() {
	return e.networkErrors.Subscribe(fn)
}

// Execute runs req once with creds: Before, the network call, then Success or Failure.
func (e *Executor) Execute(ctx context.Context, req *Request, creds models.Credentials) Outcome {
	if req.Lifecycle.Before != nil {
		req.Lifecycle.Before(req)
	}
	out := e.do(ctx, req, creds)
	notify(out)
	return out
}

func (e *Executor) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return e.baseURL + "/" + strings.TrimLeft(path, "/")
}

// encodeBody passes pre-encoded bodies through and JSON encodes everything else.
func encodeBody(body any) (io.Reader, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.NewReader(b), nil
	case json.RawMessage:
		return bytes.NewReader(b), nil
	case string:
		return strings.NewReader(b), nil
	case io.Reader:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to encode body: %v", shared.ErrInvalidInput, err)
		}
		return bytes.NewReader(data), nil
	}
}

func (e *Executor) newHTTPRequest(ctx context.Context, req *Request, creds models.Credentials) (*http.Request, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, e.resolve(req.Path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.ID != "" {
		httpReq.Header.Set("X-Request-ID", req.ID)
	}
	if req.AttachAuth {
		if tok := creds.Token(); tok != nil {
			tok.SetAuthHeader(httpReq)
		}
	}
	return httpReq, nil
}

// do sends req without firing lifecycle callbacks.
func (e *Executor) do(ctx context.Context, req *Request, creds models.Credentials) Outcome {
	out := Outcome{Request: req, Started: e.now()}
	logger := e.logger.With("id", req.ID, "method", req.Method, "path", req.Path)

	httpReq, err := e.newHTTPRequest(ctx, req, creds)
	if err != nil {
		return e.transportFailure(out, req, err)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		logger.Debug("request failed", "error", err)
		return e.transportFailure(out, req, err)
	}

	out.Status = resp.StatusCode
	out.Header = resp.Header

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		out = e.structuredError(out, body, resp)
		logger.Debug("request completed", "status", out.Status, "message", out.Message, "duration", out.Duration())
		return out
	}

	if req.Streaming {
		out.Kind = Success
		out.Stream = resp.Body
		out.Finished = e.now()
		logger.Debug("stream opened", "status", out.Status, "content_type", resp.Header.Get("Content-Type"))
		return out
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return e.transportFailure(out, req, fmt.Errorf("failed to read response: %w", err))
	}

	if msg, ok := errorField(body); ok {
		out.Kind = StructuredError
		out.Payload = body
		out.Message = msg
		out.Err = &StatusError{Status: out.Status, Message: msg, Err: shared.ErrAPIRequest}
	} else if shared.IsJSON(body) {
		out.Kind = Success
		out.Payload = body
	} else {
		out.Kind = Success
		out.Body = body
	}
	out.Finished = e.now()
	logger.Debug("request completed", "status", out.Status, "kind", out.Kind, "duration", out.Duration())
	return out
}

func (e *Executor) transportFailure(out Outcome, req *Request, err error) Outcome {
	out.Kind = TransportFailure
	out.Err = &TransportError{Op: req.Method + " " + req.Path, Err: err}
	out.Message = err.Error()
	out.Finished = e.now()
	e.networkErrors.Publish(NetworkError{Request: req, Err: out.Err, Timestamp: out.Finished})
	return out
}

func (e *Executor) structuredError(out Outcome, body []byte, resp *http.Response) Outcome {
	out.Kind = StructuredError
	if shared.IsJSON(body) {
		out.Payload = body
	}

	msg, ok := errorField(body)
	if !ok {
		msg = http.StatusText(resp.StatusCode)
		if msg == "" {
			msg = strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
		}
	}
	out.Message = msg
	out.Err = &StatusError{Status: resp.StatusCode, Message: msg, Err: statusSentinel(resp.StatusCode)}
	out.Finished = e.now()

	if resp.StatusCode >= http.StatusInternalServerError {
		e.networkErrors.Publish(NetworkError{Request: out.Request, Status: resp.StatusCode, Err: out.Err, Timestamp: out.Finished})
	}
	return out
}

// errorField extracts a non-empty "error" member from a JSON object body.
func errorField(body []byte) (string, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return "", false
	}

	var obj struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &obj); err != nil || len(obj.Error) == 0 {
		return "", false
	}

	var msg string
	if err := json.Unmarshal(obj.Error, &msg); err == nil {
		return msg, msg != ""
	}

	switch string(obj.Error) {
	case "null", "false", "{}", "[]":
		return "", false
	}
	return string(obj.Error), true
}
