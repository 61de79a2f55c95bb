// package testing contains shared testing utilities
package testing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
)

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// LimitedWriter fails after a certain number of writes
type LimitedWriter struct {
	maxWrites int
	written   int
	target    io.Writer
}

func (l *LimitedWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.maxWrites {
		return 0, errors.New("write limit exceeded")
	}
	l.written++
	return l.target.Write(p)
}

func NewLimitedWriter(maxWrites, written int, target io.Writer) LimitedWriter {
	return LimitedWriter{maxWrites: maxWrites, written: written, target: target}
}

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

// Reply is one canned response of a [SequenceRoundTripper]. A non-nil Err simulates a transport failure.
type Reply struct {
	Status int
	Body   string
	Header http.Header
	Err    error
}

// SequenceRoundTripper answers requests with its replies in order and records every request it saw.
//
// Requests beyond the last reply get the last reply again.
type SequenceRoundTripper struct {
	mu       sync.Mutex
	replies  []Reply
	Requests []*http.Request
	Bodies   []string
}

func NewSequenceRoundTripper(replies ...Reply) *SequenceRoundTripper {
	return &SequenceRoundTripper{replies: replies}
}

func (s *SequenceRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		req.Body.Close()
		body = string(b)
	}
	s.Requests = append(s.Requests, req)
	s.Bodies = append(s.Bodies, body)

	if len(s.replies) == 0 {
		return nil, errors.New("no replies configured")
	}
	idx := min(len(s.Requests)-1, len(s.replies)-1)
	r := s.replies[idx]
	if r.Err != nil {
		return nil, r.Err
	}

	header := r.Header
	if header == nil {
		header = http.Header{"Content-Type": []string{"application/json"}}
	}
	return &http.Response{
		StatusCode: r.Status,
		Status:     fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		Header:     header.Clone(),
		Body:       io.NopCloser(strings.NewReader(r.Body)),
		Request:    req,
	}, nil
}

// Count returns the number of requests seen so far.
func (s *SequenceRoundTripper) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

// FCloser simulates a failure when reading response body
type FCloser struct{}

func (f *FCloser) Read(p []byte) (n int, err error) {
	return 0, errors.New("read failed")
}

func (f *FCloser) Close() error {
	return nil
}

// MultipartBody frames each part as one multipart/mixed part with the given boundary and appends the terminal marker.
//
// Parts that are not strings or byte slices are JSON encoded.
func MultipartBody(t *testing.T, boundary string, parts ...any) string {
	t.Helper()

	var buf bytes.Buffer
	for _, p := range parts {
		var data []byte
		switch v := p.(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				t.Fatalf("failed to encode part: %v", err)
			}
			data = b
		}
		fmt.Fprintf(&buf, "--%s\r\nContent-Type: application/json\r\n\r\n%s\r\n", boundary, data)
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.String()
}

func MustGetwd(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	return wd
}

func MustChdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Failed to change directory to %s: %v", dir, err)
	}
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func AssertDirExists(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		t.Errorf("Directory does not exist: %s", path)
		return
	}
	if !info.IsDir() {
		t.Errorf("Path is not a directory: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
