// Package multipart decodes the multipart/mixed progress stream returned by the import endpoints.
//
// Each part carries one JSON [models.ProgressRecord]. Decoding is sequential and single-consumer.
// A malformed part does not abort the stream: its error is appended to the Errors of the next
// record, or to a synthesized terminal record if the stream ends first.
package multipart

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
)

// ErrClosed is returned by [Decoder.Next] after [Decoder.Close].
var ErrClosed = errors.New("multipart: decoder closed")

// StreamError reports a read failure after Position records were yielded.
type StreamError struct {
	Position int
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("progress stream interrupted after %d records: %v", e.Position, e.Err)
}

func (e *StreamError) Unwrap() []error { return []error{shared.ErrTransport, e.Err} }

// Option configures a [Decoder].
type Option func(*Decoder)

// WithClock sets the time source used for records without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) { d.now = now }
}

func WithLogger(l *log.Logger) Option {
	return func(d *Decoder) { d.logger = l }
}

// Decoder yields progress records from a multipart stream.
type Decoder struct {
	stream   io.ReadCloser
	reader   *multipart.Reader
	boundary string
	now      func() time.Time
	logger   *log.Logger

	position int
	parts    int
	pending  []string
	last     models.ProgressRecord
	finished bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDecoder reads the boundary from contentType and wraps stream. The decoder owns stream.
func NewDecoder(stream io.ReadCloser, contentType string, opts ...Option) (*Decoder, error) {
	boundary, err := Boundary(contentType)
	if err != nil {
		stream.Close()
		return nil, err
	}

	d := &Decoder{
		stream:   stream,
		reader:   multipart.NewReader(stream, boundary),
		boundary: boundary,
		now:      time.Now,
		logger:   shared.DiscardLogger(),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Boundary extracts the boundary parameter of a multipart content type.
func Boundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: content type %q: %v", shared.ErrInvalidInput, contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("%w: expected multipart response, got %s", shared.ErrInvalidInput, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("%w: content type %q has no boundary", shared.ErrInvalidInput, contentType)
	}
	return boundary, nil
}

func (d *Decoder) Boundary() string { return d.boundary }

// Position returns the number of records yielded so far.
func (d *Decoder) Position() int { return d.position }

// Next returns the next record. It returns [io.EOF] once the terminal boundary is reached or the
// transport closes, [ErrClosed] after [Decoder.Close], and a transport error if reading fails.
func (d *Decoder) Next() (models.ProgressRecord, error) {
	for {
		if d.isClosed() {
			return models.ProgressRecord{}, ErrClosed
		}
		if d.finished {
			return d.flush()
		}

		part, err := d.reader.NextPart()
		if err != nil {
			if d.isClosed() {
				return models.ProgressRecord{}, ErrClosed
			}
			if !isEOF(err) {
				return models.ProgressRecord{}, &StreamError{Position: d.position, Err: err}
			}
			if err != io.EOF {
				d.logger.Warn("progress stream ended without terminal boundary", "records", d.position)
			}
			d.finished = true
			continue
		}
		d.parts++

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			if d.isClosed() {
				return models.ProgressRecord{}, ErrClosed
			}
			if !isEOF(err) {
				return models.ProgressRecord{}, &StreamError{Position: d.position, Err: err}
			}
			d.finished = true
		}

		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}

		rec, err := d.decode(data)
		if err != nil {
			d.logger.Warn("malformed progress part", "part", d.parts, "error", err)
			d.pending = append(d.pending, fmt.Sprintf("part %d: malformed progress record: %v", d.parts, err))
			continue
		}
		return d.yield(rec), nil
	}
}

func (d *Decoder) decode(data []byte) (models.ProgressRecord, error) {
	var rec models.ProgressRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.ProgressRecord{}, err
	}
	return rec, nil
}

func (d *Decoder) yield(rec models.ProgressRecord) models.ProgressRecord {
	if len(d.pending) > 0 {
		rec.Errors = append(rec.Errors, d.pending...)
		d.pending = nil
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = d.now()
	}
	d.position++
	d.last = rec
	return rec
}

// flush emits a synthesized terminal record for decode errors no record could carry, then [io.EOF].
func (d *Decoder) flush() (models.ProgressRecord, error) {
	if len(d.pending) == 0 {
		return models.ProgressRecord{}, io.EOF
	}
	rec := models.ProgressRecord{
		Phase:     d.last.Phase,
		NumPhases: d.last.NumPhases,
		Pct:       d.last.Pct,
		Text:      d.last.Text,
		Done:      true,
	}
	return d.yield(rec), nil
}

// Close stops decoding and closes the underlying stream. Safe to call more than once and
// concurrently with [Decoder.Next].
func (d *Decoder) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.stream.Close()
	})
	return err
}

func (d *Decoder) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
