package multipart

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
	tu "github.com/desertthunder/mbingo/internal/testing"
)

type trackingCloser struct {
	io.Reader
	closed int
}

func (c *trackingCloser) Close() error {
	c.closed++
	return nil
}

func newTestDecoder(t *testing.T, body string) *Decoder {
	t.Helper()
	d, err := NewDecoder(io.NopCloser(strings.NewReader(body)), `multipart/mixed; boundary="B"`)
	if err != nil {
		t.Fatalf("failed to create decoder: %v", err)
	}
	return d
}

func drain(t *testing.T, d *Decoder) []models.ProgressRecord {
	t.Helper()
	var records []models.ProgressRecord
	for {
		rec, err := d.Next()
		if err == io.EOF {
			return records
		}
		if err != nil {
			t.Fatalf("unexpected error after %d records: %v", len(records), err)
		}
		records = append(records, rec)
		if len(records) > 100 {
			t.Fatal("decoder did not terminate")
		}
	}
}

func TestDecoder(t *testing.T) {
	t.Run("Yields Each Part Then Stops", func(t *testing.T) {
		body := tu.MultipartBody(t, "B",
			map[string]any{"pct": 1, "text": "options"},
			map[string]any{"pct": 50, "text": "songs"},
			map[string]any{"pct": 100, "text": "done", "done": true},
		)
		d := newTestDecoder(t, body)

		records := drain(t, d)

		if len(records) != 3 {
			t.Fatalf("expected 3 records, got %d", len(records))
		}
		wantText := []string{"options", "songs", "done"}
		for i, rec := range records {
			if rec.Text != wantText[i] {
				t.Errorf("record %d: expected text %q, got %q", i, wantText[i], rec.Text)
			}
		}
		if !records[2].Done || records[0].Done || records[1].Done {
			t.Error("expected only the last record to be done")
		}
		if d.Position() != 3 {
			t.Errorf("expected position 3, got %d", d.Position())
		}
		if _, err := d.Next(); err != io.EOF {
			t.Errorf("expected io.EOF after exhaustion, got %v", err)
		}
	})

	t.Run("Empty Parts Are Skipped", func(t *testing.T) {
		body := tu.MultipartBody(t, "B", `{"pct": 10}`, "", "  \r\n", `{"pct": 100, "done": true}`)
		records := drain(t, newTestDecoder(t, body))

		if len(records) != 2 {
			t.Errorf("expected 2 records, got %d", len(records))
		}
	})

	t.Run("Headerless Parts And LF Line Endings", func(t *testing.T) {
		body := "--B\n\n{\"pct\": 5, \"text\": \"a\"}\n--B\n\n{\"pct\": 100, \"done\": true}\n--B--\n"
		records := drain(t, newTestDecoder(t, body))

		if len(records) != 2 || records[0].Text != "a" || !records[1].Done {
			t.Errorf("unexpected records %+v", records)
		}
	})

	t.Run("Malformed Part Folds Into Next Record", func(t *testing.T) {
		body := tu.MultipartBody(t, "B", `{"pct": 10}`, `{"pct": 2`, `{"pct": 30, "errors": ["row 4 skipped"]}`)
		records := drain(t, newTestDecoder(t, body))

		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
		errs := records[1].Errors
		if len(errs) != 2 || errs[0] != "row 4 skipped" || !strings.Contains(errs[1], "part 2") {
			t.Errorf("expected server error then decode error, got %v", errs)
		}
		if len(records[0].Errors) != 0 {
			t.Errorf("expected no errors on first record, got %v", records[0].Errors)
		}
	})

	t.Run("Malformed Final Part Synthesizes Terminal Record", func(t *testing.T) {
		body := tu.MultipartBody(t, "B", `{"phase": 2, "numPhases": 3, "pct": 60, "text": "songs"}`, `not json`)
		records := drain(t, newTestDecoder(t, body))

		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
		last := records[1]
		if !last.Done || last.Phase != 2 || last.NumPhases != 3 || last.Pct != 60 {
			t.Errorf("expected terminal record carrying previous progress, got %+v", last)
		}
		if len(last.Errors) != 1 {
			t.Errorf("expected 1 folded error, got %v", last.Errors)
		}
	})

	t.Run("Stream Without Terminal Boundary", func(t *testing.T) {
		body := "--B\r\n\r\n{\"pct\": 10, \"text\": \"options\"}\r\n--B\r\n\r\n{\"pct\": 20}\r\n"
		records := drain(t, newTestDecoder(t, body))

		if len(records) != 2 || records[1].Pct != 20 {
			t.Errorf("expected both records before transport close, got %+v", records)
		}
	})

	t.Run("Truncated Part", func(t *testing.T) {
		body := "--B\r\n\r\n{\"pct\": 10}\r\n--B\r\n\r\n{\"pct\": 2"
		records := drain(t, newTestDecoder(t, body))

		if len(records) != 2 {
			t.Fatalf("expected record plus synthesized terminal record, got %d", len(records))
		}
		if !records[1].Done || len(records[1].Errors) != 1 {
			t.Errorf("unexpected terminal record %+v", records[1])
		}
	})

	t.Run("Added Keeps Order", func(t *testing.T) {
		body := tu.MultipartBody(t, "B", `{"pct": 100, "done": true, "added": {"Song": 4, "Artist": 2}}`)
		records := drain(t, newTestDecoder(t, body))

		added := records[0].Added
		if len(added) != 2 || added[0].Name != "Song" || added[1].Name != "Artist" {
			t.Errorf("unexpected added %+v", added)
		}
	})

	t.Run("Missing Timestamp Uses Clock", func(t *testing.T) {
		fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		body := tu.MultipartBody(t, "B", `{"pct": 1}`, `{"pct": 2, "timestamp": "2024-01-01T00:00:00Z"}`)
		d, err := NewDecoder(io.NopCloser(strings.NewReader(body)), "multipart/mixed; boundary=B", WithClock(func() time.Time { return fixed }))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		records := drain(t, d)
		if !records[0].Timestamp.Equal(fixed) {
			t.Errorf("expected clock timestamp, got %v", records[0].Timestamp)
		}
		if records[1].Timestamp.Year() != 2024 || records[1].Timestamp.Month() != time.January {
			t.Errorf("expected server timestamp kept, got %v", records[1].Timestamp)
		}
	})

	t.Run("Close Stops Decoding", func(t *testing.T) {
		stream := &trackingCloser{Reader: strings.NewReader(tu.MultipartBody(t, "B", `{"pct": 1}`, `{"pct": 2}`))}
		d, err := NewDecoder(stream, "multipart/mixed; boundary=B")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, err := d.Next(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		d.Close()
		d.Close()

		if _, err := d.Next(); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
		if stream.closed != 1 {
			t.Errorf("expected stream closed once, got %d", stream.closed)
		}
	})

	t.Run("Read Error Is A Transport Error", func(t *testing.T) {
		stream := io.NopCloser(io.MultiReader(strings.NewReader("--B\r\n\r\n{\"pct\": 1}"), &tu.FCloser{}))
		d, err := NewDecoder(stream, "multipart/mixed; boundary=B")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		for range 5 {
			_, err = d.Next()
			if err != nil {
				break
			}
		}
		var se *StreamError
		if !errors.As(err, &se) || !errors.Is(err, shared.ErrTransport) {
			t.Errorf("expected stream error, got %v", err)
		}
	})
}

func TestBoundary(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
		wantErr     bool
	}{
		{`multipart/mixed; boundary="B"`, "B", false},
		{"multipart/mixed; boundary=3e4a1f", "3e4a1f", false},
		{"multipart/mixed", "", true},
		{"application/json", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := Boundary(tt.contentType)
		if (err != nil) != tt.wantErr {
			t.Errorf("Boundary(%q) error = %v, wantErr %v", tt.contentType, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Boundary(%q) = %q, want %q", tt.contentType, got, tt.want)
		}
		if err != nil && !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	}

	t.Run("NewDecoder Closes Stream On Error", func(t *testing.T) {
		stream := &trackingCloser{Reader: strings.NewReader("")}
		if _, err := NewDecoder(stream, "text/plain"); err == nil {
			t.Fatal("expected error")
		}
		if stream.closed != 1 {
			t.Error("expected stream closed")
		}
	})
}
