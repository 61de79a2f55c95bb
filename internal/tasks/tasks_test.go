package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/mbingo/internal/api"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
	tu "github.com/desertthunder/mbingo/internal/testing"
)

const boundary = "bingo-progress"

var (
	creds        = models.Credentials{AccessToken: "access", RefreshToken: "refresh"}
	gamesPayload = []byte(`{"Games": [{"pk": 4, "title": "Friday"}]}`)
)

// fakeClient answers imports with a canned outcome.
type fakeClient struct {
	importFn func(ctx context.Context, kind api.ImportKind, data []byte) api.Outcome
}

func (f *fakeClient) Import(ctx context.Context, kind api.ImportKind, data []byte, _ ...api.RequestOption) api.Outcome {
	return f.importFn(ctx, kind, data)
}

func (f *fakeClient) ExportDatabase(context.Context, ...api.RequestOption) api.Outcome {
	return api.Outcome{Kind: api.Success, Status: http.StatusOK, Payload: []byte(`{}`)}
}

func (f *fakeClient) ExportGame(context.Context, int, ...api.RequestOption) api.Outcome {
	return api.Outcome{Kind: api.Success, Status: http.StatusOK, Body: []byte("game")}
}

func streamOutcome(stream io.ReadCloser) api.Outcome {
	return api.Outcome{
		Kind:   api.Success,
		Status: http.StatusOK,
		Stream: stream,
		Header: http.Header{"Content-Type": []string{"multipart/mixed; boundary=" + boundary}},
	}
}

// seenRequest records the last request an import server handled.
type seenRequest struct {
	mu   sync.Mutex
	path string
	auth string
}

func (s *seenRequest) get() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path, s.auth
}

// importServer streams parts in answer to PUT /api/{kind}.
func importServer(t *testing.T, parts ...any) (*httptest.Server, *seenRequest) {
	t.Helper()

	body := tu.MultipartBody(t, boundary, parts...)
	seen := &seenRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.mu.Lock()
		seen.path, seen.auth = r.URL.Path, r.Header.Get("Authorization")
		seen.mu.Unlock()

		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "multipart/mixed; boundary="+boundary)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func newEngine(srv *httptest.Server) *ImportEngine {
	client := api.NewClient(srv.URL, api.WithTokenStore(api.NewTokenStore(creds)))
	return NewImportEngine(client)
}

func TestImportEngine_Run(t *testing.T) {
	records := []any{
		models.ProgressRecord{Phase: 1, NumPhases: 2, Pct: 10, Text: "Games"},
		models.ProgressRecord{Phase: 2, NumPhases: 2, Pct: 60, Text: "Tracks", Errors: []string{"track 3: unknown song"}},
		`{"phase": 2, "numPhases": 2, "pct": 100, "done": true, "added": {"Game": 1, "Track": 40}}`,
	}

	t.Run("decodes every record", func(t *testing.T) {
		srv, seen := importServer(t, records...)
		engine := newEngine(srv)

		var published []models.ProgressRecord
		engine.Subscribe(func(r models.ProgressRecord) { published = append(published, r) })

		progress := make(chan models.ProgressRecord, 10)
		result, err := engine.Run(context.Background(), api.ImportGames, gamesPayload, progress)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		path, auth := seen.get()
		if path != "/api/games" {
			t.Errorf("expected PUT /api/games, got %s", path)
		}
		if auth != "Bearer access" {
			t.Errorf("expected bearer auth, got %q", auth)
		}
		if result.Records != 3 || len(published) != 3 {
			t.Errorf("expected 3 records, got %d (published %d)", result.Records, len(published))
		}
		if !result.Completed() || result.Succeeded() {
			t.Errorf("expected completed import with errors, got %+v", result)
		}
		if len(result.Errors) != 1 {
			t.Errorf("expected 1 collected error, got %v", result.Errors)
		}
		if got := result.Final.Added; len(got) != 2 || got[0].Name != "Game" || got.Total() != 41 {
			t.Errorf("unexpected added counts %+v", got)
		}
		if len(progress) != 3 {
			t.Errorf("expected 3 buffered progress records, got %d", len(progress))
		}
	})

	t.Run("terminal record reaches a slow consumer", func(t *testing.T) {
		srv, _ := importServer(t, records...)
		engine := newEngine(srv)

		progress := make(chan models.ProgressRecord)
		done := make(chan error, 1)
		go func() {
			_, err := engine.Run(context.Background(), api.ImportGames, gamesPayload, progress)
			done <- err
		}()

		time.Sleep(50 * time.Millisecond)

		select {
		case rec := <-progress:
			if !rec.Done {
				t.Errorf("expected terminal record, got %+v", rec)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("terminal record was never delivered")
		}

		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})

	t.Run("stream without terminal record", func(t *testing.T) {
		srv, _ := importServer(t, records[0])
		result, err := newEngine(srv).Run(context.Background(), api.ImportDatabase, gamesPayload, nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.Completed() || result.Records != 1 {
			t.Errorf("expected incomplete result with 1 record, got %+v", result)
		}
	})

	t.Run("request failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `{"error": "admin only"}`)
		}))
		defer srv.Close()

		_, err := newEngine(srv).Run(context.Background(), api.ImportDatabase, gamesPayload, nil)
		if !api.IsStatus(err, http.StatusForbidden) {
			t.Errorf("expected 403 status error, got %v", err)
		}
	})
}

func TestImportEngine_Run_Validation(t *testing.T) {
	called := false
	engine := NewImportEngine(&fakeClient{importFn: func(context.Context, api.ImportKind, []byte) api.Outcome {
		called = true
		return api.Outcome{}
	}})

	tests := []struct {
		name string
		kind api.ImportKind
		data []byte
		want error
	}{
		{"unknown kind", api.ImportKind("songs"), gamesPayload, shared.ErrInvalidArgument},
		{"empty data", api.ImportGames, nil, shared.ErrInvalidInput},
		{"not JSON", api.ImportGames, []byte("not json"), shared.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Run(context.Background(), tt.kind, tt.data, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if called {
		t.Error("client must not be called for invalid input")
	}

	t.Run("nil client", func(t *testing.T) {
		_, err := NewImportEngine(nil).Run(context.Background(), api.ImportGames, gamesPayload, nil)
		if !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Errorf("expected ErrServiceUnavailable, got %v", err)
		}
	})

	t.Run("missing boundary", func(t *testing.T) {
		stream := &trackingStream{Reader: bytes.NewReader(nil)}
		engine := NewImportEngine(&fakeClient{importFn: func(context.Context, api.ImportKind, []byte) api.Outcome {
			out := streamOutcome(stream)
			out.Header.Set("Content-Type", "application/json")
			return out
		}})
		if _, err := engine.Run(context.Background(), api.ImportGames, gamesPayload, nil); !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if !stream.closed {
			t.Error("stream should be closed when decoding cannot start")
		}
	})
}

type trackingStream struct {
	io.Reader
	closed bool
}

func (s *trackingStream) Close() error {
	s.closed = true
	return nil
}

func TestImportEngine_Cancellation(t *testing.T) {
	pr, pw := io.Pipe()
	engine := NewImportEngine(&fakeClient{importFn: func(context.Context, api.ImportKind, []byte) api.Outcome {
		return streamOutcome(pr)
	}})

	go func() {
		fmt.Fprintf(pw, "--%s\r\nContent-Type: application/json\r\n\r\n%s\r\n--%s\r\n",
			boundary, `{"phase": 1, "numPhases": 3, "pct": 5, "text": "Games"}`, boundary)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	progress := make(chan models.ProgressRecord, 1)
	type runResult struct {
		res *ImportResult
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := engine.Run(ctx, api.ImportGames, gamesPayload, progress)
		done <- runResult{res, err}
	}()

	select {
	case rec := <-progress:
		if rec.Text != "Games" {
			t.Errorf("unexpected first record %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first record never arrived")
	}

	cancel()

	select {
	case r := <-done:
		if !errors.Is(r.err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", r.err)
		}
		if r.res == nil || r.res.Records != 1 {
			t.Errorf("expected partial result with 1 record, got %+v", r.res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if _, err := pw.Write([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected stream to be closed, write returned %v", err)
	}
}

func TestImportEngine_Exports(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/database":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"Games": []}`)
		case "/api/game/4/export":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"Games": [{"pk": 4}]}`)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error": "game not found"}`)
		}
	}))
	defer srv.Close()
	engine := newEngine(srv)

	t.Run("ExportDatabase", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := engine.ExportDatabase(context.Background(), &buf)
		if err != nil {
			t.Fatalf("ExportDatabase() error = %v", err)
		}
		if n != int64(buf.Len()) || buf.String() != `{"Games": []}` {
			t.Errorf("unexpected export %q (%d bytes)", buf.String(), n)
		}
	})

	t.Run("ExportGame", func(t *testing.T) {
		var buf bytes.Buffer
		if _, err := engine.ExportGame(context.Background(), 4, &buf); err != nil {
			t.Fatalf("ExportGame() error = %v", err)
		}
		if buf.String() != `{"Games": [{"pk": 4}]}` {
			t.Errorf("unexpected export %q", buf.String())
		}
	})

	t.Run("ExportGame missing", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := engine.ExportGame(context.Background(), 99, &buf)
		if !api.IsStatus(err, http.StatusNotFound) {
			t.Errorf("expected 404, got %v", err)
		}
		if buf.Len() != 0 {
			t.Errorf("nothing should be written on failure, got %q", buf.String())
		}
	})

	t.Run("RunFile missing file", func(t *testing.T) {
		_, err := engine.RunFile(context.Background(), api.ImportGames, filepath.Join(t.TempDir(), "nope.json"), nil)
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected not-exist error, got %v", err)
		}
	})
}

func TestSendProgress_NonBlocking(t *testing.T) {
	progress := make(chan ProgressUpdate)

	done := make(chan struct{})
	go func() {
		sendProgress(progress, ProgressUpdate{Message: "dropped"})
		sendProgress[ProgressUpdate](nil, ProgressUpdate{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("sendProgress should not block on an unread channel")
	}
}
