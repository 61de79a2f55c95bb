package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mbingo/internal/shared"
)

type routesHandler struct {
	routes []string
}

func (h *routesHandler) Routes() []string { return h.routes }

func (h *routesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "handled "+r.URL.Path)
}

func TestBasicRouter(t *testing.T) {
	t.Run("Method Patterns", func(t *testing.T) {
		r := NewBasicRouter()
		r.HandleFunc(http.MethodPut, "/api/game/{game}/ticket/{ticket}", func(w http.ResponseWriter, req *http.Request) {
			io.WriteString(w, "claim "+req.PathValue("ticket"))
		})
		r.HandleFunc(http.MethodDelete, "/api/game/{game}/ticket/{ticket}", func(w http.ResponseWriter, req *http.Request) {
			io.WriteString(w, "release "+req.PathValue("ticket"))
		})

		tests := []struct {
			method string
			status int
			body   string
		}{
			{http.MethodPut, http.StatusOK, "claim 3483"},
			{http.MethodDelete, http.StatusOK, "release 3483"},
			{http.MethodPost, http.StatusMethodNotAllowed, ""},
		}
		for _, tt := range tests {
			t.Run(tt.method, func(t *testing.T) {
				rec := httptest.NewRecorder()
				r.ServeHTTP(rec, httptest.NewRequest(tt.method, "/api/game/4/ticket/3483", nil))

				if rec.Code != tt.status {
					t.Errorf("expected status %d, got %d", tt.status, rec.Code)
				}
				if tt.body != "" && rec.Body.String() != tt.body {
					t.Errorf("expected body %q, got %q", tt.body, rec.Body.String())
				}
			})
		}
	})

	t.Run("Middleware Order", func(t *testing.T) {
		var order []string
		mark := func(name string) Middleware {
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					order = append(order, name)
					next.ServeHTTP(w, req)
				})
			}
		}

		r := NewBasicRouter()
		r.Use(mark("first"), mark("second"))
		r.HandleFunc(http.MethodGet, "/", func(w http.ResponseWriter, req *http.Request) {
			order = append(order, "handler")
		})

		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		if strings.Join(order, ",") != "first,second,handler" {
			t.Errorf("unexpected middleware order %v", order)
		}
	})

	t.Run("Handler Routes", func(t *testing.T) {
		r := NewBasicRouter()
		r.Handler(&routesHandler{routes: []string{"/api/"}})

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/anything", nil))
		if rec.Body.String() != "handled /api/anything" {
			t.Errorf("unexpected body %q", rec.Body.String())
		}

		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 outside mounted routes, got %d", rec.Code)
		}
	})
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})

	r := NewBasicRouter()
	r.Use(RequestLogger(logger))
	r.HandleFunc(http.MethodGet, "/ok", func(w http.ResponseWriter, req *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Error("logged responses must stay flushable")
		}
		io.WriteString(w, "fine")
	})
	r.HandleFunc(http.MethodGet, "/missing", func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Request-ID", "req-1")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	out := buf.String()
	for _, want := range []string{"INFO", "path=/ok", "status=200", "request_id=req-1", "WARN", "status=404"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestServe(t *testing.T) {
	r := NewBasicRouter()
	r.HandleFunc(http.MethodGet, "/ping", func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, "pong")
	})

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", r, shared.DiscardLogger(), ready) }()

	var addr string
	select {
	case addr = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}

	resp, err := http.Get("http://" + addr + "/ping")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Errorf("unexpected body %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	t.Run("Address In Use", func(t *testing.T) {
		ln := httptest.NewServer(r)
		defer ln.Close()
		addr := strings.TrimPrefix(ln.URL, "http://")
		if err := Serve(context.Background(), addr, r, shared.DiscardLogger(), nil); err == nil {
			t.Error("expected listen error")
		}
	})
}
