package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mbingo/internal/api"
	"github.com/desertthunder/mbingo/internal/events"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/multipart"
	"github.com/desertthunder/mbingo/internal/shared"
)

// Client is the part of [api.Client] the engine needs.
type Client interface {
	Import(ctx context.Context, kind api.ImportKind, data []byte, opts ...api.RequestOption) api.Outcome
	ExportDatabase(ctx context.Context, opts ...api.RequestOption) api.Outcome
	ExportGame(ctx context.Context, gamePK int, opts ...api.RequestOption) api.Outcome
}

// ImportResult contains everything an import reported.
type ImportResult struct {
	Kind     api.ImportKind
	Final    models.ProgressRecord // Last record seen; Done is set when the server finished
	Records  int                   // Number of records decoded
	Errors   []string              // Errors from every record, in arrival order
	Started  time.Time
	Finished time.Time
}

// Completed reports whether the server sent its terminal record.
func (r *ImportResult) Completed() bool { return r.Final.Done }

// Succeeded reports whether the import completed without errors.
func (r *ImportResult) Succeeded() bool { return r.Completed() && len(r.Errors) == 0 }

func (r *ImportResult) add(rec models.ProgressRecord) {
	r.Records++
	r.Final = rec
	r.Errors = append(r.Errors, rec.Errors...)
}

// EngineOption configures an [ImportEngine].
type EngineOption func(*ImportEngine)

func WithLogger(l *log.Logger) EngineOption {
	return func(e *ImportEngine) { e.logger = l }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *ImportEngine) { e.now = now }
}

// ImportEngine runs imports and exports against one client.
type ImportEngine struct {
	client   Client
	logger   *log.Logger
	now      func() time.Time
	progress events.Registry[models.ProgressRecord]
}

// NewImportEngine creates an engine. The client is usually an [*api.Client].
func NewImportEngine(client Client, opts ...EngineOption) *ImportEngine {
	e := &ImportEngine{
		client: client,
		logger: shared.DiscardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers fn for every decoded import record. The returned function unsubscribes.
func (e *ImportEngine) Subscribe(fn func(models.ProgressRecord)) func() {
	return e.progress.Subscribe(fn)
}

// sendProgress sends a progress update through the channel without blocking.
// Uses select with default to ensure progress reporting never blocks execution.
func sendProgress[T any](progress chan<- T, update T) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

// sendFinal delivers the terminal record, waiting for the consumer unless ctx ends first.
func sendFinal(ctx context.Context, progress chan<- models.ProgressRecord, rec models.ProgressRecord) {
	if progress == nil {
		return
	}
	select {
	case progress <- rec:
	case <-ctx.Done():
	}
}

// Run uploads data to the import endpoint of kind and decodes the progress stream until it ends.
//
// The progress channel is never closed by Run. A stream that ends without a terminal record is
// not an error: the result's Completed reports false.
func (e *ImportEngine) Run(
	ctx context.Context,
	kind api.ImportKind,
	data []byte,
	progress chan<- models.ProgressRecord,
) (*ImportResult, error) {
	if e.client == nil {
		return nil, fmt.Errorf("%w: client not initialized", shared.ErrServiceUnavailable)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown import kind %q", shared.ErrInvalidArgument, kind)
	}
	if len(data) == 0 || !shared.IsJSON(data) {
		return nil, fmt.Errorf("%w: import data must be a JSON document", shared.ErrInvalidInput)
	}

	result := &ImportResult{Kind: kind, Started: e.now()}
	logger := shared.WithLogger(e.logger, "import", string(kind))

	out := e.client.Import(ctx, kind, data)
	if !out.OK() {
		return nil, fmt.Errorf("import request failed: %w", out.Err)
	}

	dec, err := multipart.NewDecoder(out.Stream, out.Header.Get("Content-Type"),
		multipart.WithLogger(logger), multipart.WithClock(e.now))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	stop := context.AfterFunc(ctx, func() { dec.Close() })
	defer stop()

	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Finished = e.now()
			if ctxErr := ctx.Err(); ctxErr != nil {
				logger.Info("import cancelled", "records", result.Records)
				return result, ctxErr
			}
			return result, fmt.Errorf("import interrupted after %d records: %w", result.Records, err)
		}

		result.add(rec)
		e.progress.Publish(rec)
		if rec.Done {
			sendFinal(ctx, progress, rec)
		} else {
			sendProgress(progress, rec)
		}
		logger.Debug("progress", "phase", rec.Phase, "pct", rec.Pct, "done", rec.Done)
	}

	result.Finished = e.now()
	if !result.Completed() {
		logger.Warn("import stream ended without terminal record", "records", result.Records)
	}
	logger.Info("import finished",
		"records", result.Records,
		"errors", len(result.Errors),
		"added", result.Final.Added.Total(),
		"duration", result.Finished.Sub(result.Started),
	)
	return result, nil
}

// RunFile reads path and imports it.
func (e *ImportEngine) RunFile(ctx context.Context, kind api.ImportKind, path string, progress chan<- models.ProgressRecord) (*ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read import file: %w", err)
	}
	return e.Run(ctx, kind, data, progress)
}

// ExportDatabase streams the database dump into w and returns the bytes written.
func (e *ImportEngine) ExportDatabase(ctx context.Context, w io.Writer) (int64, error) {
	if e.client == nil {
		return 0, fmt.Errorf("%w: client not initialized", shared.ErrServiceUnavailable)
	}
	return copyOutcome(w, e.client.ExportDatabase(ctx))
}

// ExportGame streams one game's export into w and returns the bytes written.
func (e *ImportEngine) ExportGame(ctx context.Context, gamePK int, w io.Writer) (int64, error) {
	if e.client == nil {
		return 0, fmt.Errorf("%w: client not initialized", shared.ErrServiceUnavailable)
	}
	return copyOutcome(w, e.client.ExportGame(ctx, gamePK))
}

// copyOutcome writes the body of a successful outcome to w, closing its stream.
func copyOutcome(w io.Writer, out api.Outcome) (int64, error) {
	if !out.OK() {
		return 0, out.Err
	}
	defer out.Close()

	switch {
	case out.Stream != nil:
		n, err := io.Copy(w, out.Stream)
		if err != nil {
			return n, fmt.Errorf("%w: export stream: %v", shared.ErrTransport, err)
		}
		return n, nil
	case len(out.Payload) > 0:
		n, err := w.Write(out.Payload)
		return int64(n), err
	default:
		n, err := w.Write(out.Body)
		return int64(n), err
	}
}
