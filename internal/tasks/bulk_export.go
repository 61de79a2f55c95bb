package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/desertthunder/mbingo/internal/formatter"
	"github.com/desertthunder/mbingo/internal/shared"
	"golang.org/x/time/rate"
)

const (
	defaultExportWorkers = 3
	maxExportWorkers     = 10
	defaultExportRate    = 5.0
	ManifestFile         = "export_manifest.json"
	DatabaseFile         = "database.json"
)

// BulkExportOpts contains configuration for bulk game exports.
type BulkExportOpts struct {
	OutputDir       string  // Base output directory (default: mbingo_export_{epoch})
	NumWorkers      int     // Concurrent workers (default: 3, max: 10)
	RateLimit       float64 // Requests per second (default: 5)
	IncludeDatabase bool    // Also dump /api/database into database.json
}

// GameExportResult is the outcome of exporting one game, or the database dump when GamePK is 0.
type GameExportResult struct {
	GamePK  int
	File    string
	Bytes   int64
	Success bool
	Error   error
}

// BulkExportResult summarizes a bulk export.
type BulkExportResult struct {
	TotalGames        int
	SuccessfulExports int
	FailedExports     int
	OutputDirectory   string
	ManifestPath      string
	Database          *GameExportResult
	Results           []GameExportResult // Sorted by game
}

// GameFile is the name of a game's export file.
func GameFile(gamePK int) string { return fmt.Sprintf("game-%d.json", gamePK) }

// BulkExport exports multiple games concurrently with rate limiting and progress tracking.
//
// Failed games do not stop the run; they are counted and listed in the manifest.
// The returned error is reserved for setup failures, cancellation and manifest writes.
func (e *ImportEngine) BulkExport(
	ctx context.Context,
	prog chan<- ProgressUpdate,
	gamePKs []int,
	opts BulkExportOpts,
) (*BulkExportResult, error) {
	if e.client == nil {
		return nil, fmt.Errorf("%w: client not initialized", shared.ErrServiceUnavailable)
	}
	if len(gamePKs) == 0 && !opts.IncludeDatabase {
		return nil, fmt.Errorf("%w: no games to export", shared.ErrMissingArgument)
	}

	if opts.OutputDir == "" {
		opts.OutputDir = fmt.Sprintf("mbingo_export_%d", e.now().Unix())
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = defaultExportWorkers
	}
	if opts.NumWorkers > maxExportWorkers {
		opts.NumWorkers = maxExportWorkers
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultExportRate
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	result := &BulkExportResult{
		TotalGames:      len(gamePKs),
		OutputDirectory: opts.OutputDir,
		Results:         make([]GameExportResult, 0, len(gamePKs)),
	}
	limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), 1)

	if opts.IncludeDatabase {
		sendProgress(prog, exportingDatabaseUpdate())
		if err := limiter.Wait(ctx); err != nil {
			return result, err
		}
		db := e.exportDatabaseFile(ctx, opts.OutputDir)
		result.Database = &db
		sendProgress(prog, databaseExportedUpdate(db))
	}

	jobs := make(chan int, len(gamePKs))
	results := make(chan GameExportResult, len(gamePKs))

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go e.exportWorker(ctx, &wg, limiter, jobs, results, opts)
	}

	go func() {
		defer close(jobs)
		for i, pk := range gamePKs {
			select {
			case <-ctx.Done():
				return
			case jobs <- pk:
				sendProgress(prog, exportingGameUpdate(i+1, len(gamePKs), pk))
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	completed := 0
	for res := range results {
		completed++
		result.Results = append(result.Results, res)

		if res.Success {
			result.SuccessfulExports++
			sendProgress(prog, exportCompletedUpdate(completed, len(gamePKs), res))
		} else {
			result.FailedExports++
			sendProgress(prog, exportFailedUpdate(completed, len(gamePKs), res))
		}
	}
	sort.Slice(result.Results, func(i, j int) bool { return result.Results[i].GamePK < result.Results[j].GamePK })

	if err := ctx.Err(); err != nil {
		return result, err
	}

	manifestPath := filepath.Join(opts.OutputDir, ManifestFile)
	if err := formatter.WriteExportManifest(e.manifest(result), manifestPath); err != nil {
		return result, fmt.Errorf("export completed but failed to write manifest: %w", err)
	}
	result.ManifestPath = manifestPath
	sendProgress(prog, manifestUpdate(manifestPath))
	return result, nil
}

// exportWorker is a worker goroutine that exports games from the jobs channel.
func (e *ImportEngine) exportWorker(
	ctx context.Context,
	wg *sync.WaitGroup,
	limiter *rate.Limiter,
	jobs <-chan int,
	results chan<- GameExportResult,
	opts BulkExportOpts,
) {
	defer wg.Done()

	for pk := range jobs {
		if err := limiter.Wait(ctx); err != nil {
			results <- GameExportResult{GamePK: pk, Error: err}
			continue
		}
		results <- e.exportGameFile(ctx, pk, opts.OutputDir)
	}
}

func (e *ImportEngine) exportGameFile(ctx context.Context, gamePK int, dir string) GameExportResult {
	res := GameExportResult{GamePK: gamePK, File: filepath.Join(dir, GameFile(gamePK))}
	res.Bytes, res.Error = e.writeExport(res.File, func(f *os.File) (int64, error) {
		return e.ExportGame(ctx, gamePK, f)
	})
	res.Success = res.Error == nil
	return res
}

func (e *ImportEngine) exportDatabaseFile(ctx context.Context, dir string) GameExportResult {
	res := GameExportResult{File: filepath.Join(dir, DatabaseFile)}
	res.Bytes, res.Error = e.writeExport(res.File, func(f *os.File) (int64, error) {
		return e.ExportDatabase(ctx, f)
	})
	res.Success = res.Error == nil
	return res
}

// writeExport creates path, fills it with fill and removes it again when fill fails.
func (e *ImportEngine) writeExport(path string, fill func(*os.File) (int64, error)) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}

	n, err := fill(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close export file: %w", cerr)
	}
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			e.logger.Warn("failed to remove partial export", "path", path, "error", rmErr)
		}
		return n, err
	}
	return n, nil
}

func (e *ImportEngine) manifest(r *BulkExportResult) *formatter.ExportManifest {
	m := &formatter.ExportManifest{
		GeneratedAt:     e.now().UTC(),
		OutputDirectory: r.OutputDirectory,
		Total:           r.TotalGames,
		Successful:      r.SuccessfulExports,
		Failed:          r.FailedExports,
	}
	if r.Database != nil {
		m.Entries = append(m.Entries, manifestEntry("database", *r.Database))
	}
	for _, res := range r.Results {
		m.Entries = append(m.Entries, manifestEntry(fmt.Sprintf("game %d", res.GamePK), res))
	}
	return m
}

func manifestEntry(name string, res GameExportResult) formatter.ManifestEntry {
	entry := formatter.ManifestEntry{Name: name, GamePK: res.GamePK, Bytes: res.Bytes}
	if res.Success {
		entry.File = filepath.Base(res.File)
	}
	if res.Error != nil {
		entry.Error = res.Error.Error()
	}
	return entry
}
