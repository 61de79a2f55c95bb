package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/desertthunder/mbingo/internal/api"
	"github.com/desertthunder/mbingo/internal/formatter"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
	"github.com/desertthunder/mbingo/internal/tasks"
	"github.com/urfave/cli/v3"
)

// ImportDatabase uploads a database dump and follows its progress.
func (r *Runner) ImportDatabase(ctx context.Context, cmd *cli.Command) error {
	return r.runImport(ctx, cmd, api.ImportDatabase)
}

// ImportGames uploads game definitions and follows their progress.
func (r *Runner) ImportGames(ctx context.Context, cmd *cli.Command) error {
	return r.runImport(ctx, cmd, api.ImportGames)
}

func (r *Runner) runImport(ctx context.Context, cmd *cli.Command, kind api.ImportKind) error {
	path := cmd.StringArg("file")
	if path == "" {
		return fmt.Errorf("%w: <file>", shared.ErrMissingArgument)
	}
	if err := r.requireSession(ctx); err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}
	if !shared.IsJSON(data) {
		return fmt.Errorf("%w: %s is not a JSON document", shared.ErrInvalidInput, path)
	}

	if cmd.Bool("tui") {
		return r.importTUI(ctx, kind, data, path)
	}

	asJSON := cmd.Bool("json")
	r.logger.Info("starting import", "kind", kind, "file", path, "bytes", len(data))
	if !asJSON {
		r.writePlain("Importing %s into %s...\n", path, kind)
	}

	progressCh := make(chan models.ProgressRecord, 50)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range progressCh {
			if asJSON {
				r.writeJSON(rec, false)
				continue
			}
			r.writePlain("  %s\n", formatter.ProgressLine(rec))
		}
	}()

	result, err := r.engine.Run(ctx, kind, data, progressCh)
	close(progressCh)
	<-done

	if err != nil {
		return err
	}
	if asJSON {
		return nil
	}

	r.writePlain("\n")
	switch {
	case !result.Completed():
		r.writePlainHeader("Import Incomplete")
		r.writePlain("The server closed the stream after %d records\n", result.Records)
	case result.Succeeded():
		r.writePlainHeader("Import Complete!")
	default:
		r.writePlainHeader(fmt.Sprintf("Import Finished With %d Errors", len(result.Errors)))
	}
	r.writePlain("%s", formatter.ImportSummary(result.Final, result.Errors))
	r.writePlain("Duration: %s\n", result.Finished.Sub(result.Started).Round(time.Millisecond))
	return nil
}

// ExportDatabase downloads the database dump to --output or stdout.
func (r *Runner) ExportDatabase(ctx context.Context, cmd *cli.Command) error {
	if err := r.requireSession(ctx); err != nil {
		return err
	}
	return r.exportTo(cmd.String("output"), func(w io.Writer) (int64, error) {
		return r.engine.ExportDatabase(ctx, w)
	})
}

// ExportGame downloads one game's export to --output or stdout.
func (r *Runner) ExportGame(ctx context.Context, cmd *cli.Command) error {
	gamePK, err := intArg(cmd, "game")
	if err != nil {
		return err
	}
	if err := r.requireSession(ctx); err != nil {
		return err
	}
	return r.exportTo(cmd.String("output"), func(w io.Writer) (int64, error) {
		return r.engine.ExportGame(ctx, gamePK, w)
	})
}

func (r *Runner) exportTo(path string, fill func(io.Writer) (int64, error)) error {
	if path == "" {
		_, err := fill(r.output)
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	n, err := fill(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return err
	}

	r.logger.Info("export written", "path", path, "bytes", n)
	return r.writePlain("✓ Exported %d bytes to %s\n", n, path)
}

// BulkExport exports several games concurrently into a directory with a manifest.
func (r *Runner) BulkExport(ctx context.Context, cmd *cli.Command) error {
	gamePKs, err := parseIntList(cmd.String("games"))
	if err != nil {
		return err
	}
	if err := r.requireSession(ctx); err != nil {
		return err
	}

	opts := tasks.BulkExportOpts{
		OutputDir:       cmd.String("output"),
		NumWorkers:      int(cmd.Int("workers")),
		RateLimit:       cmd.Float64("rate"),
		IncludeDatabase: cmd.Bool("include-database"),
	}

	progressCh := make(chan tasks.ProgressUpdate, 50)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for update := range progressCh {
			switch update.Phase {
			case tasks.ExportDatabase:
				r.writePlain("🗄  %s\n", update.Message)
			case tasks.ExportGames:
				r.writePlain("   %s\n", update.Message)
			case tasks.WriteManifest:
				r.writePlain("\n📝 %s\n", update.Message)
			}
		}
	}()

	result, err := r.engine.BulkExport(ctx, progressCh, gamePKs, opts)
	close(progressCh)
	<-done

	if err != nil {
		return err
	}

	r.writePlain("\n")
	r.writePlainHeader("Export Complete!")
	r.writePlain("Directory: %s\n", result.OutputDirectory)
	r.writePlain("Games: %d/%d exported\n", result.SuccessfulExports, result.TotalGames)
	if result.Database != nil {
		if result.Database.Success {
			r.writePlain("Database: %s (%d bytes)\n", result.Database.File, result.Database.Bytes)
		} else {
			r.writePlain("Database: failed (%v)\n", result.Database.Error)
		}
	}
	if result.FailedExports > 0 {
		r.writePlain("\nFailed games:\n")
		for _, res := range result.Results {
			if !res.Success {
				r.writePlain("  - game %d: %v\n", res.GamePK, res.Error)
			}
		}
	}
	r.writePlain("Manifest: %s\n", result.ManifestPath)
	return nil
}
