package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/mbingo/internal/api"
	"github.com/desertthunder/mbingo/internal/formatter"
	"github.com/desertthunder/mbingo/internal/shared"
	"github.com/desertthunder/mbingo/internal/ui"
	"github.com/urfave/cli/v3"
)

// redirectLogs sends logs to log.file so they do not interfere with TUI rendering.
func (r *Runner) redirectLogs() error {
	path := r.config.Log.File
	if path == "" {
		path = shared.DefaultConfig().Log.File
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	fileLogger, err := shared.NewFileLogger(path)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	shared.SetLogLevel(fileLogger, r.logger.GetLevel())
	r.SetLogger(fileLogger)
	return nil
}

// importTUI runs an import behind the interactive progress view.
func (r *Runner) importTUI(ctx context.Context, kind api.ImportKind, data []byte, source string) error {
	if err := r.redirectLogs(); err != nil {
		return err
	}

	model := ui.NewImportModel(ctx, r.engine, kind, data, filepath.Base(source))
	if _, err := tea.NewProgram(model).Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	result, err := model.Result()
	if err != nil {
		return err
	}
	if result != nil && !result.Succeeded() {
		r.writePlain("%s", formatter.ImportSummary(result.Final, result.Errors))
	}
	return nil
}

// TicketBoard launches the interactive ticket board for a game. Status polls run in the
// background and the refresh key triggers an extra one.
func (r *Runner) TicketBoard(ctx context.Context, cmd *cli.Command) error {
	gamePK, err := intArg(cmd, "game")
	if err != nil {
		return err
	}
	if err := r.redirectLogs(); err != nil {
		return err
	}
	if err := r.requireSession(ctx); err != nil {
		return err
	}
	if r.config.Session.RefreshOnStart && r.client.Tokens().Get().HasRefresh() {
		if err := r.client.RefreshSession(ctx); err != nil {
			r.logger.Warn("refresh on start failed", "error", err)
		}
	}

	if r.snapshots != nil {
		if cached, err := r.snapshots.List(gamePK); err == nil {
			r.reconciler.Load(cached)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	poller := r.newPoller(gamePK, 0)
	go poller.Run(ctx)

	model := ui.NewBoardModel(ctx, r.reconciler, gamePK, r.client.User().PK, poller.Trigger)
	defer model.Close()

	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	r.saveSnapshot(gamePK)
	return nil
}
