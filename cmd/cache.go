package main

import (
	"context"
	"fmt"

	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
	"github.com/urfave/cli/v3"
)

// CacheList prints every game with a stored ticket snapshot.
func (r *Runner) CacheList(ctx context.Context, cmd *cli.Command) error {
	if r.snapshots == nil {
		return fmt.Errorf("%w: no database configured", shared.ErrMissingConfig)
	}

	games, err := r.snapshots.Games()
	if err != nil {
		return err
	}
	if len(games) == 0 {
		return r.writePlain("No cached games\n")
	}

	r.writePlainHeader("Cached Games")
	for _, pk := range games {
		list, err := r.snapshots.List(pk)
		if err != nil {
			return err
		}
		claimed := 0
		var newest models.Ticket
		for _, t := range list {
			if t.Owner != models.NoOwner {
				claimed++
			}
			if t.UpdatedAt.After(newest.UpdatedAt) {
				newest = t
			}
		}
		r.writePlain("game %-6d %3d tickets  %3d claimed  updated %s\n",
			pk, len(list), claimed, newest.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

// CacheClear deletes the stored snapshot of one game.
func (r *Runner) CacheClear(ctx context.Context, cmd *cli.Command) error {
	if r.snapshots == nil {
		return fmt.Errorf("%w: no database configured", shared.ErrMissingConfig)
	}
	gamePK, err := intArg(cmd, "game")
	if err != nil {
		return err
	}

	if err := r.snapshots.Delete(gamePK); err != nil {
		return err
	}
	r.logger.Info("snapshot deleted", "game", gamePK)
	return r.writePlain("✓ Cleared cached tickets of game %d\n", gamePK)
}
