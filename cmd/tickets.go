package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/mbingo/internal/formatter"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
	"github.com/desertthunder/mbingo/internal/tickets"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"
)

// ListTickets prints the tickets of a game, from the server or from the stored snapshot.
func (r *Runner) ListTickets(ctx context.Context, cmd *cli.Command) error {
	gamePK, err := intArg(cmd, "game")
	if err != nil {
		return err
	}
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	var list []models.Ticket
	me := models.NoOwner
	if cmd.Bool("cached") {
		if r.snapshots == nil {
			return fmt.Errorf("%w: --cached needs a database", shared.ErrMissingConfig)
		}
		if list, err = r.snapshots.List(gamePK); err != nil {
			return err
		}
		if len(list) == 0 {
			return fmt.Errorf("%w: no snapshot of game %d", shared.ErrGameNotFound, gamePK)
		}
		if u := r.client.User(); u != nil {
			me = u.PK
		}
	} else {
		if err := r.requireSession(ctx); err != nil {
			return err
		}
		if list, err = r.reconciler.FetchTickets(ctx, gamePK); err != nil {
			return err
		}
		me = r.client.User().PK
		r.saveSnapshot(gamePK)
	}

	if path := cmd.String("output"); path != "" {
		if err := formatter.WriteTicketExport(format, gamePK, list, me, path); err != nil {
			return err
		}
		return r.writePlain("✓ Wrote %d tickets to %s\n", len(list), path)
	}

	out, err := formatter.RenderTickets(format, gamePK, list, me)
	if err != nil {
		return err
	}
	_, err = r.output.Write(out)
	return err
}

// ClaimTicket claims a ticket for the current user.
func (r *Runner) ClaimTicket(ctx context.Context, cmd *cli.Command) error {
	return r.ticketOp(ctx, cmd, "claimed", r.reconciler.Claim)
}

// ReleaseTicket gives a ticket back.
func (r *Runner) ReleaseTicket(ctx context.Context, cmd *cli.Command) error {
	return r.ticketOp(ctx, cmd, "released", r.reconciler.Release)
}

// CheckCell marks a cell of an owned ticket.
func (r *Runner) CheckCell(ctx context.Context, cmd *cli.Command) error {
	return r.cellOp(ctx, cmd, true)
}

// UncheckCell clears a cell of an owned ticket.
func (r *Runner) UncheckCell(ctx context.Context, cmd *cli.Command) error {
	return r.cellOp(ctx, cmd, false)
}

// prepareTicket parses <game> <ticket>, checks the session and loads the game so the
// reconciler validates against the server's current state.
func (r *Runner) prepareTicket(ctx context.Context, cmd *cli.Command) (gamePK, ticketPK int, err error) {
	if gamePK, err = intArg(cmd, "game"); err != nil {
		return 0, 0, err
	}
	if ticketPK, err = intArg(cmd, "ticket"); err != nil {
		return 0, 0, err
	}
	if err = r.requireSession(ctx); err != nil {
		return 0, 0, err
	}
	if _, err = r.reconciler.FetchTickets(ctx, gamePK); err != nil {
		return 0, 0, err
	}
	if _, ok := r.reconciler.Ticket(ticketPK); !ok {
		return 0, 0, fmt.Errorf("%w: ticket %d in game %d", shared.ErrTicketNotFound, ticketPK, gamePK)
	}
	return gamePK, ticketPK, nil
}

func (r *Runner) ticketOp(ctx context.Context, cmd *cli.Command, op string, fn func(context.Context, int, int) error) error {
	gamePK, ticketPK, err := r.prepareTicket(ctx, cmd)
	if err != nil {
		return err
	}

	unsubscribe := r.reconciler.SubscribeConflicts(func(c tickets.Conflict) {
		r.logger.Warn("claim conflict", "game", c.GamePK, "ticket", c.TicketPK, "message", c.Message)
	})
	defer unsubscribe()

	err = fn(ctx, gamePK, ticketPK)
	r.saveSnapshot(gamePK)
	if err != nil {
		if errors.Is(err, shared.ErrTicketTaken) {
			return fmt.Errorf("ticket %d is already claimed by somebody else: %w", ticketPK, err)
		}
		return err
	}

	t, _ := r.reconciler.Ticket(ticketPK)
	return r.writePlain("✓ %s ticket %d (pk %d), now %s\n", op, t.Number, t.PK, formatter.OwnerLabel(t, r.client.User().PK))
}

func (r *Runner) cellOp(ctx context.Context, cmd *cli.Command, checked bool) error {
	cell, err := intArg(cmd, "cell")
	if err != nil {
		return err
	}
	if cell >= models.MaxCells {
		return fmt.Errorf("%w: %d", shared.ErrInvalidCell, cell)
	}
	gamePK, ticketPK, err := r.prepareTicket(ctx, cmd)
	if err != nil {
		return err
	}

	err = r.reconciler.SetCell(ctx, gamePK, ticketPK, cell, checked)
	r.saveSnapshot(gamePK)
	if err != nil {
		return err
	}

	t, _ := r.reconciler.Ticket(ticketPK)
	return r.writePlain("✓ ticket %d cells: %s\n", t.Number, formatter.CellList(t.CheckedMask))
}

// WatchTickets polls a game's claim status and prints every visible change.
func (r *Runner) WatchTickets(ctx context.Context, cmd *cli.Command) error {
	gamePK, err := intArg(cmd, "game")
	if err != nil {
		return err
	}
	if err := r.requireSession(ctx); err != nil {
		return err
	}

	if d := cmd.Duration("for"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	poller := r.newPoller(gamePK, cmd.Duration("interval"))
	me := r.client.User().PK

	unsubs := []func(){
		r.reconciler.Subscribe(func(ev tickets.TicketEvent) {
			if ev.Ticket.GamePK != gamePK {
				return
			}
			t := ev.Ticket
			r.writePlain("%s  ticket %-4d %-10s cells %s (%s)\n",
				time.Now().Format(time.TimeOnly), t.Number, formatter.OwnerLabel(t, me), formatter.CellList(t.CheckedMask), ev.Source)
		}),
		poller.OnError(func(e tickets.PollError) {
			r.writePlain("%s  poll failed: %v\n", e.Timestamp.Format(time.TimeOnly), e.Err)
		}),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	r.writePlain("Watching game %d, press Ctrl+C to stop\n", gamePK)
	err = poller.Run(ctx)
	r.saveSnapshot(gamePK)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newPoller builds a status poller for gamePK. A zero interval uses tickets.poll_interval.
func (r *Runner) newPoller(gamePK int, interval time.Duration) *tickets.Poller {
	if interval <= 0 {
		interval = r.config.Tickets.PollInterval.Duration
	}
	opts := []tickets.PollerOption{
		tickets.WithInterval(interval),
		tickets.WithPollerLogger(r.logger),
	}
	if r.config.Tickets.TriggerRate > 0 {
		opts = append(opts, tickets.WithTriggerRate(rate.Limit(r.config.Tickets.TriggerRate)))
	}
	return tickets.NewPoller(r.reconciler, gamePK, opts...)
}

// saveSnapshot stores the reconciled tickets of gamePK for offline listing.
func (r *Runner) saveSnapshot(gamePK int) {
	if r.snapshots == nil {
		return
	}
	list := r.reconciler.Tickets(gamePK)
	if len(list) == 0 {
		return
	}
	if err := r.snapshots.SaveSnapshot(gamePK, list, time.Now()); err != nil {
		r.logger.Warn("failed to save ticket snapshot", "game", gamePK, "error", err)
	}
}
