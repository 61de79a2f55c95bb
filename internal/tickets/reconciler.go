package tickets

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mbingo/internal/api"
	"github.com/desertthunder/mbingo/internal/events"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
)

// API is the subset of [api.Client] the reconciler drives.
type API interface {
	User() *models.User
	ListTickets(ctx context.Context, gamePK int) ([]models.Ticket, error)
	GameStatus(ctx context.Context, gamePK int) (models.TicketStatus, error)
	ClaimTicket(ctx context.Context, gamePK, ticketPK int, opts ...api.RequestOption) api.Outcome
	ReleaseTicket(ctx context.Context, gamePK, ticketPK int, opts ...api.RequestOption) api.Outcome
	SetCell(ctx context.Context, gamePK, ticketPK, cell int, checked bool, opts ...api.RequestOption) api.Outcome
}

// Source names the producer of a [TicketEvent].
type Source string

const (
	SourceLocal    Source = "local"
	SourceResponse Source = "response"
	SourcePoll     Source = "poll"
	SourceFetch    Source = "fetch"
	SourceCache    Source = "cache"
)

// TicketEvent carries the visible state of a ticket after a change.
type TicketEvent struct {
	Ticket models.Ticket
	Source Source
}

// Conflict is published when a claim is rejected because somebody else holds the ticket.
type Conflict struct {
	GamePK    int
	TicketPK  int
	Number    int
	Message   string
	Timestamp time.Time
}

// Observation is an authoritative statement about one ticket taken at Stamp. A nil Mask keeps
// the current mask unless the owner changes. Source tags the resulting event and defaults to
// [SourcePoll].
type Observation struct {
	GamePK   int
	TicketPK int
	Owner    models.UserID
	Mask     *uint64
	Stamp    models.Stamp
	Source   Source
}

// Option configures a [Reconciler].
type Option func(*Reconciler)

func WithLogger(l *log.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithClock sets the wall clock used for UpdatedAt and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler owns per-ticket ownership state. All methods are safe for concurrent use.
type Reconciler struct {
	api    API
	clock  Clock
	logger *log.Logger
	now    func() time.Time

	mu      sync.Mutex
	tickets map[int]*entry
	games   map[int]*models.Game

	changes   events.Registry[TicketEvent]
	conflicts events.Registry[Conflict]
}

// NewReconciler creates an empty reconciler backed by client.
func NewReconciler(client API, opts ...Option) *Reconciler {
	r := &Reconciler{
		api:     client,
		logger:  shared.DiscardLogger(),
		now:     time.Now,
		tickets: make(map[int]*entry),
		games:   make(map[int]*models.Game),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stamp issues a new logical timestamp. Producers stamp an observation when they start it.
func (r *Reconciler) Stamp() models.Stamp {
	return r.clock.Next()
}

// Subscribe registers fn for every visible ticket change.
func (r *Reconciler) Subscribe(fn func(TicketEvent)) func() {
	return r.changes.Subscribe(fn)
}

// SubscribeConflicts registers fn for rejected claims.
func (r *Reconciler) SubscribeConflicts(fn func(Conflict)) func() {
	return r.conflicts.Subscribe(fn)
}

func (r *Reconciler) publish(evs []TicketEvent) {
	for _, ev := range evs {
		r.changes.Publish(ev)
	}
}

// me returns the current user, or an error when logged out.
func (r *Reconciler) me() (*models.User, error) {
	u := r.api.User()
	if u == nil {
		return nil, shared.ErrNotAuthenticated
	}
	return u, nil
}

// game returns the game record, creating it on first use. Callers hold mu.
func (r *Reconciler) game(gamePK int) *models.Game {
	g, ok := r.games[gamePK]
	if !ok {
		g = &models.Game{PK: gamePK, Invalid: true}
		r.games[gamePK] = g
	}
	return g
}

// entry returns the ticket entry, creating a placeholder on first use. Callers hold mu.
func (r *Reconciler) entry(gamePK, ticketPK int) *entry {
	e, ok := r.tickets[ticketPK]
	if !ok {
		e = &entry{auth: models.Ticket{PK: ticketPK, GamePK: gamePK}}
		r.tickets[ticketPK] = e
		r.game(gamePK)
	}
	return e
}

// issue validates the ticket's visible state with check, then appends a pending op.
func (r *Reconciler) issue(gamePK, ticketPK int, op pendingOp, check func(models.Ticket) error) (pendingOp, error) {
	r.mu.Lock()
	e := r.entry(gamePK, ticketPK)
	if err := check(e.visible()); err != nil {
		r.mu.Unlock()
		return pendingOp{}, err
	}
	op.stamp = r.clock.Next()
	e.pending = append(e.pending, op)
	e.auth.UpdatedAt = r.now()
	ev := TicketEvent{Ticket: e.visible(), Source: SourceLocal}
	r.mu.Unlock()

	r.logger.Debug("optimistic update", "op", op.kind, "ticket", ticketPK, "stamp", op.stamp)
	r.publish([]TicketEvent{ev})
	return op, nil
}

// resolve settles a pending op from its response. Responses for dropped ops are ignored.
func (r *Reconciler) resolve(ticketPK int, op pendingOp, out api.Outcome) bool {
	r.mu.Lock()
	e, ok := r.tickets[ticketPK]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := e.take(op.stamp); !ok {
		r.mu.Unlock()
		r.logger.Debug("ignoring superseded response", "op", op.kind, "ticket", ticketPK, "stamp", op.stamp)
		return false
	}

	switch {
	case out.OK():
		e.confirm(op)
	case op.kind == opClaim && out.Status == http.StatusNotAcceptable:
		if e.auth.Owner == models.NoOwner || e.auth.Owner == op.owner {
			e.auth.Owner = models.UnknownOwner
			e.auth.CheckedMask = 0
		}
		e.auth.LastUpdated = max(e.auth.LastUpdated, op.stamp)
	}
	e.auth.UpdatedAt = r.now()
	ev := TicketEvent{Ticket: e.visible(), Source: SourceResponse}
	r.mu.Unlock()

	r.publish([]TicketEvent{ev})
	return true
}

// Claim claims an unclaimed ticket for the current user. Claiming an owned ticket is a no-op.
// A 406 response returns [shared.ErrTicketTaken] and publishes a [Conflict].
func (r *Reconciler) Claim(ctx context.Context, gamePK, ticketPK int) error {
	me, err := r.me()
	if err != nil {
		return err
	}

	mine := false
	op, err := r.issue(gamePK, ticketPK, pendingOp{kind: opClaim, owner: me.PK}, func(t models.Ticket) error {
		switch t.ClaimState(me.PK) {
		case models.ClaimedByMe:
			mine = true
			return errNoop
		case models.ClaimedByOther:
			return fmt.Errorf("%w: ticket %d", shared.ErrTicketTaken, ticketPK)
		}
		return nil
	})
	if mine {
		return nil
	}
	if err != nil {
		return err
	}

	out := r.api.ClaimTicket(ctx, gamePK, ticketPK)
	r.resolve(ticketPK, op, out)

	switch {
	case out.OK():
		return nil
	case out.Status == http.StatusNotAcceptable:
		t, _ := r.Ticket(ticketPK)
		r.conflicts.Publish(Conflict{
			GamePK:    gamePK,
			TicketPK:  ticketPK,
			Number:    t.Number,
			Message:   out.Message,
			Timestamp: r.now(),
		})
		r.logger.Info("ticket already taken", "game", gamePK, "ticket", ticketPK)
		return fmt.Errorf("%w: ticket %d", shared.ErrTicketTaken, ticketPK)
	default:
		return out.Err
	}
}

// Release releases a ticket owned by the current user. Admins may release any claimed ticket.
func (r *Reconciler) Release(ctx context.Context, gamePK, ticketPK int) error {
	me, err := r.me()
	if err != nil {
		return err
	}

	noop := false
	op, err := r.issue(gamePK, ticketPK, pendingOp{kind: opRelease}, func(t models.Ticket) error {
		switch t.ClaimState(me.PK) {
		case models.ClaimedByMe:
			return nil
		case models.ClaimedByOther:
			if me.IsAdmin() {
				return nil
			}
		case models.Unclaimed:
			if me.IsAdmin() {
				noop = true
				return errNoop
			}
		}
		return fmt.Errorf("%w: ticket %d", shared.ErrNotTicketOwner, ticketPK)
	})
	if noop {
		return nil
	}
	if err != nil {
		return err
	}

	out := r.api.ReleaseTicket(ctx, gamePK, ticketPK)
	r.resolve(ticketPK, op, out)
	if !out.OK() {
		return out.Err
	}
	return nil
}

// SetCell checks or unchecks a cell of a ticket owned by the current user.
func (r *Reconciler) SetCell(ctx context.Context, gamePK, ticketPK, cell int, checked bool) error {
	if cell < 0 || cell >= models.MaxCells {
		return fmt.Errorf("%w: %d", shared.ErrInvalidCell, cell)
	}
	me, err := r.me()
	if err != nil {
		return err
	}

	kind := opUncheck
	if checked {
		kind = opCheck
	}

	noop := false
	op, err := r.issue(gamePK, ticketPK, pendingOp{kind: kind, cell: cell}, func(t models.Ticket) error {
		if t.ClaimState(me.PK) != models.ClaimedByMe {
			return fmt.Errorf("%w: ticket %d", shared.ErrNotTicketOwner, ticketPK)
		}
		if t.Checked(cell) == checked {
			noop = true
			return errNoop
		}
		return nil
	})
	if noop {
		return nil
	}
	if err != nil {
		return err
	}

	out := r.api.SetCell(ctx, gamePK, ticketPK, cell, checked)
	r.resolve(ticketPK, op, out)
	if !out.OK() {
		return out.Err
	}
	return nil
}

// Apply applies one observation. It reports whether the ticket changed.
func (r *Reconciler) Apply(obs Observation) bool {
	r.mu.Lock()
	e := r.entry(obs.GamePK, obs.TicketPK)
	applied := e.observe(obs.Owner, obs.Mask, obs.Stamp)
	var evs []TicketEvent
	if applied {
		e.auth.UpdatedAt = r.now()
		source := obs.Source
		if source == "" {
			source = SourcePoll
		}
		evs = append(evs, TicketEvent{Ticket: e.visible(), Source: source})
	}
	r.mu.Unlock()

	r.publish(evs)
	return applied
}

// ApplyStatus applies a poll result taken at stamp. Tickets absent from claimed are left unchanged.
// It returns the number of tickets whose visible state changed.
func (r *Reconciler) ApplyStatus(gamePK int, claimed map[int]*models.UserID, stamp models.Stamp) int {
	pks := make([]int, 0, len(claimed))
	for pk := range claimed {
		pks = append(pks, pk)
	}
	slices.Sort(pks)

	r.mu.Lock()
	var evs []TicketEvent
	for _, pk := range pks {
		owner := models.NoOwner
		if v := claimed[pk]; v != nil {
			owner = *v
		}
		e := r.entry(gamePK, pk)
		before := e.visible()
		if !e.observe(owner, nil, stamp) {
			continue
		}
		e.auth.UpdatedAt = r.now()
		after := e.visible()
		if after.Owner != before.Owner || after.CheckedMask != before.CheckedMask {
			evs = append(evs, TicketEvent{Ticket: after, Source: SourcePoll})
		}
	}
	g := r.game(gamePK)
	g.LastUpdated = max(g.LastUpdated, stamp)
	r.mu.Unlock()

	r.publish(evs)
	return len(evs)
}

// FetchTickets refetches a game's ticket list and merges it by the observation rule.
func (r *Reconciler) FetchTickets(ctx context.Context, gamePK int) ([]models.Ticket, error) {
	r.mu.Lock()
	r.game(gamePK).IsFetching = true
	r.mu.Unlock()

	stamp := r.clock.Next()
	list, err := r.api.ListTickets(ctx, gamePK)

	r.mu.Lock()
	g := r.game(gamePK)
	g.IsFetching = false
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to fetch tickets for game %d: %w", gamePK, err)
	}

	var evs []TicketEvent
	for _, t := range list {
		e := r.entry(gamePK, t.PK)
		e.auth.Number = t.Number
		mask := t.CheckedMask
		if e.observe(t.Owner, &mask, stamp) {
			e.auth.UpdatedAt = r.now()
			evs = append(evs, TicketEvent{Ticket: e.visible(), Source: SourceFetch})
		}
	}
	g.Invalid = false
	g.LastUpdated = max(g.LastUpdated, stamp)
	g.FetchedAt = r.now()
	r.mu.Unlock()

	r.publish(evs)
	return r.Tickets(gamePK), nil
}

// Load seeds tickets from a cached snapshot. Seeded tickets carry stamp zero, so any
// observation replaces them; tickets already known are left alone.
func (r *Reconciler) Load(tickets []models.Ticket) {
	r.mu.Lock()
	var evs []TicketEvent
	for _, t := range tickets {
		if _, ok := r.tickets[t.PK]; ok {
			continue
		}
		t.LastUpdated = 0
		r.tickets[t.PK] = &entry{auth: t}
		r.game(t.GamePK)
		evs = append(evs, TicketEvent{Ticket: t, Source: SourceCache})
	}
	r.mu.Unlock()

	r.publish(evs)
}

// Invalidate marks a game's ticket list stale so the next poll refetches it.
func (r *Reconciler) Invalidate(gamePK int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.game(gamePK).Invalid = true
}

// Ticket returns the visible state of a ticket.
func (r *Reconciler) Ticket(ticketPK int) (models.Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tickets[ticketPK]
	if !ok {
		return models.Ticket{}, false
	}
	return e.visible(), true
}

// Tickets returns the visible tickets of a game ordered by number.
func (r *Reconciler) Tickets(gamePK int) []models.Ticket {
	r.mu.Lock()
	var out []models.Ticket
	for _, e := range r.tickets {
		if e.auth.GamePK == gamePK {
			out = append(out, e.visible())
		}
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b models.Ticket) int {
		return cmp.Or(cmp.Compare(a.Number, b.Number), cmp.Compare(a.PK, b.PK))
	})
	return out
}

// Game returns a copy of a game's freshness record.
func (r *Reconciler) Game(gamePK int) (models.Game, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gamePK]
	if !ok {
		return models.Game{}, false
	}
	return *g, true
}

// Pending returns the number of unresolved optimistic ops of a ticket.
func (r *Reconciler) Pending(ticketPK int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tickets[ticketPK]; ok {
		return len(e.pending)
	}
	return 0
}
