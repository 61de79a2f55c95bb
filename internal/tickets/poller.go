package tickets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mbingo/internal/events"
	"github.com/desertthunder/mbingo/internal/shared"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultTriggerRate  = rate.Limit(1)
)

// TickerFunc starts a ticker and returns its channel and stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// PollError is published when a poll fails.
type PollError struct {
	GamePK    int
	Err       error
	Timestamp time.Time
}

// PollerOption configures a [Poller].
type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithTriggerRate limits how often [Poller.Trigger] may request an extra poll.
func WithTriggerRate(limit rate.Limit) PollerOption {
	return func(p *Poller) { p.limiter = rate.NewLimiter(limit, 1) }
}

func WithTicker(fn TickerFunc) PollerOption {
	return func(p *Poller) { p.newTicker = fn }
}

func WithPollerLogger(l *log.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// Poller periodically fetches a game's aggregate claim status and feeds it to a [Reconciler].
// Each poll is stamped when it is issued, so a slow poll never overrides newer local state.
type Poller struct {
	r         *Reconciler
	gamePK    int
	interval  time.Duration
	limiter   *rate.Limiter
	newTicker TickerFunc
	logger    *log.Logger
	trigger   chan struct{}
	failures  events.Registry[PollError]
}

// NewPoller creates a poller for one game.
func NewPoller(r *Reconciler, gamePK int, opts ...PollerOption) *Poller {
	p := &Poller{
		r:         r,
		gamePK:    gamePK,
		interval:  DefaultPollInterval,
		limiter:   rate.NewLimiter(DefaultTriggerRate, 1),
		newTicker: realTicker,
		logger:    shared.DiscardLogger(),
		trigger:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = shared.WithLogger(p.logger, "game", gamePK)
	return p
}

// OnError subscribes to poll failures.
func (p *Poller) OnError(fn func(PollError)) func() {
	return p.failures.Subscribe(fn)
}

// Trigger requests an extra poll. It reports false when throttled.
func (p *Poller) Trigger() bool {
	if !p.limiter.Allow() {
		return false
	}
	select {
	case p.trigger <- struct{}{}:
	default:
	}
	return true
}

// Run polls immediately, then on every tick and trigger, until ctx is done. Claim conflicts in
// the polled game trigger an extra poll. Poll failures are logged and published, never fatal.
func (p *Poller) Run(ctx context.Context) error {
	unsubscribe := p.r.SubscribeConflicts(func(c Conflict) {
		if c.GamePK == p.gamePK {
			p.Trigger()
		}
	})
	defer unsubscribe()

	tick, stop := p.newTicker(p.interval)
	defer stop()

	p.logger.Info("polling ticket status", "interval", p.interval)
	p.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			p.Poll(ctx)
		case <-p.trigger:
			p.Poll(ctx)
		}
	}
}

// Poll runs one poll. An invalid or unknown game is refetched instead of polled.
func (p *Poller) Poll(ctx context.Context) error {
	var err error
	if g, ok := p.r.Game(p.gamePK); !ok || g.Invalid {
		_, err = p.r.FetchTickets(ctx, p.gamePK)
	} else {
		err = p.status(ctx)
	}

	if err != nil && ctx.Err() == nil {
		p.logger.Warn("poll failed", "error", err)
		p.failures.Publish(PollError{GamePK: p.gamePK, Err: err, Timestamp: p.r.now()})
	}
	return err
}

func (p *Poller) status(ctx context.Context) error {
	stamp := p.r.Stamp()
	status, err := p.r.api.GameStatus(ctx, p.gamePK)
	if err != nil {
		if errors.Is(err, shared.ErrNotAuthenticated) {
			return err
		}
		return fmt.Errorf("failed to poll status: %w", err)
	}

	if n := p.r.ApplyStatus(p.gamePK, status.Claimed, stamp); n > 0 {
		p.logger.Debug("applied poll", "changed", n, "stamp", stamp)
	}
	return nil
}
