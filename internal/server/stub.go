package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
)

const (
	DefaultTokenTTL       = 15 * time.Minute
	DefaultTicketsPerGame = 5
	AdminGroup            = "admin"
)

// StubOption configures a [Stub].
type StubOption func(*Stub)

// WithTokenTTL sets how long access tokens stay valid. Zero keeps them valid forever.
func WithTokenTTL(d time.Duration) StubOption {
	return func(s *Stub) { s.ttl = d }
}

func WithStubClock(now func() time.Time) StubOption {
	return func(s *Stub) { s.now = now }
}

func WithStubLogger(l *log.Logger) StubOption {
	return func(s *Stub) { s.logger = l }
}

// WithPartDelay pauses between progress parts of an import response.
func WithPartDelay(d time.Duration) StubOption {
	return func(s *Stub) { s.partDelay = d }
}

// WithRefreshRotation makes every refresh issue a new refresh token and revoke the old one.
func WithRefreshRotation() StubOption {
	return func(s *Stub) { s.rotate = true }
}

// WithAccount seeds an account.
func WithAccount(username, password string, admin bool) StubOption {
	return func(s *Stub) { s.AddAccount(username, password, admin) }
}

type account struct {
	user     models.User
	password string
}

// grant is an issued access token and the refresh token it came from.
type grant struct {
	user    models.UserID
	refresh string
	expires time.Time
}

type game struct {
	pk      int
	title   string
	tickets map[int]*models.Ticket
}

func (g *game) sorted() []models.Ticket {
	tickets := make([]models.Ticket, 0, len(g.tickets))
	for _, t := range g.tickets {
		tickets = append(tickets, *t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Number < tickets[j].Number })
	return tickets
}

func (g *game) byNumber(number int) *models.Ticket {
	for _, t := range g.tickets {
		if t.Number == number {
			return t
		}
	}
	return nil
}

// Stub is an in-memory bingo server for local development and tests.
//
// It implements the session, refresh, import, export and ticket endpoints of the real API
// including the 401 refresh flow and 406 claim conflicts. State is lost when the process exits.
type Stub struct {
	mu        sync.Mutex
	now       func() time.Time
	ttl       time.Duration
	partDelay time.Duration
	rotate    bool
	logger    *log.Logger
	router    *BasicRouter

	accounts   map[string]*account
	users      map[models.UserID]*account
	access     map[string]grant
	refresh    map[string]models.UserID
	games      map[int]*game
	nextUser   models.UserID
	nextTicket int
	refreshes  int
}

// NewStub creates a stub server with no accounts and no games.
func NewStub(opts ...StubOption) *Stub {
	s := &Stub{
		now:        time.Now,
		ttl:        DefaultTokenTTL,
		logger:     shared.DiscardLogger(),
		accounts:   make(map[string]*account),
		users:      make(map[models.UserID]*account),
		access:     make(map[string]grant),
		refresh:    make(map[string]models.UserID),
		games:      make(map[int]*game),
		nextUser:   1,
		nextTicket: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Stub) routes() *BasicRouter {
	r := NewBasicRouter()
	r.Use(RequestLogger(s.logger))

	r.HandleFunc(http.MethodGet, "/api/user", s.handleCurrentUser)
	r.HandleFunc(http.MethodPost, "/api/user", s.handleLogin)
	r.HandleFunc(http.MethodPut, "/api/user", s.handleRegister)
	r.HandleFunc(http.MethodDelete, "/api/user", s.handleLogout)
	r.HandleFunc(http.MethodPost, "/api/refresh", s.handleRefresh)

	r.HandleFunc(http.MethodPut, "/api/database", s.handleImport(importDatabase))
	r.HandleFunc(http.MethodPut, "/api/games", s.handleImport(importGames))
	r.HandleFunc(http.MethodGet, "/api/database", s.handleExportDatabase)
	r.HandleFunc(http.MethodGet, "/api/game/{game}/export", s.handleExportGame)

	r.HandleFunc(http.MethodGet, "/api/game/{game}/tickets", s.handleTickets)
	r.HandleFunc(http.MethodGet, "/api/game/{game}/status", s.handleStatus)
	r.HandleFunc(http.MethodPut, "/api/game/{game}/ticket/{ticket}", s.handleClaim)
	r.HandleFunc(http.MethodDelete, "/api/game/{game}/ticket/{ticket}", s.handleRelease)
	r.HandleFunc(http.MethodPut, "/api/game/{game}/ticket/{ticket}/cell/{cell}", s.handleCell(true))
	r.HandleFunc(http.MethodDelete, "/api/game/{game}/ticket/{ticket}/cell/{cell}", s.handleCell(false))
	return r
}

// Routes mounts the stub under /api/ when registered with [BasicRouter.Handler].
func (s *Stub) Routes() []string { return []string{"/api/"} }

func (s *Stub) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// AddAccount creates an account and returns its user. Admins are members of [AdminGroup].
func (s *Stub) AddAccount(username, password string, admin bool) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addAccount(username, "", password, admin)
}

func (s *Stub) addAccount(username, email, password string, admin bool) models.User {
	u := models.User{PK: s.nextUser, Username: username, Email: email, Groups: []string{"users"}}
	if admin {
		u.Groups = append(u.Groups, AdminGroup)
	}
	s.nextUser++

	a := &account{user: u, password: password}
	s.accounts[strings.ToLower(username)] = a
	s.users[u.PK] = a
	return u
}

// AddGame creates a game with tickets numbered 1..n and returns them.
func (s *Stub) AddGame(pk int, title string, n int) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.addGame(pk, title, n)
	if err != nil {
		return nil, err
	}
	return g.sorted(), nil
}

func (s *Stub) addGame(pk int, title string, n int) (*game, error) {
	if pk <= 0 {
		return nil, fmt.Errorf("%w: game pk must be positive", shared.ErrInvalidInput)
	}
	if _, exists := s.games[pk]; exists {
		return nil, fmt.Errorf("%w: game %d already exists", shared.ErrInvalidInput, pk)
	}
	if n < 0 || n > 1000 {
		return nil, fmt.Errorf("%w: ticket count %d out of range", shared.ErrInvalidInput, n)
	}

	g := &game{pk: pk, title: title, tickets: make(map[int]*models.Ticket, n)}
	for number := 1; number <= n; number++ {
		t := &models.Ticket{PK: s.nextTicket, GamePK: pk, Number: number}
		g.tickets[t.PK] = t
		s.nextTicket++
	}
	s.games[pk] = g
	return g, nil
}

// SetOwner changes a ticket's owner behind every client's back.
func (s *Stub) SetOwner(gamePK, ticketPK int, owner models.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.ticket(gamePK, ticketPK)
	if err != nil {
		return err
	}
	t.Owner = owner
	if owner == models.NoOwner {
		t.CheckedMask = 0
	}
	return nil
}

// Ticket returns a copy of one ticket's server-side state.
func (s *Stub) Ticket(gamePK, ticketPK int) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.ticket(gamePK, ticketPK)
	if err != nil {
		return models.Ticket{}, err
	}
	return *t, nil
}

func (s *Stub) ticket(gamePK, ticketPK int) (*models.Ticket, error) {
	g, ok := s.games[gamePK]
	if !ok {
		return nil, fmt.Errorf("%w: %d", shared.ErrGameNotFound, gamePK)
	}
	t, ok := g.tickets[ticketPK]
	if !ok {
		return nil, fmt.Errorf("%w: %d in game %d", shared.ErrTicketNotFound, ticketPK, gamePK)
	}
	return t, nil
}

// ExpireAccessTokens invalidates every issued access token; refresh tokens stay valid.
func (s *Stub) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	past := s.now().Add(-time.Second)
	for token, g := range s.access {
		g.expires = past
		s.access[token] = g
	}
}

// Refreshes returns the number of successful refresh exchanges served.
func (s *Stub) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// issue creates a token pair for user. Callers hold mu.
func (s *Stub) issue(user models.UserID) (access, refresh string) {
	refresh = shared.GenerateID()
	s.refresh[refresh] = user
	return s.grantAccess(user, refresh), refresh
}

func (s *Stub) grantAccess(user models.UserID, refresh string) string {
	access := shared.GenerateID()
	g := grant{user: user, refresh: refresh}
	if s.ttl > 0 {
		g.expires = s.now().Add(s.ttl)
	}
	s.access[access] = g
	return access
}
