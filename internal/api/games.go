package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/desertthunder/mbingo/internal/models"
)

// ImportKind selects the import endpoint.
type ImportKind string

const (
	ImportDatabase ImportKind = "database"
	ImportGames    ImportKind = "games"
)

// Path returns the endpoint of the import kind.
func (k ImportKind) Path() string {
	return "/api/" + string(k)
}

// Valid reports whether k names a known import endpoint.
func (k ImportKind) Valid() bool {
	return k == ImportDatabase || k == ImportGames
}

const DatabasePath = "/api/database"

func GamePath(gamePK int) string { return fmt.Sprintf("/api/game/%d", gamePK) }

func TicketsPath(gamePK int) string { return GamePath(gamePK) + "/tickets" }

func StatusPath(gamePK int) string { return GamePath(gamePK) + "/status" }

func ExportPath(gamePK int) string { return GamePath(gamePK) + "/export" }

func TicketPath(gamePK, ticketPK int) string {
	return fmt.Sprintf("%s/ticket/%d", GamePath(gamePK), ticketPK)
}

func CellPath(gamePK, ticketPK, cell int) string {
	return fmt.Sprintf("%s/cell/%d", TicketPath(gamePK, ticketPK), cell)
}

// Import uploads data to the import endpoint. On success the outcome's Stream is the
// multipart/mixed progress response and its Header carries the boundary.
func (c *Client) Import(ctx context.Context, kind ImportKind, data []byte, opts ...RequestOption) Outcome {
	opts = append([]RequestOption{WithBody(data), Streaming()}, opts...)
	return c.Do(ctx, NewRequest(http.MethodPut, kind.Path(), opts...))
}

// ExportDatabase streams the full database dump.
func (c *Client) ExportDatabase(ctx context.Context, opts ...RequestOption) Outcome {
	opts = append([]RequestOption{Streaming()}, opts...)
	return c.Do(ctx, NewRequest(http.MethodGet, DatabasePath, opts...))
}

// ExportGame streams one game's export.
func (c *Client) ExportGame(ctx context.Context, gamePK int, opts ...RequestOption) Outcome {
	opts = append([]RequestOption{Streaming()}, opts...)
	return c.Do(ctx, NewRequest(http.MethodGet, ExportPath(gamePK), opts...))
}

// ListTickets fetches every ticket of a game.
func (c *Client) ListTickets(ctx context.Context, gamePK int) ([]models.Ticket, error) {
	out := c.Do(ctx, NewRequest(http.MethodGet, TicketsPath(gamePK)))
	var tickets []models.Ticket
	if err := out.Decode(&tickets); err != nil {
		return nil, err
	}
	for i := range tickets {
		if tickets[i].GamePK == 0 {
			tickets[i].GamePK = gamePK
		}
	}
	return tickets, nil
}

// GameStatus fetches the aggregate claim map of a game.
func (c *Client) GameStatus(ctx context.Context, gamePK int) (models.TicketStatus, error) {
	out := c.Do(ctx, NewRequest(http.MethodGet, StatusPath(gamePK)))
	var status models.TicketStatus
	if err := out.Decode(&status); err != nil {
		return models.TicketStatus{}, err
	}
	return status, nil
}

// ClaimTicket claims a ticket. The server answers 201 when newly claimed, 200 when already
// owned by the caller and 406 when somebody else holds it.
func (c *Client) ClaimTicket(ctx context.Context, gamePK, ticketPK int, opts ...RequestOption) Outcome {
	return c.Do(ctx, NewRequest(http.MethodPut, TicketPath(gamePK, ticketPK), opts...))
}

// ReleaseTicket releases a ticket. Admins may release tickets they don't own.
func (c *Client) ReleaseTicket(ctx context.Context, gamePK, ticketPK int, opts ...RequestOption) Outcome {
	return c.Do(ctx, NewRequest(http.MethodDelete, TicketPath(gamePK, ticketPK), opts...))
}

// SetCell checks or unchecks one cell of an owned ticket.
func (c *Client) SetCell(ctx context.Context, gamePK, ticketPK, cell int, checked bool, opts ...RequestOption) Outcome {
	method := http.MethodDelete
	if checked {
		method = http.MethodPut
	}
	return c.Do(ctx, NewRequest(method, CellPath(gamePK, ticketPK, cell), opts...))
}

// Get issues an authenticated GET to an arbitrary path.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) Outcome {
	return c.Do(ctx, NewRequest(http.MethodGet, path, opts...))
}
