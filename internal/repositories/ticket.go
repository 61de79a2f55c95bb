package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
)

// TicketRepository stores the last reconciled state of each game's tickets.
type TicketRepository struct {
	db *sql.DB
}

// NewTicketRepository creates a new [TicketRepository] with the given database connection
func NewTicketRepository(db *sql.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

// SaveSnapshot replaces the stored tickets of gamePK with tickets.
//
// Tickets of other games in the slice are rejected so a snapshot never leaks across games.
func (r *TicketRepository) SaveSnapshot(gamePK int, tickets []models.Ticket, at time.Time) error {
	for _, t := range tickets {
		if t.GamePK != gamePK {
			return fmt.Errorf("%w: ticket %d belongs to game %d, not %d", shared.ErrInvalidInput, t.PK, t.GamePK, gamePK)
		}
	}

	return withTx(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM tickets WHERE game_pk = ?`, gamePK); err != nil {
			return fmt.Errorf("failed to clear snapshot: %w", err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO tickets (pk, game_pk, number, owner, checked_mask, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range tickets {
			// sqlite integers are signed; the mask round-trips through int64 bit for bit.
			if _, err := stmt.Exec(t.PK, gamePK, t.Number, int64(t.Owner), int64(t.CheckedMask), at); err != nil {
				return fmt.Errorf("failed to insert ticket %d: %w", t.PK, err)
			}
		}
		return nil
	})
}

// List returns the stored tickets of gamePK ordered by number.
func (r *TicketRepository) List(gamePK int) ([]models.Ticket, error) {
	query := `
		SELECT pk, game_pk, number, owner, checked_mask, updated_at
		FROM tickets
		WHERE game_pk = ?
		ORDER BY number ASC, pk ASC
	`

	rows, err := r.db.Query(query, gamePK)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return tickets, nil
}

// Get returns one stored ticket.
func (r *TicketRepository) Get(gamePK, ticketPK int) (*models.Ticket, error) {
	query := `
		SELECT pk, game_pk, number, owner, checked_mask, updated_at
		FROM tickets
		WHERE game_pk = ? AND pk = ?
	`

	rows, err := r.db.Query(query, gamePK, ticketPK)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticket: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to query ticket: %w", err)
		}
		return nil, fmt.Errorf("%w: ticket %d in game %d", shared.ErrTicketNotFound, ticketPK, gamePK)
	}
	t, err := r.scanRow(rows)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Games returns the PKs of every game with a stored snapshot.
func (r *TicketRepository) Games() ([]int, error) {
	rows, err := r.db.Query(`SELECT DISTINCT game_pk FROM tickets ORDER BY game_pk ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query games: %w", err)
	}
	defer rows.Close()

	var games []int
	for rows.Next() {
		var pk int
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("failed to scan game: %w", err)
		}
		games = append(games, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return games, nil
}

// Delete drops the snapshot of gamePK.
func (r *TicketRepository) Delete(gamePK int) error {
	if _, err := r.db.Exec(`DELETE FROM tickets WHERE game_pk = ?`, gamePK); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (r *TicketRepository) scanRow(rows *sql.Rows) (models.Ticket, error) {
	var (
		t         models.Ticket
		owner     int64
		mask      int64
		updatedAt sql.NullTime
	)
	if err := rows.Scan(&t.PK, &t.GamePK, &t.Number, &owner, &mask, &updatedAt); err != nil {
		return models.Ticket{}, fmt.Errorf("failed to scan ticket: %w", err)
	}
	t.Owner = models.UserID(owner)
	t.CheckedMask = uint64(mask)
	if updatedAt.Valid {
		t.UpdatedAt = updatedAt.Time
	}
	return t, nil
}
