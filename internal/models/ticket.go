package models

import (
	"fmt"
	"time"
)

// Stamp is a value of the reconciler's logical clock. Larger is newer. Zero means never updated.
type Stamp uint64

// ClaimState is a ticket's ownership as seen by one user.
type ClaimState int

const (
	Unclaimed ClaimState = iota
	ClaimedByMe
	ClaimedByOther
)

func (s ClaimState) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case ClaimedByMe:
		return "mine"
	case ClaimedByOther:
		return "taken"
	default:
		return fmt.Sprintf("ClaimState(%d)", int(s))
	}
}

// MaxCells is the number of cells a checked mask can address.
const MaxCells = 64

// Ticket is one bingo ticket of a game.
type Ticket struct {
	PK          int       `json:"pk"`
	GamePK      int       `json:"game"`
	Number      int       `json:"number"`
	Owner       UserID    `json:"user"`
	CheckedMask uint64    `json:"checked"`
	LastUpdated Stamp     `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// ClaimState reports the ticket's ownership from the point of view of me.
func (t Ticket) ClaimState(me UserID) ClaimState {
	switch {
	case t.Owner == NoOwner:
		return Unclaimed
	case me != NoOwner && t.Owner == me:
		return ClaimedByMe
	default:
		return ClaimedByOther
	}
}

// Checked reports whether cell is marked. Out of range cells are never checked.
func (t Ticket) Checked(cell int) bool {
	if cell < 0 || cell >= MaxCells {
		return false
	}
	return t.CheckedMask&(1<<uint(cell)) != 0
}

// CheckedCount returns the number of marked cells.
func (t Ticket) CheckedCount() int {
	n := 0
	for m := t.CheckedMask; m != 0; m &= m - 1 {
		n++
	}
	return n
}

// SetCell returns mask with cell set or cleared.
func SetCell(mask uint64, cell int, checked bool) uint64 {
	if cell < 0 || cell >= MaxCells {
		return mask
	}
	if checked {
		return mask | 1<<uint(cell)
	}
	return mask &^ (1 << uint(cell))
}

// Game tracks the freshness of one game's ticket collection.
type Game struct {
	PK          int
	IsFetching  bool
	Invalid     bool
	LastUpdated Stamp
	FetchedAt   time.Time
}

// TicketStatus is the body of GET /api/game/{pk}/status. A nil owner means unclaimed.
type TicketStatus struct {
	Claimed map[int]*UserID `json:"claimed"`
}
