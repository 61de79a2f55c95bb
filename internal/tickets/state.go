package tickets

import (
	"errors"

	"github.com/desertthunder/mbingo/internal/models"
)

type opKind int

const (
	opClaim opKind = iota
	opRelease
	opCheck
	opUncheck
)

func (k opKind) String() string {
	switch k {
	case opClaim:
		return "claim"
	case opRelease:
		return "release"
	case opCheck:
		return "check"
	default:
		return "uncheck"
	}
}

// pendingOp is an optimistic change awaiting its server response.
type pendingOp struct {
	kind  opKind
	stamp models.Stamp
	owner models.UserID
	cell  int
}

// apply returns t with the op applied.
func (op pendingOp) apply(t models.Ticket) models.Ticket {
	switch op.kind {
	case opClaim:
		if t.Owner != op.owner {
			t.CheckedMask = 0
		}
		t.Owner = op.owner
	case opRelease:
		t.Owner = models.NoOwner
		t.CheckedMask = 0
	case opCheck:
		t.CheckedMask = models.SetCell(t.CheckedMask, op.cell, true)
	case opUncheck:
		t.CheckedMask = models.SetCell(t.CheckedMask, op.cell, false)
	}
	return t
}

// entry is one ticket's authoritative state plus its pending ops in issue order.
type entry struct {
	auth    models.Ticket
	pending []pendingOp
}

// visible returns the authoritative ticket with pending ops applied.
func (e *entry) visible() models.Ticket {
	t := e.auth
	for _, op := range e.pending {
		t = op.apply(t)
		t.LastUpdated = max(t.LastUpdated, op.stamp)
	}
	return t
}

// take removes the pending op issued at stamp. It reports false when the op was already dropped.
func (e *entry) take(stamp models.Stamp) (pendingOp, bool) {
	for i, op := range e.pending {
		if op.stamp == stamp {
			e.pending = append(e.pending[:i:i], e.pending[i+1:]...)
			return op, true
		}
	}
	return pendingOp{}, false
}

// confirm folds op into the authoritative state.
func (e *entry) confirm(op pendingOp) {
	e.auth = op.apply(e.auth)
	e.auth.LastUpdated = max(e.auth.LastUpdated, op.stamp)
}

// observe applies an authoritative observation if stamp is newer than everything the ticket has
// seen. A nil mask keeps the current mask unless the owner changes.
//
// Claim and release ops are dropped. Cell ops survive while the observed owner is the one they
// were issued under, since setting a cell is idempotent and their response still settles them.
func (e *entry) observe(owner models.UserID, mask *uint64, stamp models.Stamp) bool {
	if stamp <= e.visible().LastUpdated {
		return false
	}
	var kept []pendingOp
	if owner == e.visible().Owner {
		for _, op := range e.pending {
			if op.kind == opCheck || op.kind == opUncheck {
				kept = append(kept, op)
			}
		}
	}
	e.pending = kept
	if mask != nil {
		e.auth.CheckedMask = *mask
	} else if owner != e.auth.Owner {
		e.auth.CheckedMask = 0
	}
	e.auth.Owner = owner
	e.auth.LastUpdated = stamp
	return true
}

// errNoop aborts an op whose target state already holds.
var errNoop = errors.New("no-op")
