package ui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/tasks"
	"github.com/desertthunder/mbingo/internal/tickets"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
type Msg struct {
	kind MsgKind
	data any
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgProgress MsgKind = iota
	MsgImportComplete
	MsgTicketsFetched
	MsgTicketChanged
	MsgConflict
	MsgOpFinished
)

type importComplete struct {
	result *tasks.ImportResult
	err    error
}

type ticketsFetched struct {
	tickets []models.Ticket
	err     error
}

type opFinished struct {
	op       string
	ticketPK int
	err      error
}

// progressMsg is the constructor for [MsgProgress]
func progressMsg(rec models.ProgressRecord) Msg {
	return Msg{kind: MsgProgress, data: rec}
}

// importCompleteMsg is the constructor for [MsgImportComplete]
func importCompleteMsg(result *tasks.ImportResult, err error) Msg {
	return Msg{kind: MsgImportComplete, data: importComplete{result, err}}
}

// ticketsFetchedMsg is the constructor for [MsgTicketsFetched]
func ticketsFetchedMsg(list []models.Ticket, err error) Msg {
	return Msg{kind: MsgTicketsFetched, data: ticketsFetched{list, err}}
}

// ticketChangedMsg is the constructor for [MsgTicketChanged]
func ticketChangedMsg(ev tickets.TicketEvent) Msg {
	return Msg{kind: MsgTicketChanged, data: ev}
}

// conflictMsg is the constructor for [MsgConflict]
func conflictMsg(c tickets.Conflict) Msg {
	return Msg{kind: MsgConflict, data: c}
}

// opFinishedMsg is the constructor for [MsgOpFinished]
func opFinishedMsg(op string, ticketPK int, err error) Msg {
	return Msg{kind: MsgOpFinished, data: opFinished{op, ticketPK, err}}
}
