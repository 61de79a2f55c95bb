package ui

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/tickets"
)

// TicketSource is the part of [tickets.Reconciler] the board drives.
type TicketSource interface {
	Tickets(gamePK int) []models.Ticket
	Pending(ticketPK int) int
	FetchTickets(ctx context.Context, gamePK int) ([]models.Ticket, error)
	Claim(ctx context.Context, gamePK, ticketPK int) error
	Release(ctx context.Context, gamePK, ticketPK int) error
	Subscribe(fn func(tickets.TicketEvent)) func()
	SubscribeConflicts(fn func(tickets.Conflict)) func()
}

// BoardModel lists the tickets of one game and claims or releases the selected one.
//
// Changes published by the reconciler, including poll results, are forwarded through a
// buffered channel and redraw the list.
type BoardModel struct {
	ctx     context.Context
	source  TicketSource
	gamePK  int
	me      models.UserID
	trigger func() bool
	events  chan Msg
	unsubs  []func()
	list    list.Model
	status  string
	err     error
	width   int
	height  int
	help    help.Model
	keys    keyMap
}

// NewBoardModel creates a board for gamePK seen by user me. trigger, when set, requests an
// extra status poll on refresh; otherwise refresh refetches the ticket list.
func NewBoardModel(ctx context.Context, source TicketSource, gamePK int, me models.UserID, trigger func() bool) *BoardModel {
	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.Title = fmt.Sprintf("Game %d", gamePK)
	l.SetShowHelp(false)

	return &BoardModel{
		ctx:     ctx,
		source:  source,
		gamePK:  gamePK,
		me:      me,
		trigger: trigger,
		events:  make(chan Msg, 64),
		list:    l,
		help:    help.New(),
		keys:    newKeyMap(),
	}
}

// Init subscribes to reconciler events and fetches the ticket list.
func (m *BoardModel) Init() tea.Cmd {
	m.unsubs = append(m.unsubs,
		m.source.Subscribe(func(ev tickets.TicketEvent) {
			if ev.Ticket.GamePK == m.gamePK {
				sendProgress(m.events, ticketChangedMsg(ev))
			}
		}),
		m.source.SubscribeConflicts(func(c tickets.Conflict) {
			if c.GamePK == m.gamePK {
				sendProgress(m.events, conflictMsg(c))
			}
		}),
	)
	return tea.Batch(m.fetch(), m.waitForEvent())
}

// Close drops the reconciler subscriptions.
func (m *BoardModel) Close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

// Update handles incoming messages and updates the model state.
func (m *BoardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.list.SetSize(msg.Width-4, msg.Height-6)
		return m, nil

	case tea.KeyMsg:
		return m.handleKeys(msg)

	case Msg:
		switch msg.kind {
		case MsgTicketsFetched:
			fetched := msg.data.(ticketsFetched)
			if fetched.err != nil {
				m.err = fetched.err
				return m, nil
			}
			m.err = nil
			m.refresh()
			return m, nil
		case MsgTicketChanged:
			m.refresh()
			return m, m.waitForEvent()
		case MsgConflict:
			c := msg.data.(tickets.Conflict)
			m.status = styles.warn.Render(fmt.Sprintf("Ticket %d was claimed by somebody else", c.Number))
			m.refresh()
			return m, m.waitForEvent()
		case MsgOpFinished:
			done := msg.data.(opFinished)
			if done.err != nil {
				m.status = styles.err.Render(fmt.Sprintf("Ticket %s not %s: %v", m.number(done.ticketPK), done.op, done.err))
			} else {
				m.status = styles.ok.Render(fmt.Sprintf("✓ %s ticket %s", done.op, m.number(done.ticketPK)))
			}
			m.refresh()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m *BoardModel) handleKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.list.FilterState() == list.Filtering {
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.quit):
		m.Close()
		return m, tea.Quit
	case key.Matches(msg, m.keys.claim):
		if t, ok := m.selected(); ok {
			return m, m.run("claimed", t.PK, m.source.Claim)
		}
		return m, nil
	case key.Matches(msg, m.keys.release):
		if t, ok := m.selected(); ok {
			return m, m.run("released", t.PK, m.source.Release)
		}
		return m, nil
	case key.Matches(msg, m.keys.refresh):
		if m.trigger != nil {
			if !m.trigger() {
				m.status = styles.help.Render("Refresh throttled")
			}
			return m, nil
		}
		return m, m.fetch()
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View renders the ticket list, the last status line and help.
func (m *BoardModel) View() string {
	if m.err != nil {
		return styles.err.Render(fmt.Sprintf("Error: %v\n\nPress f to retry, q to quit", m.err))
	}
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.claim, m.keys.release, m.keys.refresh, m.keys.quit})
	return fmt.Sprintf("%s\n%s\n\n%s", m.list.View(), m.status, helpView)
}

// refresh rebuilds the list items from the reconciler's visible state, keeping the cursor.
func (m *BoardModel) refresh() {
	visible := m.source.Tickets(m.gamePK)
	items := make([]list.Item, len(visible))
	for i, t := range visible {
		items[i] = ticketItem{ticket: t, me: m.me, pending: m.source.Pending(t.PK)}
	}
	m.list.SetItems(items)
}

func (m *BoardModel) selected() (models.Ticket, bool) {
	item, ok := m.list.SelectedItem().(ticketItem)
	if !ok {
		return models.Ticket{}, false
	}
	return item.ticket, true
}

func (m *BoardModel) number(ticketPK int) string {
	for _, item := range m.list.Items() {
		if t := item.(ticketItem).ticket; t.PK == ticketPK {
			return fmt.Sprintf("%d", t.Number)
		}
	}
	return fmt.Sprintf("#%d", ticketPK)
}

func (m *BoardModel) fetch() tea.Cmd {
	return func() tea.Msg {
		visible, err := m.source.FetchTickets(m.ctx, m.gamePK)
		return ticketsFetchedMsg(visible, err)
	}
}

func (m *BoardModel) run(op string, ticketPK int, fn func(context.Context, int, int) error) tea.Cmd {
	return func() tea.Msg {
		return opFinishedMsg(op, ticketPK, fn(m.ctx, m.gamePK, ticketPK))
	}
}

func (m *BoardModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-m.events:
			return msg
		case <-m.ctx.Done():
			return nil
		}
	}
}

// sendProgress forwards msg without blocking the publisher; a full buffer drops it.
func sendProgress[T any](ch chan<- T, msg T) {
	select {
	case ch <- msg:
	default:
	}
}
