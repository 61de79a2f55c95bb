package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	"github.com/desertthunder/mbingo/internal/formatter"
	"github.com/desertthunder/mbingo/internal/models"
)

var _ list.Item = ticketItem{}

// ticketItem wraps [models.Ticket] to implement [list.Item].
type ticketItem struct {
	ticket  models.Ticket
	me      models.UserID
	pending int
}

func (i ticketItem) FilterValue() string { return fmt.Sprintf("%d", i.ticket.Number) }
func (i ticketItem) Title() string {
	label := formatter.OwnerLabel(i.ticket, i.me)
	return fmt.Sprintf("Ticket %d  %s", i.ticket.Number, styles.claim(i.ticket.ClaimState(i.me)).Render(label))
}
func (i ticketItem) Description() string {
	desc := fmt.Sprintf("%d checked", i.ticket.CheckedCount())
	if i.ticket.CheckedMask != 0 {
		desc = fmt.Sprintf("%s • cells %s", desc, formatter.CellList(i.ticket.CheckedMask))
	}
	if i.pending > 0 {
		desc = fmt.Sprintf("%s • saving", desc)
	}
	return desc
}
