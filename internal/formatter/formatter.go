// package formatter renders tickets, progress records and export manifests (CSV, Markdown, plain text, JSON)
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
)

// Format selects a ticket export format.
type Format string

const (
	FormatText     Format = "txt"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// ParseFormat maps a flag value to a [Format]. The empty string is plain text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatText:
		return FormatText, nil
	case FormatCSV, FormatMarkdown, FormatJSON:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", shared.ErrInvalidFlag, s)
	}
}

// OwnerLabel describes who holds a ticket from the point of view of me.
func OwnerLabel(t models.Ticket, me models.UserID) string {
	switch t.ClaimState(me) {
	case models.ClaimedByMe:
		return "mine"
	case models.Unclaimed:
		return "free"
	default:
		if t.Owner == models.UnknownOwner {
			return "taken"
		}
		return "user " + t.Owner.String()
	}
}

// CellList renders the checked cells of a mask as a comma separated list, or "-".
func CellList(mask uint64) string {
	var cells []string
	for cell := 0; cell < models.MaxCells; cell++ {
		if mask&(1<<uint(cell)) != 0 {
			cells = append(cells, strconv.Itoa(cell))
		}
	}
	if len(cells) == 0 {
		return "-"
	}
	return strings.Join(cells, ",")
}

// TicketsToCSV converts tickets to CSV with columns: PK, Game, Number, Owner, State, Checked
func TicketsToCSV(tickets []models.Ticket, me models.UserID) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"PK", "Game", "Number", "Owner", "State", "Checked"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, t := range tickets {
		record := []string{
			strconv.Itoa(t.PK),
			strconv.Itoa(t.GamePK),
			strconv.Itoa(t.Number),
			t.Owner.String(),
			OwnerLabel(t, me),
			CellList(t.CheckedMask),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

// TicketsToMarkdown renders a game's tickets as a Markdown table
func TicketsToMarkdown(gamePK int, tickets []models.Ticket, me models.UserID) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("# Game %d\n\n", gamePK))
	buf.WriteString(fmt.Sprintf("**Tickets**: %d\n", len(tickets)))
	buf.WriteString(fmt.Sprintf("**Claimed by me**: %d\n\n", countState(tickets, me, models.ClaimedByMe)))

	buf.WriteString("| Number | Owner | Checked |\n")
	buf.WriteString("|---:|---|---|\n")
	for _, t := range tickets {
		buf.WriteString(fmt.Sprintf("| %d | %s | %s |\n", t.Number, OwnerLabel(t, me), CellList(t.CheckedMask)))
	}
	return buf.Bytes(), nil
}

// TicketsToText renders tickets as an aligned plain text table
func TicketsToText(tickets []models.Ticket, me models.UserID) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("%-8s %-6s %-10s %s\n", "NUMBER", "PK", "OWNER", "CHECKED"))
	for _, t := range tickets {
		buf.WriteString(fmt.Sprintf("%-8d %-6d %-10s %s\n", t.Number, t.PK, OwnerLabel(t, me), CellList(t.CheckedMask)))
	}
	buf.WriteString(fmt.Sprintf("\n%d tickets, %d free, %d mine\n",
		len(tickets),
		countState(tickets, me, models.Unclaimed),
		countState(tickets, me, models.ClaimedByMe),
	))
	return buf.Bytes(), nil
}

// RenderTickets dispatches on format.
func RenderTickets(format Format, gamePK int, tickets []models.Ticket, me models.UserID) ([]byte, error) {
	switch format {
	case FormatCSV:
		return TicketsToCSV(tickets, me)
	case FormatMarkdown:
		return TicketsToMarkdown(gamePK, tickets, me)
	case FormatJSON:
		return shared.MarshalJSON(tickets, true)
	default:
		return TicketsToText(tickets, me)
	}
}

// WriteTicketExport renders tickets and writes them to path.
func WriteTicketExport(format Format, gamePK int, tickets []models.Ticket, me models.UserID, path string) error {
	data, err := RenderTickets(format, gamePK, tickets, me)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ticket export: %w", err)
	}
	return nil
}

func countState(tickets []models.Ticket, me models.UserID, state models.ClaimState) int {
	n := 0
	for _, t := range tickets {
		if t.ClaimState(me) == state {
			n++
		}
	}
	return n
}

// ProgressLine renders a progress record as a single status line, e.g.
//
//	[2/3]  45% Importing songs
func ProgressLine(rec models.ProgressRecord) string {
	var b strings.Builder
	if rec.NumPhases > 0 {
		b.WriteString(fmt.Sprintf("[%d/%d] ", rec.Phase, rec.NumPhases))
	}
	b.WriteString(fmt.Sprintf("%3.0f%%", rec.Fraction()*100))
	if rec.Text != "" {
		b.WriteString(" " + rec.Text)
	}
	if n := len(rec.Errors); n > 0 {
		b.WriteString(fmt.Sprintf(" (%d errors)", n))
	}
	if rec.Done {
		b.WriteString(" done")
	}
	return b.String()
}

// ImportSummary renders the terminal record of an import: added counts in server order, then errors.
func ImportSummary(rec models.ProgressRecord, errs []string) string {
	var b strings.Builder
	if len(rec.Added) == 0 {
		b.WriteString("Nothing added\n")
	} else {
		b.WriteString(fmt.Sprintf("Added %d rows\n", rec.Added.Total()))
		for _, c := range rec.Added {
			b.WriteString(fmt.Sprintf("  %-16s %d\n", c.Name, c.Count))
		}
	}
	if len(errs) > 0 {
		b.WriteString(fmt.Sprintf("%d errors\n", len(errs)))
		for _, e := range errs {
			b.WriteString("  ✗ " + e + "\n")
		}
	}
	return b.String()
}

// ManifestEntry describes one exported file.
type ManifestEntry struct {
	Name   string `json:"name"`
	GamePK int    `json:"game,omitempty"`
	File   string `json:"file,omitempty"`
	Bytes  int64  `json:"bytes"`
	Error  string `json:"error,omitempty"`
}

// ExportManifest summarizes a bulk export.
type ExportManifest struct {
	GeneratedAt     time.Time       `json:"generated_at"`
	OutputDirectory string          `json:"output_directory"`
	Total           int             `json:"total"`
	Successful      int             `json:"successful"`
	Failed          int             `json:"failed"`
	Entries         []ManifestEntry `json:"entries"`
}

// WriteExportManifest writes m as indented JSON to path.
func WriteExportManifest(m *ExportManifest, path string) error {
	if m == nil {
		return fmt.Errorf("%w: nil manifest", shared.ErrInvalidInput)
	}
	data, err := shared.MarshalJSON(m, true)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
