package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/mbingo/internal/api"
	"github.com/desertthunder/mbingo/internal/formatter"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/tasks"
)

const maxBarWidth = 60

// ImportRunner runs one import and reports progress records on a channel.
type ImportRunner interface {
	Run(ctx context.Context, kind api.ImportKind, data []byte, progress chan<- models.ProgressRecord) (*tasks.ImportResult, error)
}

// ImportModel renders the progress of a running import and its summary once it finishes.
type ImportModel struct {
	ctx      context.Context
	cancel   context.CancelFunc
	engine   ImportRunner
	kind     api.ImportKind
	data     []byte
	source   string
	progChan chan models.ProgressRecord
	doneChan chan Msg
	record   models.ProgressRecord
	records  int
	result   *tasks.ImportResult
	err      error
	finished bool
	quitting bool
	bar      progress.Model
	spinner  spinner.Model
	help     help.Model
	keys     keyMap
}

// NewImportModel creates a model that imports data when the program starts. source names the
// document in the title.
func NewImportModel(ctx context.Context, engine ImportRunner, kind api.ImportKind, data []byte, source string) *ImportModel {
	ctx, cancel := context.WithCancel(ctx)
	return &ImportModel{
		ctx:     ctx,
		cancel:  cancel,
		engine:  engine,
		kind:    kind,
		data:    data,
		source:  source,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		help:    help.New(),
		keys:    newKeyMap(),
	}
}

// Init starts the import.
func (m *ImportModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.start())
}

// Result returns the import outcome once the program has exited.
func (m *ImportModel) Result() (*tasks.ImportResult, error) {
	return m.result, m.err
}

// Update handles incoming messages and updates the model state.
func (m *ImportModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.bar.Width = min(msg.Width-4, maxBarWidth)
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.quit, m.keys.cancel) {
			if m.finished {
				return m, tea.Quit
			}
			m.quitting = true
			m.cancel()
		}
		return m, nil

	case spinner.TickMsg:
		if m.finished {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case Msg:
		switch msg.kind {
		case MsgProgress:
			m.record = msg.data.(models.ProgressRecord)
			m.records++
			return m, m.waitForProgress()
		case MsgImportComplete:
			done := msg.data.(importComplete)
			m.result, m.err = done.result, done.err
			m.finished = true
			m.cancel()
			if done.result != nil {
				m.record = done.result.Final
			}
			if m.quitting {
				return m, tea.Quit
			}
			return m, nil
		}
	}
	return m, nil
}

// View renders the progress bar while running and the summary afterwards.
func (m *ImportModel) View() string {
	title := styles.title.Render(fmt.Sprintf("Importing %s into %s", m.source, m.kind))

	if !m.finished {
		status := "Uploading..."
		if m.records > 0 {
			status = formatter.ProgressLine(m.record)
		}
		if m.quitting {
			status = styles.warn.Render("Cancelling...")
		}
		helpView := m.help.ShortHelpView([]key.Binding{m.keys.cancel})
		return fmt.Sprintf("%s\n%s %s\n\n%s\n\n%s", title, m.spinner.View(), status, m.bar.ViewAs(m.record.Fraction()), helpView)
	}

	var b strings.Builder
	b.WriteString(title + "\n")
	switch {
	case m.err != nil:
		b.WriteString(styles.err.Render(fmt.Sprintf("Import failed: %v", m.err)) + "\n")
	case m.result == nil || !m.result.Completed():
		b.WriteString(styles.warn.Render("Import stream ended before the server finished") + "\n")
	case m.result.Succeeded():
		b.WriteString(styles.ok.Render("✓ Import complete") + "\n")
	default:
		b.WriteString(styles.warn.Render(fmt.Sprintf("Import finished with %d errors", len(m.result.Errors))) + "\n")
	}
	if m.result != nil {
		b.WriteString("\n" + formatter.ImportSummary(m.result.Final, m.result.Errors))
	}
	b.WriteString("\n" + m.help.ShortHelpView([]key.Binding{m.keys.quit}))
	return b.String()
}

// start runs the import in the background. Records arrive on progChan; the result on doneChan
// after progChan is closed.
func (m *ImportModel) start() tea.Cmd {
	m.progChan = make(chan models.ProgressRecord, 50)
	m.doneChan = make(chan Msg, 1)

	go func() {
		result, err := m.engine.Run(m.ctx, m.kind, m.data, m.progChan)
		close(m.progChan)
		m.doneChan <- importCompleteMsg(result, err)
	}()

	return m.waitForProgress()
}

func (m *ImportModel) waitForProgress() tea.Cmd {
	return func() tea.Msg {
		rec, ok := <-m.progChan
		if !ok {
			return <-m.doneChan
		}
		return progressMsg(rec)
	}
}
