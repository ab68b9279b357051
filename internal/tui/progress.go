package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"portablemsvc/internal/download"
)

const (
	tickInterval = 150 * time.Millisecond
	barWidth     = 20

	nameWidth   = 48
	statusWidth = 11
	sizeWidth   = 10

	// recentRows is how many finished payloads stay on screen.
	recentRows = 5
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type tickMsg time.Time

type rowState int

const (
	rowFetching rowState = iota
	rowDone
	rowFailed
)

// payloadRow tracks one payload through its transfer.
type payloadRow struct {
	name   string
	state  rowState
	source download.Source
	done   int64
	total  int64
	err    error
	// order is the finish sequence number, used to keep the newest rows.
	order int
}

func (r payloadRow) status() string {
	switch r.state {
	case rowDone:
		return r.source.String()
	case rowFailed:
		return "error"
	default:
		return "downloading"
	}
}

// InstallModel shows the payloads of one install: transfers in flight,
// failures and the most recently finished payloads, with a footer naming the
// current install step.
type InstallModel struct {
	title string
	phase string
	rows  []payloadRow
	index map[string]int

	finished    int
	bySource    map[download.Source]int
	transferred int64

	spin int
	done bool
	err  error
}

// NewInstallModel returns an empty model titled title.
func NewInstallModel(title string) InstallModel {
	return InstallModel{
		title:    title,
		phase:    "Reading catalog",
		index:    map[string]int{},
		bySource: map[download.Source]int{},
	}
}

func scheduleTick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init satisfies the tea.Model interface.
func (m InstallModel) Init() tea.Cmd {
	return scheduleTick()
}

// Update satisfies the tea.Model interface.
func (m InstallModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.spin++
		if m.done {
			return m, nil
		}
		return m, scheduleTick()

	case PayloadMsg:
		m.applyPayload(msg)
		return m, nil

	case PhaseMsg:
		m.phase = msg.Text
		return m, nil

	case WorkDoneMsg:
		m.done = true
		return m, tea.Quit

	case ErrorMsg:
		m.err = msg.Err
		m.done = true
		return m, tea.Quit

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.err = ErrInterrupted
			m.done = true
			return m, tea.Quit
		}
	}
	return m, nil
}

// applyPayload creates the row on first sight; cached payloads only ever
// report PayloadFinished.
func (m *InstallModel) applyPayload(msg PayloadMsg) {
	i, ok := m.index[msg.Name]
	if !ok {
		i = len(m.rows)
		m.index[msg.Name] = i
		m.rows = append(m.rows, payloadRow{name: msg.Name})
	}
	row := &m.rows[i]

	switch msg.Event {
	case PayloadStarted:
		row.state, row.done, row.total = rowFetching, 0, msg.Total
	case PayloadAdvanced:
		row.done = msg.Done
		if msg.Total > 0 {
			row.total = msg.Total
		}
	case PayloadFinished:
		if row.state != rowFetching {
			return
		}
		m.finished++
		row.order = m.finished
		if msg.Err != nil {
			row.state, row.err = rowFailed, msg.Err
			return
		}
		row.state, row.source = rowDone, msg.Source
		m.bySource[msg.Source]++
		if msg.Source != download.SourceCache {
			m.transferred += max(row.done, row.total)
		}
	}
}

// scrolledOff reports whether r is a finished payload older than the newest
// recentRows.
func (m InstallModel) scrolledOff(r payloadRow) bool {
	return r.state == rowDone && r.order <= m.finished-recentRows
}

// visible returns rows in flight, failed rows and the newest finished rows,
// in arrival order, plus the count of rows left out.
func (m InstallModel) visible() ([]payloadRow, int) {
	var out []payloadRow
	hidden := 0
	for _, r := range m.rows {
		if m.scrolledOff(r) {
			hidden++
			continue
		}
		out = append(out, r)
	}
	return out, hidden
}

// View satisfies the tea.Model interface.
func (m InstallModel) View() string {
	if m.done && m.err != nil {
		return fmt.Sprintf("Error: %v\n", m.err)
	}

	var b strings.Builder
	if m.title != "" {
		b.WriteString(HeaderStyle.Render(m.title))
		b.WriteString("\n\n")
	}
	header := fmt.Sprintf("%-*s  %-*s  %-*s  %s", nameWidth, "PAYLOAD", statusWidth, "STATUS", sizeWidth, "SIZE", "PROGRESS")
	b.WriteString(HeaderStyle.Render(header))
	b.WriteByte('\n')

	rows, hidden := m.visible()
	for _, r := range rows {
		status := r.status()
		fmt.Fprintf(&b, "%-*s  %s  %-*s  %s\n",
			nameWidth, elideMiddle(r.name, nameWidth),
			StatusStyle(status).Render(fmt.Sprintf("%-*s", statusWidth, status)),
			sizeWidth, FormatSize(r.total),
			r.progressCell())
	}

	if hidden > 0 {
		fmt.Fprintf(&b, "... and %d more finished\n", hidden)
	}

	if !m.done {
		spinner := spinnerFrames[m.spin%len(spinnerFrames)]
		fmt.Fprintf(&b, "\n%s %s  %s\n", spinner, m.phase, m.summary())
	}
	return b.String()
}

// summary reads like "12/14 payloads, 9 cached, 3 downloaded, 41.0 MiB transferred".
func (m InstallModel) summary() string {
	parts := []string{fmt.Sprintf("%d/%d payloads", m.finished, len(m.rows))}
	for _, src := range []download.Source{download.SourceCache, download.SourceMirror, download.SourceNetwork} {
		if n := m.bySource[src]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, src))
		}
	}
	if m.transferred > 0 {
		parts = append(parts, FormatSize(m.transferred)+" transferred")
	}
	return strings.Join(parts, ", ")
}

func (r payloadRow) progressCell() string {
	switch r.state {
	case rowFailed:
		return clip(r.err.Error(), barWidth+8)
	case rowDone:
		return Bar(1, 1)
	}
	if r.total <= 0 {
		return Bar(0, 0) + " " + FormatSize(r.done)
	}
	return fmt.Sprintf("%s %3d%%", Bar(r.done, r.total), min(r.done, r.total)*100/r.total)
}

// Done returns whether the model has finished (work done or error).
func (m InstallModel) Done() bool {
	return m.done
}

// Err returns any fatal error that occurred.
func (m InstallModel) Err() error {
	return m.err
}

// Bar draws a fixed-width progress bar for done out of total bytes. An
// unknown total draws an empty bar.
func Bar(done, total int64) string {
	filled := 0
	if total > 0 {
		filled = int(min(done, total) * barWidth / total)
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled) + "]"
}

// elideMiddle shortens long payload names around the middle so the
// distinguishing suffix and extension stay readable.
func elideMiddle(s string, width int) string {
	if len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	keep := width - 3
	head := keep / 2
	return s[:head] + "..." + s[len(s)-(keep-head):]
}

func clip(s string, width int) string {
	s = strings.TrimSpace(s)
	if len(s) <= width {
		return s
	}
	return s[:width]
}
