package tui

import (
	"errors"
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/tsukinoko-kun/disize"

	"portablemsvc/internal/download"
)

// ErrInterrupted is returned when the user quits the progress view.
var ErrInterrupted = errors.New("interrupted")

// FormatSize renders a byte count for humans.
func FormatSize(n int64) string {
	const mib = 1024 * disize.Kib
	switch {
	case n <= 0:
		return "-"
	case n < disize.Kib:
		return fmt.Sprintf("%d B", n)
	case n < mib:
		return fmt.Sprintf("%.1f KiB", float64(n)/float64(disize.Kib))
	default:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(mib))
	}
}

// DownloadReporter forwards download and phase events to an InstallModel.
// Advance calls are coalesced to one message per percent.
type DownloadReporter struct {
	send func(tea.Msg)

	mu   sync.Mutex
	last map[string]int64
}

// NewDownloadReporter sends messages through send.
func NewDownloadReporter(send func(tea.Msg)) *DownloadReporter {
	return &DownloadReporter{send: send, last: map[string]int64{}}
}

// Start implements download.Progress.
func (r *DownloadReporter) Start(name string, total int64) {
	r.send(PayloadMsg{Name: name, Event: PayloadStarted, Total: total})
}

// Advance implements download.Progress.
func (r *DownloadReporter) Advance(name string, done, total int64) {
	if total <= 0 {
		return
	}
	pct := done * 100 / total
	r.mu.Lock()
	prev, seen := r.last[name]
	r.last[name] = pct
	r.mu.Unlock()
	if seen && prev == pct {
		return
	}
	r.send(PayloadMsg{Name: name, Event: PayloadAdvanced, Done: done, Total: total})
}

// Finish implements download.Progress.
func (r *DownloadReporter) Finish(name string, src download.Source, err error) {
	r.mu.Lock()
	delete(r.last, name)
	r.mu.Unlock()
	r.send(PayloadMsg{Name: name, Event: PayloadFinished, Source: src, Err: err})
}

// Phase moves the footer to the named install step.
func (r *DownloadReporter) Phase(text string) {
	r.send(PhaseMsg{Text: text})
}

// PlainReporter writes one line per finished payload and per install step.
type PlainReporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPlainReporter writes to w.
func NewPlainReporter(w io.Writer) *PlainReporter {
	return &PlainReporter{w: w}
}

// Start implements download.Progress.
func (p *PlainReporter) Start(string, int64) {}

// Advance implements download.Progress.
func (p *PlainReporter) Advance(string, int64, int64) {}

// Finish implements download.Progress.
func (p *PlainReporter) Finish(name string, src download.Source, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		fmt.Fprintf(p.w, "%-11s %s: %v\n", "error", name, err)
		return
	}
	fmt.Fprintf(p.w, "%-11s %s\n", src.String(), name)
}

// Phase prints the install step.
func (p *PlainReporter) Phase(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s...\n", text)
}

var (
	_ download.Progress = (*DownloadReporter)(nil)
	_ download.Progress = (*PlainReporter)(nil)
)
