package tui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Status reports the current phase of a long operation.
type Status interface {
	Update(msg string)
	Stop()
}

// NewStatus picks a spinner for terminal modes, one line per phase for plain
// output and nothing for JSON.
func NewStatus(w io.Writer, mode OutputMode) Status {
	switch mode {
	case ModeTUI:
		return NewStatusWriter(w)
	case ModePlain:
		return &lineStatus{w: w}
	default:
		return nopStatus{}
	}
}

// StatusWriter redraws a spinner and the current phase in place every 100ms.
type StatusWriter struct {
	w          io.Writer
	mu         sync.Mutex
	message    string
	phaseStart time.Time
	done       chan struct{}
	stopped    bool
}

// NewStatusWriter starts the spinner loop.
func NewStatusWriter(w io.Writer) *StatusWriter {
	sw := &StatusWriter{
		w:          w,
		phaseStart: time.Now(),
		done:       make(chan struct{}),
	}
	go sw.loop()
	return sw
}

// Update changes the phase text and restarts its timer.
func (sw *StatusWriter) Update(msg string) {
	sw.mu.Lock()
	sw.message = msg
	sw.phaseStart = time.Now()
	sw.mu.Unlock()
}

// Stop clears the status line. It is safe to call more than once.
func (sw *StatusWriter) Stop() {
	sw.mu.Lock()
	if sw.stopped {
		sw.mu.Unlock()
		return
	}
	sw.stopped = true
	sw.mu.Unlock()
	close(sw.done)
	fmt.Fprintf(sw.w, "\r\033[K")
}

func (sw *StatusWriter) loop() {
	tick := 0
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sw.done:
			return
		case <-ticker.C:
			sw.mu.Lock()
			msg := sw.message
			start := sw.phaseStart
			sw.mu.Unlock()

			spinner := spinnerFrames[tick%len(spinnerFrames)]
			tick++
			fmt.Fprintf(sw.w, "\r\033[K%s %s (%s)", spinner, msg, formatElapsed(time.Since(start)))
		}
	}
}

type lineStatus struct {
	mu   sync.Mutex
	w    io.Writer
	last string
}

func (l *lineStatus) Update(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg == l.last {
		return
	}
	l.last = msg
	fmt.Fprintln(l.w, msg)
}

func (l *lineStatus) Stop() {}

type nopStatus struct{}

func (nopStatus) Update(string) {}
func (nopStatus) Stop()         {}

// formatElapsed formats a duration for display in the status line.
func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < 10*time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
