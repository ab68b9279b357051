package tui

import "portablemsvc/internal/download"

// PayloadEvent is the kind of a PayloadMsg.
type PayloadEvent int

const (
	PayloadStarted PayloadEvent = iota
	PayloadAdvanced
	PayloadFinished
)

// PayloadMsg reports one transfer event for a payload.
type PayloadMsg struct {
	Name   string
	Event  PayloadEvent
	Done   int64
	Total  int64
	Source download.Source
	Err    error
}

// PhaseMsg names the install step now running.
type PhaseMsg struct {
	Text string
}

// WorkDoneMsg signals that all background work has completed.
type WorkDoneMsg struct{}

// ErrorMsg signals a fatal error; the TUI should quit.
type ErrorMsg struct {
	Err error
}
