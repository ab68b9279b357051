package tui

import (
	"context"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// RunWithWork starts a bubbletea program and runs workFn beside it. Quitting
// the view cancels the context handed to workFn, and RunWithWork returns only
// after workFn has returned, so its cleanup always runs. A non-nil error from
// workFn is shown in the view and returned.
func RunWithWork(ctx context.Context, out io.Writer, model InstallModel, workFn func(ctx context.Context, send func(tea.Msg)) error, opts ...tea.ProgramOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(model, append([]tea.ProgramOption{tea.WithOutput(out)}, opts...)...)

	workErr := make(chan error, 1)
	go func() {
		// Give the event loop a moment to draw the first frame.
		time.Sleep(50 * time.Millisecond)

		err := workFn(ctx, p.Send)
		workErr <- err
		if err != nil {
			p.Send(ErrorMsg{Err: err})
			return
		}
		p.Send(WorkDoneMsg{})
	}()

	finalModel, runErr := p.Run()
	if m, ok := finalModel.(InstallModel); ok && m.Err() != nil && runErr == nil {
		runErr = m.Err()
	}
	if runErr != nil {
		cancel()
		<-workErr
		return runErr
	}
	return <-workErr
}
