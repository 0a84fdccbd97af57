// Package tui is the interactive terminal front end for a streamdesk daemon.
package tui

import (
	"context"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/streamdesk/internal/client"
	"github.com/basket/streamdesk/internal/stream"
)

// Conn is the slice of *client.Client the chat view needs.
type Conn interface {
	Submit(ctx context.Context, text string, button, role int) (string, error)
	Cancel(ctx context.Context, requestID string) error
	Events() <-chan stream.Event
	States() <-chan client.State
	UserID() string
}

type Options struct {
	Button int
	Role   int
}

// Run blocks until the user quits or ctx is done. The caller owns the
// connection loop behind conn.
func Run(ctx context.Context, conn Conn, opts Options) error {
	defer bestEffortResetTTY()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newModel(ctx, conn, opts), tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

type (
	ctxDoneMsg      struct{}
	spinnerTickMsg  struct{}
	eventsClosedMsg struct{}
	eventMsg        struct{ event stream.Event }
	stateMsg        struct{ state client.State }
	submittedMsg    struct {
		requestID string
		err       error
	}
	cancelledMsg struct {
		requestID string
		err       error
	}
)

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func waitForEvent(conn Conn) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-conn.Events()
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg{event: ev}
	}
}

func waitForState(conn Conn) tea.Cmd {
	return func() tea.Msg {
		return stateMsg{state: <-conn.States()}
	}
}

func submitCmd(ctx context.Context, conn Conn, text string, button, role int) tea.Cmd {
	return func() tea.Msg {
		id, err := conn.Submit(ctx, text, button, role)
		return submittedMsg{requestID: id, err: err}
	}
}

func cancelCmd(ctx context.Context, conn Conn, requestID string) tea.Cmd {
	return func() tea.Msg {
		return cancelledMsg{requestID: requestID, err: conn.Cancel(ctx, requestID)}
	}
}

func spinnerTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg { return spinnerTickMsg{} })
}
