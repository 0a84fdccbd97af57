package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/streamdesk/internal/client"
	"github.com/basket/streamdesk/internal/stream"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	replyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	onlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

const helpText = `Commands:
  /button N   use prompt button N
  /role N     use role N
  /cancel     cancel the running request (Esc)
  /clear      clear the transcript
  /quit       exit (Ctrl+C)`

type entryKind int

const (
	entryUser entryKind = iota
	entryReply
	entrySystem
	entryError
)

type entry struct {
	kind      entryKind
	text      string
	requestID string
	cancelled bool
}

type model struct {
	ctx  context.Context
	conn Conn

	button int
	role   int

	width  int
	height int

	history []entry
	editor  lineEditor

	connected bool
	// pending is set between Enter and the reply to POST /api/process.
	pending       bool
	cancelOnStart bool
	active        string
	reply         int
	lastFinished  string
	spinnerIdx    int
}

func newModel(ctx context.Context, conn Conn, opts Options) model {
	m := model{
		ctx:    ctx,
		conn:   conn,
		button: max(opts.Button, 1),
		role:   max(opts.Role, 1),
		reply:  -1,
	}
	m.system("Connecting as " + conn.UserID() + ". Type /help for commands.")
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitCtxDone(m.ctx), waitForEvent(m.conn), waitForState(m.conn))
}

func (m model) busy() bool { return m.pending || m.active != "" }

func (m *model) system(text string) {
	m.history = append(m.history, entry{kind: entrySystem, text: text})
}

func (m *model) fail(text string) {
	m.history = append(m.history, entry{kind: entryError, text: text})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case stateMsg:
		if msg.state.Connected != m.connected {
			m.connected = msg.state.Connected
			if m.connected {
				m.system("Connected.")
			} else {
				m.fail("Disconnected: " + humanError(msg.state.Err) + ". Reconnecting...")
			}
		}
		return m, waitForState(m.conn)

	case eventsClosedMsg:
		m.connected = false
		return m, nil

	case eventMsg:
		var cmd tea.Cmd
		m, cmd = m.handleEvent(msg.event)
		return m, tea.Batch(cmd, waitForEvent(m.conn))

	case submittedMsg:
		m.pending = false
		if msg.err != nil {
			m.cancelOnStart = false
			m.fail("Error: " + humanError(msg.err))
			return m, nil
		}
		if m.active == "" && msg.requestID != m.lastFinished {
			return m.adopt(msg.requestID)
		}
		return m, nil

	case cancelledMsg:
		if msg.err != nil && !errors.Is(msg.err, client.ErrNotFound) {
			m.fail("Cancel failed: " + humanError(msg.err))
		}
		return m, nil

	case spinnerTickMsg:
		if m.busy() {
			m.spinnerIdx++
			return m, spinnerTick()
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit
	case "esc":
		return m.cancel()
	case "enter", "ctrl+m", "ctrl+j":
		return m.submit()
	case " ":
		m.editor.insert([]rune{' '})
		return m, nil
	case "tab":
		m.editor.insert([]rune{'\t'})
		return m, nil
	}
	// Typing stays enabled while a reply streams; only Enter is blocked.
	if msg.Type == tea.KeyRunes {
		if r := printable(msg.Runes); len(r) > 0 {
			m.editor.insert(r)
		}
		return m, nil
	}
	m.editor.key(msg.String())
	return m, nil
}

func (m model) submit() (tea.Model, tea.Cmd) {
	if m.busy() {
		return m, nil
	}
	line := m.editor.take()
	if line == "" {
		return m, nil
	}
	if strings.HasPrefix(line, "/") {
		return m.command(line)
	}
	if !m.connected {
		m.fail("Not connected; the message was not sent.")
		return m, nil
	}
	m.history = append(m.history, entry{kind: entryUser, text: line})
	m.pending = true
	return m, tea.Batch(submitCmd(m.ctx, m.conn, line, m.button, m.role), spinnerTick())
}

func (m model) command(line string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/help":
		m.system(helpText)
	case "/clear":
		m.history = nil
		m.reply = -1
	case "/cancel":
		return m.cancel()
	case "/button", "/role":
		n := 0
		if len(fields) == 2 {
			n, _ = strconv.Atoi(fields[1])
		}
		if n < 1 {
			m.fail("Usage: " + fields[0] + " N (N >= 1)")
			return m, nil
		}
		if fields[0] == "/button" {
			m.button = n
		} else {
			m.role = n
		}
		m.system(fmt.Sprintf("Using button %d, role %d.", m.button, m.role))
	default:
		m.fail("Unknown command " + fields[0] + ". Type /help.")
	}
	return m, nil
}

// cancel stops the visible stream at once; late frames for it are dropped.
func (m model) cancel() (tea.Model, tea.Cmd) {
	switch {
	case m.active != "":
		id := m.active
		if m.reply >= 0 {
			m.history[m.reply].cancelled = true
		} else {
			m.system("Request cancelled.")
		}
		m.finish()
		return m, cancelCmd(m.ctx, m.conn, id)
	case m.pending:
		m.cancelOnStart = true
	}
	return m, nil
}

// adopt makes id the stream on screen, cancelling it straight away when
// Esc was pressed before the id was known.
func (m model) adopt(id string) (model, tea.Cmd) {
	m.active = id
	if m.cancelOnStart {
		m.cancelOnStart = false
		m.pending = false
		m.system("Request cancelled.")
		m.finish()
		return m, cancelCmd(m.ctx, m.conn, id)
	}
	return m, nil
}

func (m *model) finish() {
	m.lastFinished = m.active
	m.active = ""
	m.reply = -1
}

func (m model) handleEvent(ev stream.Event) (model, tea.Cmd) {
	var cmd tea.Cmd
	if m.active == "" && m.pending && ev.Type == stream.TypeStart {
		m, cmd = m.adopt(ev.RequestID)
	}
	if ev.RequestID == "" || ev.RequestID != m.active {
		return m, cmd
	}

	switch ev.Type {
	case stream.TypeStart:
		m.ensureReply()
	case stream.TypeChunk:
		m.ensureReply()
		m.history[m.reply].text += ev.Content
	case stream.TypeDone:
		m.finish()
	case stream.TypeError:
		m.fail("Error: " + ev.Message)
		m.finish()
	}
	return m, cmd
}

func (m *model) ensureReply() {
	if m.reply >= 0 {
		return
	}
	m.history = append(m.history, entry{kind: entryReply, requestID: m.active})
	m.reply = len(m.history) - 1
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("streamdesk"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %s · button %d · role %d", m.conn.UserID(), m.button, m.role)))
	b.WriteString("\n\n")

	lines := m.historyLines()
	if m.height > 0 {
		avail := max(m.height-6, 3)
		if len(lines) > avail {
			lines = lines[len(lines)-avail:]
		}
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}

	b.WriteString("\n> ")
	b.WriteString(m.editor.render())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	return b.String()
}

func (m model) historyLines() []string {
	var out []string
	for _, e := range m.history {
		var (
			prefix string
			style  lipgloss.Style
		)
		text := e.text
		switch e.kind {
		case entryUser:
			prefix, style = "You: ", userStyle
		case entryReply:
			prefix, style = "AI:  ", replyStyle
			if e.cancelled {
				text += " [cancelled]"
			}
		case entryError:
			style = errStyle
		default:
			style = dimStyle
		}
		for _, l := range wrap(text, prefix, m.width) {
			out = append(out, style.Render(l))
		}
	}
	return out
}

func (m model) statusLine() string {
	conn := errStyle.Render("○ offline")
	if m.connected {
		conn = onlineStyle.Render("● online")
	}
	switch {
	case m.active != "":
		spin := []string{"|", "/", "-", "\\"}[m.spinnerIdx%4]
		return conn + dimStyle.Render("  "+spin+" streaming, Esc to cancel")
	case m.pending:
		return conn + dimStyle.Render("  submitting...")
	}
	return conn + dimStyle.Render("  Enter to send, Ctrl+C to quit")
}
