package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/76creates/stickers/flexbox"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/nekomiya-kasane/metasock/pkg/client"
	"github.com/nekomiya-kasane/metasock/pkg/protocol"
)

const maxLogLines = 500

// Messages bridged from Connector callbacks
type (
	ServerMessageMsg struct{ Message protocol.Message }
	StateMsg         struct{ State client.State }
	ErrorMsg         struct{ Err error }
	TickMsg          time.Time
)

// Connection is the part of the Connector the UI drives
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect()
	SendMessage(msg protocol.Message) error
	State() client.State
	PendingReconnect() bool
	Address() string
	BytesSent() uint64
	BytesReceived() uint64
}

// Model is the bubbletea model of the interactive client
type Model struct {
	conn     Connection
	events   <-chan tea.Msg
	input    textinput.Model
	log      viewport.Model
	lines    []string
	ready    bool
	width    int
	height   int
	received int
	sent     int
}

// NewModel creates the UI. events carries messages produced by the
// connector's callbacks; see bridgeEvents.
func NewModel(conn Connection, events <-chan tea.Msg) Model {
	ti := textinput.New()
	ti.Placeholder = `framework command {"key":"value"}  or a raw JSON frame`
	ti.Prompt = "> "
	ti.CharLimit = 64 * 1024
	ti.Focus()

	return Model{
		conn:   conn,
		events: events,
		input:  ti,
	}
}

// bridgeEvents forwards Connector callbacks into a channel the UI polls.
// Events are dropped rather than blocking the read loop when the UI lags.
func bridgeEvents(c *client.Connector) <-chan tea.Msg {
	events := make(chan tea.Msg, 256)
	push := func(msg tea.Msg) {
		select {
		case events <- msg:
		default:
		}
	}
	c.OnMessage(func(m protocol.Message) { push(ServerMessageMsg{Message: m}) })
	c.OnStateChange(func(s client.State) { push(StateMsg{State: s}) })
	c.OnError(func(err error) { push(ErrorMsg{Err: err}) })
	return events
}

// listenForEvents waits for the next connector event
func listenForEvents(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

// tickCmd refreshes the status line every second
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, listenForEvents(m.events), tickCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.conn.Disconnect()
			return m, tea.Quit
		case tea.KeyCtrlR:
			m.appendLine(NoticeStyle.Render("reconnecting..."))
			conn := m.conn
			return m, func() tea.Msg {
				if err := conn.Connect(context.Background()); err != nil {
					return ErrorMsg{Err: err}
				}
				return nil
			}
		case tea.KeyCtrlD:
			m.conn.Disconnect()
			m.appendLine(NoticeStyle.Render("disconnected (auto-reconnect suppressed, ctrl+r to connect)"))
			return m, nil
		case tea.KeyEnter:
			m.submit()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		logHeight := msg.Height - 5
		if logHeight < 3 {
			logHeight = 3
		}
		if !m.ready {
			m.log = viewport.New(msg.Width-4, logHeight)
			m.ready = true
		} else {
			m.log.Width = msg.Width - 4
			m.log.Height = logHeight
		}
		m.input.Width = msg.Width - 4
		m.refreshLog()

	case ServerMessageMsg:
		m.received++
		m.appendLine(InboundStyle.Render("← ") + formatMessage(msg.Message))
		cmds = append(cmds, listenForEvents(m.events))

	case StateMsg:
		m.appendLine(NoticeStyle.Render("state: " + msg.State.String()))
		cmds = append(cmds, listenForEvents(m.events))

	case ErrorMsg:
		m.appendLine(ErrorStyle.Render("error: " + msg.Err.Error()))
		cmds = append(cmds, listenForEvents(m.events))

	case TickMsg:
		cmds = append(cmds, tickCmd())
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	if m.ready {
		m.log, cmd = m.log.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// submit parses and sends the input line
func (m *Model) submit() {
	line := strings.TrimSpace(m.input.Value())
	if line == "" {
		return
	}

	msg, err := parseInput(line)
	if err != nil {
		m.appendLine(ErrorStyle.Render("invalid input: " + err.Error()))
		return
	}
	if err := m.conn.SendMessage(msg); err != nil {
		m.appendLine(ErrorStyle.Render("send failed: " + err.Error()))
		return
	}

	m.sent++
	m.appendLine(OutboundStyle.Render("→ ") + formatMessage(msg))
	m.input.Reset()
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.refreshLog()
}

func (m *Model) refreshLog() {
	if !m.ready {
		return
	}
	m.log.SetContent(strings.Join(m.lines, "\n"))
	m.log.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	state := m.conn.State()
	pending := m.conn.PendingReconnect()
	status := state.String()
	if pending {
		status += " (reconnect pending)"
	}

	header := HeaderStyle.Render("metasock "+m.conn.Address()) + " " +
		stateStyle(state == client.StateConnected, pending).Render(status)

	footer := FooterStyle.Render(fmt.Sprintf(
		"sent %d (%s)  received %d (%s)  |  enter send  ctrl+d disconnect  ctrl+r connect  esc quit",
		m.sent, formatBytes(m.conn.BytesSent()), m.received, formatBytes(m.conn.BytesReceived())))

	// Rows: header, log, input, footer
	layout := flexbox.New(m.width, m.height)
	contentHeight := m.height - 3

	layout.AddRows([]*flexbox.Row{
		layout.NewRow().AddCells(flexbox.NewCell(1, 1).SetContent(header)),
		layout.NewRow().AddCells(flexbox.NewCell(1, contentHeight).SetContent(LogPaneStyle.Render(m.log.View()))),
		layout.NewRow().AddCells(flexbox.NewCell(1, 1).SetContent(m.input.View())),
		layout.NewRow().AddCells(flexbox.NewCell(1, 1).SetContent(footer)),
	})

	return layout.Render()
}

// parseInput accepts a raw JSON frame or "framework command [payload]"
func parseInput(line string) (protocol.Message, error) {
	if strings.HasPrefix(line, "{") {
		return protocol.ParseMessage([]byte(line))
	}

	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return protocol.Message{}, errors.New("expected: framework command [payload]")
	}

	payload := map[string]any{}
	if len(fields) == 3 && strings.TrimSpace(fields[2]) != "" {
		if err := json.Unmarshal([]byte(fields[2]), &payload); err != nil {
			return protocol.Message{}, fmt.Errorf("payload: %w", err)
		}
		if payload == nil {
			return protocol.Message{}, errors.New("payload must be a JSON object")
		}
	}
	return protocol.NewMessage(fields[0], fields[1], payload), nil
}

func formatMessage(m protocol.Message) string {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		payload = []byte("?")
	}
	return fmt.Sprintf("%s %s %s", m.Framework, m.Command, payload)
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
