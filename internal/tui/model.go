// Package tui is a terminal viewer for a single Phoenix topic: it renders
// the chat log delivered over a "new_msg" event alongside a live presence
// roster, replacing rubber_duck's nshafer/phx dependency with this module's
// own Socket/Channel/Presence.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/driftcode/phx"
)

type chatLine struct {
	author string
	text   string
	at     time.Time
}

type chatMsg chatLine

type presenceMsg struct {
	keys []string
}

type connStateMsg struct {
	connected bool
}

// Model is a tea.Model wired to a joined Channel and its Presence tracker.
type Model struct {
	socket   *phx.Socket
	channel  *phx.Channel
	presence *phx.Presence
	nick     string

	log      viewport.Model
	input    textinput.Model
	lines    []chatLine
	roster   []string
	connected bool

	width, height int
}

// New builds a Model for channel and creates its Presence tracker. It does
// not subscribe to chat or connection events; Wire does that once the
// *tea.Program running this Model exists.
func New(socket *phx.Socket, channel *phx.Channel, nick string) *Model {
	ti := textinput.New()
	ti.Placeholder = "say something..."
	ti.Focus()
	ti.CharLimit = 500

	vp := viewport.New(80, 20)

	m := &Model{
		socket:  socket,
		channel: channel,
		nick:    nick,
		log:     vp,
		input:   ti,
	}
	m.presence = phx.NewPresence(channel)
	return m
}

// Wire attaches program as the sink for async Socket/Channel/Presence
// callbacks: they fire from Socket/Channel goroutines and use program.Send
// to hand events back to the Bubble Tea event loop. Call it once, right
// after tea.NewProgram(m).
func (m *Model) Wire(program *tea.Program) {
	m.channel.On("new_msg", func(msg phx.Message) {
		body, _ := phx.Unbox[map[string]string](msg.Payload)
		program.Send(chatMsg{author: body["author"], text: body["text"], at: time.Now()})
	})

	sendRoster := func() {
		keys := phx.List(m.presence, func(key string, metas []phx.BoxedJSON) string { return key })
		sort.Strings(keys)
		program.Send(presenceMsg{keys: keys})
	}
	m.presence.OnSync(sendRoster)
	m.presence.OnJoin(func(string, *phx.PresenceEntry, phx.PresenceEntry) { sendRoster() })
	m.presence.OnLeave(func(string, phx.PresenceEntry, phx.PresenceEntry) { sendRoster() })

	m.socket.OnOpen(func() { program.Send(connStateMsg{connected: true}) })
	m.socket.OnClose(func(int, string) { program.Send(connStateMsg{connected: false}) })
}

func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.log.Width = msg.Width
		m.log.Height = msg.Height - 4
		m.renderLog()
		return m, nil

	case chatMsg:
		m.lines = append(m.lines, chatLine(msg))
		m.renderLog()
		m.log.GotoBottom()
		return m, nil

	case presenceMsg:
		m.roster = msg.keys
		return m, nil

	case connStateMsg:
		m.connected = msg.connected
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text != "" {
				m.channel.Push("shout", phx.Box(map[string]any{"author": m.nick, "text": text}))
				m.input.SetValue("")
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) renderLog() {
	var b strings.Builder
	for _, l := range m.lines {
		fmt.Fprintf(&b, "%s %s: %s\n", l.at.Format("15:04:05"), l.author, l.text)
	}
	m.log.SetContent(b.String())
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	rosterStyle = lipgloss.NewStyle().Faint(true)
)

func (m *Model) View() string {
	status := "disconnected"
	if m.connected {
		status = "connected"
	}
	header := headerStyle.Render(fmt.Sprintf("%s — %s", m.channel.Topic(), status))
	roster := rosterStyle.Render("online: " + strings.Join(m.roster, ", "))
	return fmt.Sprintf("%s\n%s\n%s\n%s\n", header, roster, m.log.View(), m.input.View())
}
