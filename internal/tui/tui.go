// Package tui is the interactive room screen: the grouped live message list
// above an input box.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/livechat/internal/app"
	"github.com/and161185/livechat/internal/chat"
	"github.com/and161185/livechat/internal/livesync"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Room is the data and actions the screen needs.
type Room interface {
	Title() string
	Me() string
	Lines() []chat.Line
	State() (livesync.State, error)
	Send(ctx context.Context, text string) error
}

// ChangedMsg tells the model its Room has new data.
type ChangedMsg struct{}

// DetachedMsg ends the program because the identity was signed out.
type DetachedMsg struct{}

type sentMsg struct{ err error }

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5865F2"))
	authorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#57F287"))
	selfStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FEE75C"))
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#ED4245"))
)

// Model is the bubbletea model of the room screen.
type Model struct {
	room  Room
	sendT time.Duration

	viewport viewport.Model
	input    textarea.Model
	width    int
	height   int
	ready    bool
	err      string
	quitting bool
}

// New returns a Model for room.
func New(room Room) Model {
	in := textarea.New()
	in.Placeholder = "Message " + room.Title()
	in.ShowLineNumbers = false
	in.SetHeight(1)
	in.CharLimit = chat.MaxMessageLen
	in.Focus()
	return Model{room: room, input: in, sendT: 10 * time.Second}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return textarea.Blink }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		h := max(msg.Height-5, 3)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, h)
			m.ready = true
		} else {
			m.viewport.Width, m.viewport.Height = msg.Width, h
		}
		m.input.SetWidth(msg.Width)
		m.refresh()
		return m, nil

	case ChangedMsg:
		m.refresh()
		return m, nil

	case DetachedMsg:
		m.quitting = true
		m.err = "signed out"
		return m, tea.Quit

	case sentMsg:
		if msg.err != nil {
			m.err = msg.err.Error()
		} else {
			m.err = ""
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg.String() {
	case "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		return m, m.send(text)

	case "up", "down", "pgup", "pgdown":
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) send(text string) tea.Cmd {
	room, d := m.room, m.sendT
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		return sentMsg{err: room.Send(ctx, text)}
	}
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(Render(m.room.Lines(), m.room.Me(), m.width))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "loading…"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.room.Title()))
	b.WriteString("  ")
	b.WriteString(statusStyle.Render(status(m.room.State())))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if m.err != "" {
		b.WriteString(errorStyle.Render(m.err))
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func status(st livesync.State, err error) string {
	if err != nil {
		return fmt.Sprintf("%s: %v", st, err)
	}
	return st.String()
}

// Render formats lines: a header with author and time opens every run, the
// messages of a run follow indented.
func Render(lines []chat.Line, me string, width int) string {
	if len(lines) == 0 {
		return statusStyle.Render("No messages yet.")
	}
	body := lipgloss.NewStyle().PaddingLeft(2)
	if width > 4 {
		body = body.Width(width - 2)
	}
	var b strings.Builder
	for i, l := range lines {
		if l.Header {
			if i > 0 {
				b.WriteString("\n")
			}
			name := authorStyle
			if strings.EqualFold(l.Author, me) {
				name = selfStyle
			}
			b.WriteString(name.Render(l.Author))
			b.WriteString(" ")
			b.WriteString(timeStyle.Render(l.Time().Format("Jan 2 15:04")))
			b.WriteString("\n")
		}
		text := l.Text
		if l.Edited {
			text += " " + timeStyle.Render("(edited)")
		}
		b.WriteString(body.Render(text))
		b.WriteString("\n")
	}
	return b.String()
}

// appRoom adapts an open App and one of its rooms.
type appRoom struct {
	a     *app.App
	id    string
	title string
}

func (r appRoom) Title() string { return r.title }

func (r appRoom) Me() string {
	me, _ := r.a.Session.Current()
	return me.Username
}

func (r appRoom) Lines() []chat.Line { return r.a.Room.Lines() }

func (r appRoom) State() (livesync.State, error) { return r.a.Room.State() }

func (r appRoom) Send(ctx context.Context, text string) error {
	_, err := r.a.Chat.Send(ctx, r.id, text)
	return err
}

// Run selects roomID and runs the screen until the user quits or the
// identity is signed out. The message subscription is closed on return.
func Run(ctx context.Context, a *app.App, roomID, title string) error {
	if err := a.SelectRoom(ctx, roomID); err != nil {
		return err
	}
	defer a.Room.Close()

	p := tea.NewProgram(New(appRoom{a: a, id: roomID, title: title}), tea.WithAltScreen(), tea.WithContext(ctx))
	a.OnChange(func(t app.Topic) {
		switch t {
		case app.TopicMessages:
			go p.Send(ChangedMsg{})
		case app.TopicSession:
			if _, ok := a.Session.Current(); !ok {
				go p.Send(DetachedMsg{})
			}
		}
	})
	defer a.OnChange(nil)

	_, err := p.Run()
	return err
}
