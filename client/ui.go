package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/puyokura/chatrelay/model"
)

var (
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
	senderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFFF")).Bold(true)
	selfStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#87D787")).Bold(true)
	privateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#D787D7"))
	systemStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAF5F")).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Bold(true)
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#303030")).Padding(0, 1)

	statusColors = map[model.Status]lipgloss.Color{
		model.StatusActive:   lipgloss.Color("#87D787"),
		model.StatusBusy:     lipgloss.Color("#FFAF00"),
		model.StatusInactive: lipgloss.Color("#808080"),
	}
)

type modelState struct {
	network   *Network
	username  string
	server    string
	status    model.Status
	viewport  viewport.Model
	textInput textinput.Model
	lines     []string
	err       error
	ready     bool
	now       func() time.Time
}

func initialModel(net *Network, username, server string) modelState {
	ti := textinput.New()
	ti.Placeholder = "Type a message or /help..."
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 20

	return modelState{
		network:   net,
		username:  username,
		server:    server,
		status:    model.StatusActive,
		textInput: ti,
		now:       time.Now,
	}
}

func (m modelState) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.network.WaitForMessage)
}

func (m modelState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, m.quit()
		case tea.KeyEnter:
			line := m.textInput.Value()
			m.textInput.SetValue("")
			cmd := parseCommand(line, m.username, m.now())
			switch {
			case cmd.notice != "":
				m.appendLine(systemStyle.Render(cmd.notice))
				return m, nil
			case cmd.quit:
				return m, tea.Sequence(m.network.Send(*cmd.out), m.quit())
			case cmd.out != nil:
				return m, m.network.Send(*cmd.out)
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.textInput.Width = msg.Width - 3
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()

	case incomingMsg:
		in := model.Message(msg)
		m.trackOwnStatus(in)
		m.appendLine(formatMessage(in, m.username, m.viewport.Width))
		return m, m.network.WaitForMessage

	case closedMsg:
		text := "Connection closed by server."
		if msg.reason != "" {
			text = fmt.Sprintf("Connection closed by server: %s", msg.reason)
		}
		if msg.code == websocket.ClosePolicyViolation {
			m.err = fmt.Errorf("%s", text)
		}
		m.appendLine(errorStyle.Render(text))
		return m, m.quit()

	case errMsg:
		m.err = msg
		return m, m.quit()
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

func (m modelState) quit() tea.Cmd {
	return func() tea.Msg {
		m.network.Close()
		return tea.Quit()
	}
}

func (m *modelState) appendLine(line string) {
	m.lines = append(m.lines, strings.TrimRight(line, "\n"))
	if m.ready {
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
	}
}

// trackOwnStatus follows status_update notices about this user so the header
// shows what everyone else sees.
func (m *modelState) trackOwnStatus(msg model.Message) {
	if msg.Kind != model.KindStatusUpdate {
		return
	}
	fields := model.Fields(msg.Content)
	if fields["user"] != m.username {
		return
	}
	if s, ok := model.ParseStatus(fields["status"]); ok {
		m.status = s
	}
}

func (m modelState) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	status := lipgloss.NewStyle().Foreground(statusColors[m.status]).Render(string(m.status))
	header := headerStyle.Render(fmt.Sprintf("%s @ %s", m.username, m.server)) + " " + status
	return fmt.Sprintf("%s\n%s\n%s\n%s",
		header,
		m.viewport.View(),
		borderStyle.Render(strings.Repeat("─", m.viewport.Width)),
		m.textInput.View(),
	)
}

// formatMessage renders one server message as a chat line.
func formatMessage(msg model.Message, self string, width int) string {
	if width < 40 {
		width = 80
	}

	clock := msg.Timestamp
	if t, err := time.ParseInLocation(model.TimestampLayout, msg.Timestamp, time.Local); err == nil {
		clock = t.Format("15:04")
	}
	prefix := timeStyle.Render(clock) + " " + borderStyle.Render("│") + " "

	var body string
	switch msg.Kind {
	case model.KindBroadcast:
		body = nameStyle(msg.Sender, self).Render(msg.Sender) + ": " + msg.Content
	case model.KindPrivate:
		body = privateStyle.Render(fmt.Sprintf("[private] %s → %s: ", msg.Sender, msg.Target)) + msg.Content
	case model.KindRegisterSuccess:
		users := model.DecodeStringArray(msg.UserList)
		body = systemStyle.Render(fmt.Sprintf("%s. Online: %s", msg.Content, strings.Join(users, ", ")))
	case model.KindListUsersResponse:
		list := msg.Content
		if msg.HasUserList {
			list = msg.UserList
		}
		body = systemStyle.Render("Online: " + strings.Join(model.DecodeStringArray(list), ", "))
	case model.KindUserInfoResponse:
		if msg.Content == "null" || msg.Content == "" {
			body = systemStyle.Render(fmt.Sprintf("%s is not connected", msg.Target))
			break
		}
		f := model.Fields(msg.Content)
		body = systemStyle.Render(fmt.Sprintf("%s: ip %s, status %s", msg.Target, f["ip"], f["status"]))
	case model.KindStatusUpdate:
		f := model.Fields(msg.Content)
		status := model.Status(f["status"])
		body = systemStyle.Render(f["user"]+" is now ") +
			lipgloss.NewStyle().Foreground(statusColors[status]).Render(string(status))
	case model.KindUserDisconnected:
		body = systemStyle.Render(msg.Content)
	case model.KindError:
		body = errorStyle.Render("error: " + msg.Content)
	default:
		body = fmt.Sprintf("[%s] %s: %s", msg.Kind, msg.Sender, msg.Content)
	}

	wrapWidth := width - lipgloss.Width(prefix)
	if wrapWidth < 10 {
		wrapWidth = 10
	}
	wrapped := strings.Split(lipgloss.NewStyle().Width(wrapWidth).Render(body), "\n")

	indent := strings.Repeat(" ", lipgloss.Width(prefix)-2) + borderStyle.Render("│") + " "
	var b strings.Builder
	for i, line := range wrapped {
		if i == 0 {
			b.WriteString(prefix)
		} else {
			b.WriteString("\n")
			b.WriteString(indent)
		}
		b.WriteString(line)
	}
	return b.String()
}

func nameStyle(sender, self string) lipgloss.Style {
	if sender == self {
		return selfStyle
	}
	return senderStyle
}
