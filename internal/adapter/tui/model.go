package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"avachat/internal/adapter/backend"
	"avachat/internal/domain"
	"avachat/internal/usecase"
)

// maxCardsPerRow bounds the result card grid: cards render at fixed width,
// never as full-size inline payloads.
const maxCardsPerRow = 3

const cardWidth = 24

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	hintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	cardStyle      = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(cardWidth)
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// Deps are the dependencies injected into the chat model.
type Deps struct {
	Service *usecase.Service
	// Backend serves the slash commands (/import, /task, /connections).
	// Optional; commands report unavailability when nil.
	Backend *backend.Client
	Logger  *slog.Logger
}

// Model is the root Bubble Tea model for the chat client.
type Model struct {
	deps Deps

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model
	markdown *glamour.TermRenderer

	turnState domain.TurnState
	lastError string
	notice    string
	offline   bool

	width    int
	height   int
	ready    bool
	quitting bool
}

// NewModel creates the chat model. The viewport is sized on the first
// WindowSizeMsg.
func NewModel(deps Deps) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusStyle

	input := textarea.New()
	input.Placeholder = "Message Ava..."
	input.SetHeight(2)
	input.ShowLineNumbers = false
	input.Focus()

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		deps.Logger.Warn("markdown renderer unavailable, falling back to plain text", "error", err)
	}

	return Model{
		deps:      deps,
		input:     input,
		spinner:   sp,
		markdown:  renderer,
		turnState: deps.Service.TurnState(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textarea.Blink)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.refreshTranscript()
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case BusEventMsg:
		m.applyEvent(msg.Event)
		return m, nil

	case sendResultMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
		}
		return m, nil

	case commandResultMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
		} else {
			m.notice = msg.notice
		}
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.turnState.InputEnabled() {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit

	case tea.KeyEsc:
		// The cancel affordance: active whenever a turn is in flight.
		if m.turnState.CancelVisible() {
			svc := m.deps.Service
			return m, func() tea.Msg {
				svc.Cancel(context.Background())
				return nil
			}
		}
		return m, nil

	case tea.KeyEnter:
		if !m.turnState.InputEnabled() {
			// Input is disabled while the assistant is thinking/working.
			return m, nil
		}
		content := strings.TrimSpace(m.input.Value())
		if content == "" {
			return m, nil
		}
		if strings.HasPrefix(content, "/") {
			return m.runCommand(content)
		}
		m.input.Reset()
		m.lastError = ""
		m.notice = ""
		svc := m.deps.Service
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := svc.SendMessage(ctx, content)
			return sendResultMsg{err: err}
		}
	}

	if m.turnState.InputEnabled() {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// runCommand dispatches the slash commands that ride on the REST API
// rather than the chat stream.
func (m Model) runCommand(input string) (tea.Model, tea.Cmd) {
	m.input.Reset()
	m.lastError = ""
	m.notice = ""

	fields := strings.Fields(input)
	name, args := fields[0], fields[1:]

	api := m.deps.Backend
	if api == nil {
		m.notice = "commands unavailable: no backend API configured"
		return m, nil
	}

	switch name {
	case "/import":
		if len(args) != 1 {
			m.notice = "usage: /import <url>"
			return m, nil
		}
		url := args[0]
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			task, err := api.ImportURL(ctx, url)
			if err != nil {
				return commandResultMsg{err: err}
			}
			return commandResultMsg{notice: "import accepted: task " + task.TaskID + " (/task " + task.TaskID + " to check)"}
		}

	case "/task":
		if len(args) != 1 {
			m.notice = "usage: /task <id>"
			return m, nil
		}
		id := args[0]
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			status, err := api.TaskStatus(ctx, id)
			if err != nil {
				return commandResultMsg{err: err}
			}
			return commandResultMsg{notice: "task " + status.TaskID + ": " + status.Status}
		}

	case "/connections":
		if len(args) != 1 {
			m.notice = "usage: /connections <provider>"
			return m, nil
		}
		provider := args[0]
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			status, err := api.ConnectionStatus(ctx, provider)
			if err != nil {
				return commandResultMsg{err: err}
			}
			notice := status.Provider + ": not connected"
			if status.Connected {
				notice = status.Provider + ": connected"
				if status.User != "" {
					notice += " as " + status.User
				}
			}
			return commandResultMsg{notice: notice}
		}
	}

	m.notice = "unknown command " + name
	return m, nil
}

// applyEvent folds one bus event into the view state. The transcript is
// re-read from the conversation on events that change it.
func (m *Model) applyEvent(ev domain.Event) {
	switch ev.Type {
	case domain.EventTurnStateChanged:
		var payload domain.TurnStatePayload
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			m.setTurnState(payload.To)
		}
	case domain.EventTurnStarted:
		m.lastError = ""
	case domain.EventTurnFailed:
		var payload domain.TurnFailedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			m.lastError = payload.Message
		}
		m.setTurnState(m.deps.Service.TurnState())
	case domain.EventMessageAppended, domain.EventMessageDelta,
		domain.EventInvocationSucceeded, domain.EventTurnCompleted:
		m.refreshTranscript()
	case domain.EventTransportUnavailable:
		m.offline = true
	case domain.EventConnected, domain.EventConnectionReconnected:
		m.offline = false
	}
}

func (m *Model) setTurnState(state domain.TurnState) {
	m.turnState = state
	if state.InputEnabled() {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

func (m *Model) layout() {
	inputHeight := m.input.Height() + 1
	statusHeight := 2
	vpHeight := m.height - inputHeight - statusHeight
	if vpHeight < 3 {
		vpHeight = 3
	}
	if !m.ready {
		m.viewport = viewport.New(m.width, vpHeight)
	} else {
		m.viewport.Width = m.width
		m.viewport.Height = vpHeight
	}
	m.input.SetWidth(m.width - 2)
}

// refreshTranscript re-renders the message history into the viewport and
// keeps it scrolled to the latest message.
func (m *Model) refreshTranscript() {
	var b strings.Builder
	for _, msg := range m.deps.Service.Conversation().Messages() {
		b.WriteString(m.renderMessage(msg))
		b.WriteString("\n")
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *Model) renderMessage(msg domain.Message) string {
	var b strings.Builder
	switch msg.Role {
	case domain.RoleUser:
		b.WriteString(userStyle.Render("You"))
	default:
		b.WriteString(assistantStyle.Render("Ava"))
	}
	b.WriteString("\n")

	content := msg.Content
	if msg.Role == domain.RoleAssistant && m.markdown != nil && content != "" {
		if rendered, err := m.markdown.Render(content); err == nil {
			content = strings.TrimRight(rendered, "\n")
		}
	}
	if content != "" {
		b.WriteString(content)
		b.WriteString("\n")
	}

	if len(msg.Attachments) > 0 {
		b.WriteString(m.renderCardGrid(msg.Attachments))
		b.WriteString("\n")
	}
	return b.String()
}

// renderCardGrid lays attachments out as fixed-width cards, at most
// maxCardsPerRow per row.
func (m *Model) renderCardGrid(attachments []domain.Attachment) string {
	var rows []string
	for start := 0; start < len(attachments); start += maxCardsPerRow {
		end := min(start+maxCardsPerRow, len(attachments))
		cards := make([]string, 0, end-start)
		for _, att := range attachments[start:end] {
			cards = append(cards, cardStyle.Render(renderCard(att)))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	}
	return strings.Join(rows, "\n")
}

func renderCard(att domain.Attachment) string {
	title := att.Title
	if title == "" {
		switch att.Type {
		case domain.AttachmentImage:
			title = "Image"
		case domain.AttachmentLink:
			title = "Link"
		default:
			title = "Result"
		}
	}
	if att.URL == "" {
		return title
	}
	return fmt.Sprintf("%s\n%s", title, hintStyle.Render(truncate(att.URL, cardWidth-2)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "loading..."
	}

	var b strings.Builder
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

// statusLine shows the turn indicator, the cancel affordance while a turn
// is in flight, and any surfaced failure.
func (m Model) statusLine() string {
	var parts []string

	if m.offline {
		parts = append(parts, offlineStyle.Render("offline — history only"))
	}
	if m.notice != "" {
		parts = append(parts, statusStyle.Render(m.notice))
	}
	if text := m.turnState.StatusText(); text != "" {
		parts = append(parts, m.spinner.View()+statusStyle.Render(text))
	}
	if m.turnState.CancelVisible() {
		parts = append(parts, hintStyle.Render("esc to cancel"))
	}
	if m.lastError != "" {
		parts = append(parts, errorStyle.Render(m.lastError))
	}
	if len(parts) == 0 {
		parts = append(parts, hintStyle.Render("enter to send • ctrl+c to quit"))
	}
	return strings.Join(parts, "  ")
}
