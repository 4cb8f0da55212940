// Package ui renders the Glimpse overlay as a terminal panel: the phase
// machine drawn live, with keybindings that drive the session layer.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"glimpse/internal/session"
	"glimpse/internal/types"
)

// SnapshotMsg delivers a fresh session snapshot into the Update loop.
type SnapshotMsg struct {
	Snapshot session.Snapshot
}

// panelVisibilityMsg comes from the Panel adapter.
type panelVisibilityMsg struct {
	visible bool
}

const (
	defaultWidth  = 72
	defaultHeight = 18
)

// Model is the overlay's bubbletea model.
type Model struct {
	orch     *session.Orchestrator
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	snapshot session.Snapshot
	visible  bool
	width    int
	height   int
}

// NewModel builds the overlay model around an orchestrator.
func NewModel(orch *session.Orchestrator) Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	in := textinput.New()
	in.Placeholder = "Ask a follow-up... (Esc to leave chat)"
	in.CharLimit = 2000

	vp := viewport.New(defaultWidth, defaultHeight)

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(defaultWidth-4),
	)

	return Model{
		orch:     orch,
		viewport: vp,
		input:    in,
		spinner:  sp,
		renderer: renderer,
		width:    defaultWidth,
		height:   defaultHeight,
	}
}

// Init starts the spinner tick.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update drives the overlay from key presses and session snapshots.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = msg.Height - 6
		if renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(max(20, msg.Width-8)),
		); err == nil {
			m.renderer = renderer
		}
		return m, nil

	case SnapshotMsg:
		m.snapshot = msg.Snapshot
		m.visible = m.snapshot.Session.Phase != types.PhaseEmpty || m.snapshot.Chat != nil
		m.viewport.SetContent(m.bodyContent())
		m.viewport.GotoBottom()
		return m, nil

	case panelVisibilityMsg:
		m.visible = msg.visible
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	inChat := m.snapshot.Chat != nil

	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		if inChat {
			m.orch.ExitChat()
		} else {
			m.orch.Dismiss()
		}
		return m, nil
	}

	if inChat {
		switch msg.String() {
		case "enter":
			text := m.input.Value()
			m.input.Reset()
			m.orch.SendChatMessage(text)
			return m, nil
		default:
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		}
	}

	switch msg.String() {
	case "g":
		m.orch.Trigger()
	case "r":
		m.orch.Retry()
	case "d":
		if m.snapshot.Session.Phase == types.PhaseResult {
			m.orch.Deepen()
		}
	case "c":
		m.orch.EnterChat()
		m.input.Focus()
	case "y":
		m.orch.CopyResult()
	case "ctrl+k":
		m.orch.CancelGeneration()
	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the panel for the current phase.
func (m Model) View() string {
	if !m.visible {
		return hintStyle.Render("g: explain selection  ctrl+c: quit")
	}

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.footer())
	return panelStyle.Width(m.width - 2).Render(b.String())
}

func (m Model) header() string {
	s := m.snapshot.Session
	title := titleStyle.Render("Glimpse")
	if sel := types.CleanSelection(s.Context.SelectedText); sel != "" {
		title += "  " + selectionStyle.Render(clip(sel, 48))
	}
	if s.Classification != "" && s.Phase == types.PhaseResult {
		title += "  " + modeStyle.Render("["+string(s.Classification)+"]")
	}
	return title
}

// bodyContent renders the phase-specific panel body.
func (m Model) bodyContent() string {
	s := m.snapshot.Session
	if m.snapshot.Chat != nil {
		return m.chatContent()
	}

	switch s.Phase {
	case types.PhaseLoadingPretoken:
		return m.spinner.View() + " Thinking..."
	case types.PhaseLoadingStreaming:
		return m.markdown(s.Text)
	case types.PhaseResult:
		body := m.markdown(s.Text)
		if s.IncompleteHint {
			body += "\n" + incompleteStyle.Render("Answer may be incomplete. Press r to retry.")
		}
		return body
	case types.PhaseError:
		return errorStyle.Render(s.ErrorText)
	case types.PhasePermissionRequired:
		return errorStyle.Render("Glimpse needs permission to read the screen.") +
			"\n" + hintStyle.Render("Grant capture access in system settings, then try again.")
	default:
		return hintStyle.Render("Select some text and press g.")
	}
}

func (m Model) chatContent() string {
	chat := m.snapshot.Chat
	var b strings.Builder
	for _, msg := range chat.Messages {
		switch msg.Role {
		case types.RoleUser:
			b.WriteString(userMsgStyle.Render("You: ") + msg.Content + "\n\n")
		default:
			b.WriteString(m.markdown(msg.Content) + "\n")
		}
	}
	if chat.Streaming {
		if chat.Pending != "" {
			b.WriteString(m.markdown(chat.Pending))
		} else {
			b.WriteString(m.spinner.View() + " ...")
		}
	}
	return b.String()
}

func (m Model) footer() string {
	if m.snapshot.Chat != nil {
		return m.input.View()
	}
	switch m.snapshot.Session.Phase {
	case types.PhaseResult:
		return hintStyle.Render("d: deepen  c: chat  y: copy  r: retry  esc: dismiss")
	case types.PhaseLoadingPretoken, types.PhaseLoadingStreaming:
		return hintStyle.Render("ctrl+k: stop  esc: dismiss")
	case types.PhaseError:
		return hintStyle.Render("r: retry  esc: dismiss")
	default:
		return hintStyle.Render("g: explain selection")
	}
}

func (m Model) markdown(text string) string {
	if m.renderer == nil || strings.TrimSpace(text) == "" {
		return text
	}
	rendered, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(rendered, "\n")
}

// clip shortens a string to max runes so multibyte selections never get
// cut mid-rune in the header.
func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}


// StatusLine is a one-line outcome summary used by the diagnostics command.
func StatusLine(d types.SessionDiagnostic) string {
	verdict := "ok"
	if d.Phase == types.PhaseError {
		verdict = "error"
	} else if !d.GatePassed && d.GateEvaluated {
		verdict = "gated"
	}
	return fmt.Sprintf("%s  %-7s stop=%-10s repair=%v  %s",
		d.RecordedAt.Format("15:04:05"), verdict, d.StopReason, d.RepairAttempted,
		lipgloss.NewStyle().Faint(true).Render(clip(d.ErrorText, 40)))
}
