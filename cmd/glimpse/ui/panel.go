package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"glimpse/internal/logging"
	"glimpse/internal/types"
)

// sender is the slice of *tea.Program the panel needs; narrowed for tests.
type sender interface {
	Send(tea.Msg)
}

// Panel adapts the session layer's panel boundary onto the running
// bubbletea program. Show/Hide only toggle visibility; layout stays with
// the model.
type Panel struct {
	program sender
}

// NewPanel wraps a program. The program may start after the panel exists;
// sends before AttachProgram are dropped.
func NewPanel() *Panel { return &Panel{} }

// AttachProgram connects the running program.
func (p *Panel) AttachProgram(program sender) { p.program = program }

func (p *Panel) send(msg tea.Msg) {
	if p.program == nil {
		return
	}
	p.program.Send(msg)
}

// Show makes the overlay visible. The anchor is advisory; the terminal
// overlay has no window to move.
func (p *Panel) Show(anchor *types.Rect) {
	logging.Get(logging.CategoryPanel).Debug("panel show anchored=%v", anchor != nil)
	p.send(panelVisibilityMsg{visible: true})
}

// Hide hides the overlay.
func (p *Panel) Hide() {
	logging.Get(logging.CategoryPanel).Debug("panel hide")
	p.send(panelVisibilityMsg{visible: false})
}

// UpdateFrame is a no-op for the terminal overlay; the viewport resizes
// with the window instead.
func (p *Panel) UpdateFrame(contentHeight int) {}

// ActivateForChat is visual-only here; the model switches layout from the
// snapshot's chat view.
func (p *Panel) ActivateForChat() {
	logging.Get(logging.CategoryPanel).Debug("panel chat activate")
}

// DeactivateFromChat mirrors ActivateForChat.
func (p *Panel) DeactivateFromChat(contentHeight int) {
	logging.Get(logging.CategoryPanel).Debug("panel chat deactivate height=%d", contentHeight)
}
