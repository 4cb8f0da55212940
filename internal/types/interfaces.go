package types

import (
	"context"
	"time"
)

// ContextProvider obtains a context snapshot for the current selection.
// Implementations own the capture mechanics (accessibility tree, browser
// DOM, OCR); the pipeline only sees the policy and the budget.
type ContextProvider interface {
	// CaptureContext blocks up to budget when the policy is CaptureFastFirst;
	// a zero budget with CaptureFull means the provider decides its own
	// ceiling. The returned snapshot may be empty without error.
	CaptureContext(ctx context.Context, policy CapturePolicy, budget time.Duration) (ContextSnapshot, error)

	// PermissionGranted reports whether the host OS allows capture at all.
	PermissionGranted() bool
}

// GenerationClient turns a prompt into an ordered stream of events.
// The returned channel is closed by the client after the terminal event.
type GenerationClient interface {
	StartStream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error)
	StartChatStream(ctx context.Context, messages []Message, maxOutputTokens int) (<-chan StreamEvent, error)
}

// Panel is the rendering boundary. The orchestrator drives it but owns no
// layout or animation logic.
type Panel interface {
	Show(anchor *Rect)
	Hide()
	UpdateFrame(contentHeight int)
	ActivateForChat()
	DeactivateFromChat(contentHeight int)
}

// Settings is read-only access to user configuration. An empty APIKey is a
// hard precondition failure for starting generation.
type Settings interface {
	APIKey() string
	ModelName() string
}

// ClipboardWriter copies text to the system clipboard.
type ClipboardWriter interface {
	Write(text string) bool
}
