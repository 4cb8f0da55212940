package session

import (
	"errors"
	"fmt"
	"strings"
)

// The session error taxonomy. Every failure is resolved inside the
// orchestrator; the UI layer only ever sees a phase plus the user-facing
// message string.

// ErrNoAPIKey is the configuration precondition failure: generation never
// starts without a non-empty API key.
var ErrNoAPIKey = errors.New("no API key configured")

// ConfigError wraps a precondition failure detected before any network
// call. Not retried automatically.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("configuration error: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) userMessage() string {
	if errors.Is(e.Err, ErrNoAPIKey) {
		return "Add an API key in settings to use Glimpse."
	}
	return "Glimpse is not configured correctly."
}

// NoSelectionError means the capture escalation exhausted every attempt.
// The error phase auto-dismisses after a fixed delay; the user may simply
// re-trigger.
type NoSelectionError struct{}

func (e *NoSelectionError) Error() string       { return "no text selected" }
func (e *NoSelectionError) userMessage() string { return "Select some text first." }

// EmptyCompletionError means the stream finished but assembled no visible
// text. Repair is never attempted: there is no tail to continue from.
type EmptyCompletionError struct{}

func (e *EmptyCompletionError) Error() string       { return "model returned an empty completion" }
func (e *EmptyCompletionError) userMessage() string { return "No answer came back. Try again." }

// StreamError wraps an explicit provider error event or a failed network
// call, with a more specific user-facing message for timeout and
// credential cases.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return fmt.Sprintf("stream error: %s", e.Message) }

func (e *StreamError) userMessage() string {
	lower := strings.ToLower(e.Message)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded"):
		return "The request timed out. Try again."
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "invalid api key") || strings.Contains(lower, "authentication"):
		return "Your API key was rejected. Check it in settings."
	}
	return "Something went wrong generating the answer."
}

// userMessenger lets failRequest pull a display string from any taxonomy
// member without a type switch at the call site.
type userMessenger interface {
	userMessage() string
}

func userMessage(err error) string {
	var um userMessenger
	if errors.As(err, &um) {
		return um.userMessage()
	}
	return "Something went wrong."
}
