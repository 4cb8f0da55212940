// Package types holds the shared value types and collaborator interfaces
// used across the session core. It has no dependencies on other glimpse
// packages so that every layer can import it without cycles.
package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestIdentity is an opaque token minted once per logical user-triggered
// request. Every asynchronous continuation carries it and compares it against
// the orchestrator's active identity before mutating shared state. Identities
// are never reused.
type RequestIdentity string

// NewRequestIdentity mints a fresh identity.
func NewRequestIdentity() RequestIdentity {
	return RequestIdentity(uuid.NewString())
}

// SessionPhase is the finite set of states an overlay session can be in.
type SessionPhase string

const (
	PhasePermissionRequired SessionPhase = "permission_required"
	PhaseLoadingPretoken    SessionPhase = "loading_pretoken"
	PhaseLoadingStreaming   SessionPhase = "loading_streaming"
	PhaseResult             SessionPhase = "result"
	PhaseChat               SessionPhase = "chat"
	PhaseError              SessionPhase = "error"
	PhaseEmpty              SessionPhase = "empty"
)

// IsLoading reports whether the phase is one of the two loading phases.
// Only these phases gate re-trigger and dismiss policies.
func (p SessionPhase) IsLoading() bool {
	return p == PhaseLoadingPretoken || p == PhaseLoadingStreaming
}

// Classification is the leading response style signaled by a bracketed
// prefix token in generated text.
type Classification string

const (
	ModeLearn        Classification = "learn"
	ModeContext      Classification = "context"
	ModeConversation Classification = "conversation"
)

// DefaultClassification is assumed when the stream never carries an
// explicit mode token.
const DefaultClassification = ModeLearn

// ParseClassification resolves a mode name case-insensitively.
func ParseClassification(s string) (Classification, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "learn":
		return ModeLearn, true
	case "context":
		return ModeContext, true
	case "conversation":
		return ModeConversation, true
	}
	return DefaultClassification, false
}

// StopReason tags why a generation stream ended.
type StopReason string

const (
	StopNatural    StopReason = "stop"
	StopLength     StopReason = "length"
	StopDoneMarker StopReason = "doneMarker"
	StopFallback   StopReason = "fallback"
	StopUnknown    StopReason = "unknown"
)

// Trusted reports whether the provider claims a natural completion.
// Trusted reasons still go through the gate's structural safety checks.
func (r StopReason) Trusted() bool {
	return r == StopNatural || r == StopDoneMarker
}

// Rect is an on-screen bounding box, in screen points.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ContextSnapshot is an immutable capture of what the user selected and
// where. Two snapshots may be merged via Merge.
type ContextSnapshot struct {
	SelectedText       string `json:"selected_text"`
	AppName            string `json:"app_name"`
	WindowTitle        string `json:"window_title"`
	NearbyText         string `json:"nearby_text,omitempty"`
	ExactOccurrence    string `json:"exact_occurrence,omitempty"`
	Bounds             *Rect  `json:"bounds,omitempty"`
	SourceURL          string `json:"source_url,omitempty"`
	LikelyConversation bool   `json:"likely_conversation"`
	Partial            bool   `json:"partial"`
}

// invisible runes stripped before judging a selection usable:
// zero-width space, ZWNJ, ZWJ, word joiner, BOM, soft hyphen.
var invisibleRunes = map[rune]struct{}{
	'\u200b': {}, '\u200c': {}, '\u200d': {}, '\u2060': {}, '\ufeff': {}, '\u00ad': {},
}

// CleanSelection strips whitespace and invisible Unicode formatting
// characters from a captured selection.
func CleanSelection(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if _, invisible := invisibleRunes[r]; invisible {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// HasUsableSelection reports whether the snapshot carries a non-trivial
// selection after cleaning.
func (c ContextSnapshot) HasUsableSelection() bool {
	return CleanSelection(c.SelectedText) != ""
}

// HasSignal reports whether the snapshot carries any contextual signal
// beyond the bare selection.
func (c ContextSnapshot) HasSignal() bool {
	return strings.TrimSpace(c.NearbyText) != "" || strings.TrimSpace(c.ExactOccurrence) != ""
}

// Merge fills empty fields of c from enriched, preferring the enriched
// value where both are set. The partial flag survives only if both inputs
// are partial.
func (c ContextSnapshot) Merge(enriched ContextSnapshot) ContextSnapshot {
	out := c
	if enriched.SelectedText != "" {
		out.SelectedText = enriched.SelectedText
	}
	if enriched.AppName != "" {
		out.AppName = enriched.AppName
	}
	if enriched.WindowTitle != "" {
		out.WindowTitle = enriched.WindowTitle
	}
	if enriched.NearbyText != "" {
		out.NearbyText = enriched.NearbyText
	}
	if enriched.ExactOccurrence != "" {
		out.ExactOccurrence = enriched.ExactOccurrence
	}
	if enriched.Bounds != nil {
		out.Bounds = enriched.Bounds
	}
	if enriched.SourceURL != "" {
		out.SourceURL = enriched.SourceURL
	}
	out.LikelyConversation = c.LikelyConversation || enriched.LikelyConversation
	out.Partial = c.Partial && enriched.Partial
	return out
}

// CapturePolicy selects how aggressive a capture attempt is allowed to be.
type CapturePolicy int

const (
	// CaptureFastFirst tries the cheapest capture path under a budget.
	CaptureFastFirst CapturePolicy = iota
	// CaptureFull walks every capture path without a pipeline-imposed budget.
	CaptureFull
)

func (p CapturePolicy) String() string {
	if p == CaptureFastFirst {
		return "fast_first"
	}
	return "full"
}

// EventKind discriminates stream events.
type EventKind int

const (
	EventDelta EventKind = iota
	EventDone
	EventError
)

// StreamEvent is one element of the ordered event sequence produced by a
// GenerationClient. Exactly one terminal event (Done or Error) is expected;
// duplicates after the first are ignored by the consumer.
type StreamEvent struct {
	Kind       EventKind
	Text       string     // delta text, EventDelta only
	StopReason StopReason // EventDone only
	Err        string     // EventError only
}

// Role tags a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Message is one role-tagged chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StreamRequest describes one generation call.
type StreamRequest struct {
	Instructions    string
	Input           string
	MaxOutputTokens int // 0 means provider default
}

// RequestMetrics records per-request latency breakdown.
type RequestMetrics struct {
	CaptureLatency     time.Duration `json:"capture_latency"`
	PromptBuildLatency time.Duration `json:"prompt_build_latency"`
	TimeToRequestStart time.Duration `json:"time_to_request_start"`
	TimeToFirstToken   time.Duration `json:"time_to_first_token"`
	FirstTokenSeen     bool          `json:"first_token_seen"`
	TotalLatency       time.Duration `json:"total_latency"`

	// StreamedIncrementally is true only when more than one delta arrived
	// and the final text is non-trivial.
	StreamedIncrementally bool `json:"streamed_incrementally"`
}

// StreamingExplanation is a finished answer, kept in the history buffer
// and read back by the deepen flow.
type StreamingExplanation struct {
	Text           string          `json:"text"`
	Classification Classification  `json:"classification"`
	Depth          int             `json:"depth"`
	Context        ContextSnapshot `json:"context"`
}

// SessionDiagnostic is one append-only record of a terminal outcome.
type SessionDiagnostic struct {
	SessionID       string         `json:"session_id"`
	Phase           SessionPhase   `json:"phase"`
	Metrics         RequestMetrics `json:"metrics"`
	ErrorText       string         `json:"error_text,omitempty"`
	StopReason      StopReason     `json:"stop_reason,omitempty"`
	GateEvaluated   bool           `json:"gate_evaluated"`
	GatePassed      bool           `json:"gate_passed"`
	RepairAttempted bool           `json:"repair_attempted"`
	RepairSucceeded bool           `json:"repair_succeeded"`
	RepairTimedOut  bool           `json:"repair_timed_out"`
	BudgetsMet      bool           `json:"budgets_met"`
	RecordedAt      time.Time      `json:"recorded_at"`
}
