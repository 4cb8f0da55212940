// Package repair attempts one bounded continuation when the quality gate
// rejects a finished generation. The continuation races a hard timeout;
// whichever resolves first wins and the loser is discarded.
package repair

import (
	"context"
	"strings"
	"time"

	"glimpse/internal/gate"
	"glimpse/internal/logging"
	"glimpse/internal/prompt"
	"glimpse/internal/stream"
	"glimpse/internal/types"
)

const (
	// DefaultTimeout is the hard ceiling on one repair attempt.
	DefaultTimeout = 3000 * time.Millisecond
	// DefaultMaxTokens caps the continuation length.
	DefaultMaxTokens = 256
	// tailWindow bounds how much of the broken answer is resent.
	tailWindow = 480
	// minOverlap is the smallest suffix/prefix overlap worth splicing on.
	minOverlap = 4
)

// Resolver issues the single bounded repair request.
type Resolver struct {
	client  types.GenerationClient
	prompts *prompt.Builder
	timeout time.Duration
}

// NewResolver creates a resolver using the same generation client as the
// primary stream.
func NewResolver(client types.GenerationClient, prompts *prompt.Builder) *Resolver {
	return &Resolver{client: client, prompts: prompts, timeout: DefaultTimeout}
}

// SetTimeout overrides the hard timeout; used by tests and config.
func (r *Resolver) SetTimeout(d time.Duration) { r.timeout = d }

// Result describes what one repair attempt produced. Text always holds the
// text to display: merged on success, the untouched original otherwise.
type Result struct {
	Text            string
	Repaired        bool
	TimedOut        bool
	StillIncomplete bool
	ShowRetryHint   bool
}

// ShouldRepair decides whether a failed gate verdict warrants the one
// repair attempt. Untrusted stop reasons repair on any failure; trusted
// reasons repair only on the structural failures that a model genuinely
// produces right before truncation (dangling suffix, unbalanced
// delimiters or quotes). An empty text never repairs: there is no tail to
// continue from.
func ShouldRepair(stop types.StopReason, reasons []gate.Reason) bool {
	if len(reasons) == 0 || gate.Has(reasons, gate.ReasonEmpty) {
		return false
	}
	if !stop.Trusted() {
		return true
	}
	return gate.Has(reasons, gate.ReasonDanglingSuffix) ||
		gate.Has(reasons, gate.ReasonUnmatchedDelimiter) ||
		gate.Has(reasons, gate.ReasonUnmatchedQuote)
}

// Repair runs the bounded continuation and merges it into original.
// The request id only labels log lines; the caller re-validates identity
// before applying the result.
func (r *Resolver) Repair(ctx context.Context, requestID types.RequestIdentity, original string, snap types.ContextSnapshot) Result {
	log := logging.WithRequestID(logging.CategoryRepair, string(requestID))
	timer := logging.StartTimer(logging.CategoryRepair, "repair attempt")
	defer timer.Stop()

	tail := tailOf(original, tailWindow)
	instructions := r.prompts.Continuation(tail, snap)

	repairCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type collected struct {
		text string
		err  error
	}
	resultCh := make(chan collected, 1)
	go func() {
		events, err := r.client.StartStream(repairCtx, types.StreamRequest{
			Instructions:    instructions,
			Input:           tail,
			MaxOutputTokens: DefaultMaxTokens,
		})
		if err != nil {
			resultCh <- collected{err: err}
			return
		}
		text, _, err := stream.Collect(repairCtx, events)
		resultCh <- collected{text: text, err: err}
	}()

	// First resolution wins: the continuation or the hard timeout. The
	// loser is cancelled and its eventual result discarded via the
	// buffered channel.
	select {
	case res := <-resultCh:
		if res.err != nil || strings.TrimSpace(res.text) == "" {
			log.Warn("repair attempt failed: %v", res.err)
			return Result{Text: original, StillIncomplete: true, ShowRetryHint: true}
		}
		merged := mergeContinuation(original, res.text)
		still := !gate.Complete(merged)
		log.Info("repair merged continuation len=%d still_incomplete=%v", len(res.text), still)
		return Result{
			Text:            merged,
			Repaired:        true,
			StillIncomplete: still,
			ShowRetryHint:   still,
		}
	case <-time.After(r.timeout):
		cancel()
		log.Warn("repair timed out after %v, keeping original text", r.timeout)
		return Result{Text: original, TimedOut: true, StillIncomplete: true, ShowRetryHint: true}
	}
}

// tailOf returns at most max bytes from the end of text, truncated at a
// whitespace boundary so a word is never cut in half.
func tailOf(text string, max int) string {
	text = strings.TrimRight(text, " \t\r\n")
	if len(text) <= max {
		return text
	}
	cut := text[len(text)-max:]
	if idx := strings.IndexAny(cut, " \t\n"); idx >= 0 {
		cut = cut[idx+1:]
	}
	return strings.TrimSpace(cut)
}

// mergeContinuation splices continuation onto original. If the
// continuation restates the whole original it wins outright; otherwise the
// longest suffix-of-original matching a prefix-of-continuation (at least
// minOverlap characters) is deduplicated; failing both, the texts are
// joined with a single space.
func mergeContinuation(original, continuation string) string {
	continuation = strings.TrimSpace(continuation)
	if continuation == "" {
		return original
	}
	if strings.Contains(continuation, original) {
		return continuation
	}
	limit := len(original)
	if len(continuation) < limit {
		limit = len(continuation)
	}
	for n := limit; n >= minOverlap; n-- {
		if original[len(original)-n:] == continuation[:n] {
			return original + continuation[n:]
		}
	}
	return original + " " + continuation
}
