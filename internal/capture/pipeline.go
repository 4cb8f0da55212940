// Package capture resolves a usable context snapshot through up to four
// progressively more expensive attempts, then optionally enriches a
// partial snapshot in the background.
package capture

import (
	"context"
	"errors"
	"strings"
	"time"

	"glimpse/internal/logging"
	"glimpse/internal/types"
)

// ErrNoSelection is returned when every escalation step fails to produce
// a usable selection.
var ErrNoSelection = errors.New("no usable selection captured")

// ErrSuperseded is returned when the request identity stopped being the
// active one mid-pipeline. Callers discard it silently.
var ErrSuperseded = errors.New("request superseded during capture")

// Budgets holds the per-step time budgets. Zero values fall back to
// DefaultBudgets.
type Budgets struct {
	// Fast bounds the initial cheap attempt.
	Fast time.Duration
	// Settle is the wait before the second full retry; some hosts populate
	// the selection asynchronously.
	Settle time.Duration
	// Contextual bounds the signal-upgrade attempt.
	Contextual time.Duration
}

// DefaultBudgets returns the standard escalation budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		Fast:       90 * time.Millisecond,
		Settle:     90 * time.Millisecond,
		Contextual: 450 * time.Millisecond,
	}
}

// ActiveFunc reports whether an identity is still the orchestrator's
// current one. Checked before every escalation step.
type ActiveFunc func(types.RequestIdentity) bool

// Pipeline runs the escalation against one ContextProvider.
type Pipeline struct {
	provider types.ContextProvider
	budgets  Budgets
	active   ActiveFunc
}

// NewPipeline creates a pipeline. active may be nil, in which case every
// identity is considered live (useful in tests).
func NewPipeline(provider types.ContextProvider, budgets Budgets, active ActiveFunc) *Pipeline {
	if budgets == (Budgets{}) {
		budgets = DefaultBudgets()
	}
	if active == nil {
		active = func(types.RequestIdentity) bool { return true }
	}
	return &Pipeline{provider: provider, budgets: budgets, active: active}
}

// Resolve walks the escalation ladder and returns the accepted snapshot.
// Each step re-checks that id is still active; a superseded request aborts
// silently with ErrSuperseded. At most one snapshot is accepted per call.
func (p *Pipeline) Resolve(ctx context.Context, id types.RequestIdentity) (types.ContextSnapshot, error) {
	log := logging.WithRequestID(logging.CategoryCapture, string(id))
	timer := logging.StartTimer(logging.CategoryCapture, "capture escalation")
	defer timer.StopWithThreshold(time.Second)

	check := func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.active(id) {
			return ErrSuperseded
		}
		return nil
	}

	// Step 1: fast capture under a short budget.
	if err := check(); err != nil {
		return types.ContextSnapshot{}, err
	}
	snap, err := p.provider.CaptureContext(ctx, types.CaptureFastFirst, p.budgets.Fast)
	if err != nil {
		log.Debug("fast capture errored: %v", err)
	}
	if !snap.HasUsableSelection() {
		// Step 2: full capture, no pipeline budget.
		if err := check(); err != nil {
			return types.ContextSnapshot{}, err
		}
		log.Debug("fast capture empty, escalating to full")
		snap, err = p.provider.CaptureContext(ctx, types.CaptureFull, 0)
		if err != nil {
			log.Debug("full capture errored: %v", err)
		}
	}
	if !snap.HasUsableSelection() {
		// Step 3: brief settle wait, then one full retry. Some hosts fill
		// the selection a beat after the trigger.
		select {
		case <-time.After(p.budgets.Settle):
		case <-ctx.Done():
			return types.ContextSnapshot{}, ctx.Err()
		}
		if err := check(); err != nil {
			return types.ContextSnapshot{}, err
		}
		log.Debug("selection still empty after settle, retrying full capture")
		snap, err = p.provider.CaptureContext(ctx, types.CaptureFull, 0)
		if err != nil {
			log.Debug("settled full capture errored: %v", err)
		}
	}
	if !snap.HasUsableSelection() {
		log.Info("capture escalation exhausted with no usable selection")
		return types.ContextSnapshot{}, ErrNoSelection
	}

	// Step 4: a usable selection without contextual signal gets one more
	// moderately budgeted attempt. The upgrade is accepted only when it
	// keeps a usable selection and actually adds signal.
	if !snap.HasSignal() {
		if err := check(); err != nil {
			return types.ContextSnapshot{}, err
		}
		log.Debug("selection usable but without signal, attempting contextual upgrade")
		upgraded, err := p.provider.CaptureContext(ctx, types.CaptureFull, p.budgets.Contextual)
		if err == nil && upgraded.HasUsableSelection() && upgraded.HasSignal() {
			snap = snap.Merge(upgraded)
		}
	}

	log.Info("capture accepted selection_len=%d signal=%v partial=%v",
		len(types.CleanSelection(snap.SelectedText)), snap.HasSignal(), snap.Partial)
	return snap, nil
}

// Enrich runs one background full capture for a snapshot accepted as
// partial and hands the merged result to apply when the new selection is a
// likely match for the original. apply runs only while id is still active;
// the caller does its own final identity and partial-flag validation.
func (p *Pipeline) Enrich(ctx context.Context, id types.RequestIdentity, accepted types.ContextSnapshot, apply func(types.ContextSnapshot)) {
	log := logging.WithRequestID(logging.CategoryCapture, string(id))
	if !accepted.Partial {
		return
	}
	full, err := p.provider.CaptureContext(ctx, types.CaptureFull, 0)
	if err != nil {
		log.Debug("enrichment capture errored: %v", err)
		return
	}
	if !full.HasUsableSelection() {
		return
	}
	if !LikelyMatch(accepted.SelectedText, full.SelectedText) {
		log.Debug("enrichment selection does not match original, discarding")
		return
	}
	if ctx.Err() != nil || !p.active(id) {
		return
	}
	merged := accepted.Merge(full)
	log.Info("enrichment merged snapshot signal=%v partial=%v", merged.HasSignal(), merged.Partial)
	apply(merged)
}

// LikelyMatch reports whether two selections plausibly refer to the same
// text: case- and whitespace-insensitive equality, or containment in
// either direction.
func LikelyMatch(a, b string) bool {
	na := normalizeForMatch(a)
	nb := normalizeForMatch(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb || strings.Contains(na, nb) || strings.Contains(nb, na)
}

func normalizeForMatch(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(types.CleanSelection(s)), " "))
}
