// Package session owns the overlay session lifecycle: request identity,
// phase transitions, cancellation, and the sequencing of capture,
// generation, quality gating and repair. It is the single writer of
// session state; every asynchronous continuation re-validates its request
// identity before touching anything.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"glimpse/internal/capture"
	"glimpse/internal/diag"
	"glimpse/internal/gate"
	"glimpse/internal/history"
	"glimpse/internal/logging"
	"glimpse/internal/prompt"
	"glimpse/internal/repair"
	"glimpse/internal/stream"
	"glimpse/internal/types"
)

// Config carries the orchestrator's timing knobs.
type Config struct {
	// AutoDismissDelay is how long a no-selection error stays visible.
	AutoDismissDelay time.Duration
	// FirstTokenBudget and TotalBudget feed the diagnostics budgets-met flag.
	FirstTokenBudget time.Duration
	TotalBudget      time.Duration
	// MaxOutputTokens caps the primary generation. 0 means provider default.
	MaxOutputTokens int
}

// DefaultConfig returns the standard timing knobs.
func DefaultConfig() Config {
	return Config{
		AutoDismissDelay: 2500 * time.Millisecond,
		FirstTokenBudget: 3500 * time.Millisecond,
		TotalBudget:      12 * time.Second,
	}
}

// OverlaySession is the mutable session record. The orchestrator replaces
// it wholesale whenever a new request begins; outside the package it is
// only ever seen as a value copy.
type OverlaySession struct {
	ID             types.RequestIdentity
	Phase          types.SessionPhase
	Context        types.ContextSnapshot
	Text           string
	ErrorText      string
	Classification types.Classification
	Metrics        types.RequestMetrics
	IncompleteHint bool
	Depth          int
	CreatedAt      time.Time
}

// Snapshot is what observers get: the session plus the chat view when one
// is active.
type Snapshot struct {
	Session OverlaySession
	Chat    *ChatView
}

// NotifyFunc receives a snapshot after every state change. It is called
// outside the orchestrator lock and must not call back into the
// orchestrator synchronously with blocking work.
type NotifyFunc func(Snapshot)

// Orchestrator is the single authority for starting, advancing,
// cancelling and finishing sessions.
type Orchestrator struct {
	provider types.ContextProvider
	client   types.GenerationClient
	panel    types.Panel
	settings types.Settings
	clip     types.ClipboardWriter
	prompts  *prompt.Builder
	pipeline *capture.Pipeline
	repairer *repair.Resolver
	history  *history.Buffer
	diags    *diag.Recorder
	cfg      Config
	notify   NotifyFunc

	mu       sync.Mutex
	session  OverlaySession
	activeID types.RequestIdentity

	cancelCapture    context.CancelFunc
	cancelGeneration context.CancelFunc
	cancelEnrich     context.CancelFunc

	// enriched caches the background-enriched snapshot for deepen.
	enriched   *types.ContextSnapshot
	enrichedID types.RequestIdentity

	// lastSnapshot backs retry-without-recapture.
	lastSnapshot *types.ContextSnapshot

	chat       *chatSession
	cancelChat context.CancelFunc
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Provider  types.ContextProvider
	Client    types.GenerationClient
	Panel     types.Panel
	Settings  types.Settings
	Clipboard types.ClipboardWriter
	Budgets   capture.Budgets
	Notify    NotifyFunc
}

// New wires an orchestrator. Panel, Clipboard and Notify may be nil.
func New(deps Deps, cfg Config) *Orchestrator {
	o := &Orchestrator{
		provider: deps.Provider,
		client:   deps.Client,
		panel:    deps.Panel,
		settings: deps.Settings,
		clip:     deps.Clipboard,
		prompts:  prompt.NewBuilder(),
		history:  history.NewBuffer(),
		diags:    diag.NewRecorder(),
		cfg:      cfg,
		notify:   deps.Notify,
		session:  OverlaySession{Phase: types.PhaseEmpty},
	}
	if o.notify == nil {
		o.notify = func(Snapshot) {}
	}
	o.pipeline = capture.NewPipeline(deps.Provider, deps.Budgets, o.isActive)
	o.repairer = repair.NewResolver(deps.Client, o.prompts)
	return o
}

// SetRepairTimeout overrides the repair hard timeout.
func (o *Orchestrator) SetRepairTimeout(d time.Duration) { o.repairer.SetTimeout(d) }

// History exposes the explanation buffer (read-mostly; deepen and tests).
func (o *Orchestrator) History() *history.Buffer { return o.history }

// Diagnostics exposes the terminal-outcome recorder.
func (o *Orchestrator) Diagnostics() *diag.Recorder { return o.diags }

// Snapshot returns a copy of the current session state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{Session: o.session}
	if o.chat != nil {
		v := o.chat.view()
		s.Chat = &v
	}
	return s
}

func (o *Orchestrator) publish() {
	o.mu.Lock()
	s := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(s)
}

// isActive reports whether id is still the orchestrator's current
// identity. This is the staleness check every continuation runs.
func (o *Orchestrator) isActive(id types.RequestIdentity) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return id == o.activeID
}

// =============================================================================
// TRIGGERING
// =============================================================================

// Trigger starts a new explanation request. While a loading phase is
// active the call is a no-op so an in-flight generation cannot be
// clobbered by an accidental re-trigger.
func (o *Orchestrator) Trigger() {
	o.mu.Lock()
	if o.session.Phase.IsLoading() {
		o.mu.Unlock()
		logging.Get(logging.CategorySession).Debug("trigger ignored: session already loading")
		return
	}
	id, ctx := o.beginRequestLocked()
	o.mu.Unlock()

	o.publish()
	if o.panel != nil {
		o.panel.Show(nil)
	}
	go o.runExplain(ctx, id, nil)
}

// Retry re-enters streaming, reusing the last known snapshot when one
// exists so no re-capture happens.
func (o *Orchestrator) Retry() {
	o.mu.Lock()
	if o.session.Phase.IsLoading() {
		o.mu.Unlock()
		return
	}
	reuse := o.lastSnapshot
	if reuse == nil {
		o.mu.Unlock()
		o.Trigger()
		return
	}
	snap := *reuse
	id, ctx := o.beginRequestLocked()
	o.session.Context = snap
	o.mu.Unlock()

	o.publish()
	go o.runExplain(ctx, id, &snap)
}

// Deepen re-enters streaming seeded by the most recent explanation. Valid
// only from the result phase.
func (o *Orchestrator) Deepen() {
	o.mu.Lock()
	if o.session.Phase != types.PhaseResult {
		o.mu.Unlock()
		return
	}
	prev, ok := o.history.Latest()
	if !ok {
		o.mu.Unlock()
		return
	}
	snap := prev.Context
	if o.enriched != nil && o.enrichedID == o.session.ID {
		snap = snap.Merge(*o.enriched)
	}
	id, _ := o.beginRequestLocked()
	o.session.Context = snap
	o.session.Depth = prev.Depth + 1
	o.mu.Unlock()

	o.publish()
	go o.runDeepen(id, prev, snap)
}

// beginRequestLocked cancels all previously scheduled sub-tasks, mints a
// fresh identity, and resets the session to loading_pretoken. Caller holds
// the lock.
func (o *Orchestrator) beginRequestLocked() (types.RequestIdentity, context.Context) {
	o.cancelAllLocked()
	o.teardownChatLocked()

	id := types.NewRequestIdentity()
	o.activeID = id
	o.session = OverlaySession{
		ID:        id,
		Phase:     types.PhaseLoadingPretoken,
		CreatedAt: time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancelCapture = cancel
	logging.WithRequestID(logging.CategorySession, string(id)).Info("request started")
	return id, ctx
}

func (o *Orchestrator) cancelAllLocked() {
	for _, cancel := range []*context.CancelFunc{
		&o.cancelCapture, &o.cancelGeneration, &o.cancelEnrich, &o.cancelChat,
	} {
		if *cancel != nil {
			(*cancel)()
			*cancel = nil
		}
	}
}

// =============================================================================
// THE EXPLAIN FLOW
// =============================================================================

func (o *Orchestrator) runExplain(ctx context.Context, id types.RequestIdentity, reuse *types.ContextSnapshot) {
	started := time.Now()
	log := logging.WithRequestID(logging.CategorySession, string(id))
	var metrics types.RequestMetrics

	var snap types.ContextSnapshot
	if reuse != nil {
		snap = *reuse
		log.Debug("reusing captured snapshot for retry")
	} else {
		captureStart := time.Now()
		resolved, err := o.pipeline.Resolve(ctx, id)
		metrics.CaptureLatency = time.Since(captureStart)
		if err != nil {
			if errors.Is(err, capture.ErrSuperseded) || errors.Is(err, context.Canceled) {
				return // Superseded work exits silently.
			}
			o.failRequest(id, &NoSelectionError{}, metrics, "")
			return
		}
		snap = resolved

		o.mu.Lock()
		if id != o.activeID {
			o.mu.Unlock()
			return
		}
		o.session.Context = snap
		copySnap := snap
		o.lastSnapshot = &copySnap
		var enrichCtx context.Context
		if snap.Partial {
			enrichCtx, o.cancelEnrich = context.WithCancel(context.Background())
		}
		o.mu.Unlock()
		o.publish()

		if enrichCtx != nil {
			go o.pipeline.Enrich(enrichCtx, id, snap, func(merged types.ContextSnapshot) {
				o.applyEnriched(id, merged)
			})
		}
	}

	instructions, input := o.buildPrompt(&metrics, func() (string, string) {
		return o.prompts.Explain(snap)
	})
	o.startGeneration(id, started, snap, metrics, 0, instructions, input)
}

func (o *Orchestrator) runDeepen(id types.RequestIdentity, prev types.StreamingExplanation, snap types.ContextSnapshot) {
	started := time.Now()
	var metrics types.RequestMetrics
	depth := prev.Depth + 1
	instructions, input := o.buildPrompt(&metrics, func() (string, string) {
		return o.prompts.Deepen(prev, snap, depth)
	})
	o.startGeneration(id, started, snap, metrics, depth, instructions, input)
}

func (o *Orchestrator) buildPrompt(metrics *types.RequestMetrics, build func() (string, string)) (string, string) {
	buildStart := time.Now()
	instructions, input := build()
	metrics.PromptBuildLatency = time.Since(buildStart)
	return instructions, input
}

// startGeneration drives one generation stream to a terminal outcome,
// gates it, repairs at most once, and commits the result.
func (o *Orchestrator) startGeneration(id types.RequestIdentity, started time.Time, snap types.ContextSnapshot, metrics types.RequestMetrics, depth int, instructions, input string) {
	log := logging.WithRequestID(logging.CategorySession, string(id))

	if strings.TrimSpace(o.settings.APIKey()) == "" {
		o.failRequest(id, &ConfigError{Err: ErrNoAPIKey}, metrics, "")
		return
	}

	gctx, gcancel := context.WithCancel(context.Background())
	o.mu.Lock()
	if id != o.activeID {
		o.mu.Unlock()
		gcancel()
		return
	}
	o.cancelGeneration = gcancel
	o.mu.Unlock()

	metrics.TimeToRequestStart = time.Since(started)
	events, err := o.client.StartStream(gctx, types.StreamRequest{
		Instructions:    instructions,
		Input:           input,
		MaxOutputTokens: o.cfg.MaxOutputTokens,
	})
	if err != nil {
		o.failRequest(id, &StreamError{Message: err.Error()}, metrics, "")
		return
	}

	consumer := stream.NewConsumer(id, func(text string, cls types.Classification) {
		o.applyStreamText(id, text, cls)
	})
	outcome := consumer.Run(gctx, events)

	if outcome.FirstTokenAt {
		metrics.TimeToFirstToken = outcome.FirstToken.Sub(started)
		metrics.FirstTokenSeen = true
	}
	metrics.TotalLatency = time.Since(started)
	metrics.StreamedIncrementally = outcome.StreamedIncrementally()

	if gctx.Err() != nil {
		return // Cancelled by a newer request or an explicit cancel.
	}
	if outcome.Failed() {
		o.failRequest(id, &StreamError{Message: outcome.ErrorMessage}, metrics, outcome.StopReason)
		return
	}

	text := outcome.Text
	if types.CleanSelection(text) == "" {
		o.failRequest(id, &EmptyCompletionError{}, metrics, outcome.StopReason)
		return
	}

	reasons := gate.Evaluate(text)
	d := types.SessionDiagnostic{
		SessionID:     string(id),
		StopReason:    outcome.StopReason,
		GateEvaluated: true,
		GatePassed:    len(reasons) == 0,
	}
	logging.Get(logging.CategoryGate).Debug("gate verdict stop=%s reasons=%v", outcome.StopReason, reasons)

	incompleteHint := false
	if repair.ShouldRepair(outcome.StopReason, reasons) {
		d.RepairAttempted = true
		res := o.repairer.Repair(gctx, id, text, snap)
		text = res.Text
		incompleteHint = res.ShowRetryHint
		d.RepairSucceeded = res.Repaired && !res.StillIncomplete
		d.RepairTimedOut = res.TimedOut
	}

	o.commitResult(id, text, outcome.Classification, snap, metrics, depth, incompleteHint, d)
	log.Info("request finished phase=result depth=%d incomplete=%v total=%v", depth, incompleteHint, metrics.TotalLatency)
}

func (o *Orchestrator) commitResult(id types.RequestIdentity, text string, cls types.Classification, snap types.ContextSnapshot, metrics types.RequestMetrics, depth int, incompleteHint bool, d types.SessionDiagnostic) {
	o.mu.Lock()
	if id != o.activeID {
		o.mu.Unlock()
		return
	}
	o.session.Text = text
	o.session.Classification = cls
	o.session.Metrics = metrics
	o.session.IncompleteHint = incompleteHint
	o.session.Depth = depth
	o.session.Phase = types.PhaseResult
	o.mu.Unlock()
	o.publish()

	o.history.Push(types.StreamingExplanation{
		Text:           text,
		Classification: cls,
		Depth:          depth,
		Context:        snap,
	})

	d.Phase = types.PhaseResult
	d.Metrics = metrics
	d.BudgetsMet = o.budgetsMet(metrics)
	o.diags.Record(d)
}

func (o *Orchestrator) budgetsMet(m types.RequestMetrics) bool {
	if m.FirstTokenSeen && o.cfg.FirstTokenBudget > 0 && m.TimeToFirstToken > o.cfg.FirstTokenBudget {
		return false
	}
	return o.cfg.TotalBudget <= 0 || m.TotalLatency <= o.cfg.TotalBudget
}

// applyStreamText republishes accumulated display text. The first delta
// moves the session from loading_pretoken to loading_streaming.
func (o *Orchestrator) applyStreamText(id types.RequestIdentity, text string, cls types.Classification) {
	o.mu.Lock()
	if id != o.activeID {
		o.mu.Unlock()
		return
	}
	if o.session.Phase == types.PhaseLoadingPretoken {
		o.session.Phase = types.PhaseLoadingStreaming
	}
	o.session.Text = text
	o.session.Classification = cls
	o.mu.Unlock()
	o.publish()
}

// applyEnriched updates the live snapshot from a background enrichment.
// Applies only while the identity is unchanged and the session context is
// still marked partial; the enrichment cache feeds deepen either way.
func (o *Orchestrator) applyEnriched(id types.RequestIdentity, merged types.ContextSnapshot) {
	o.mu.Lock()
	o.enriched = &merged
	o.enrichedID = id
	updated := false
	if id == o.activeID && o.session.Context.Partial {
		o.session.Context = merged
		updated = true
	}
	o.mu.Unlock()
	if updated {
		o.publish()
	}
}

// failRequest resolves a request into the error phase and records the
// diagnostic. No-selection errors additionally schedule an auto-dismiss.
func (o *Orchestrator) failRequest(id types.RequestIdentity, reqErr error, metrics types.RequestMetrics, stop types.StopReason) {
	msg := userMessage(reqErr)
	o.mu.Lock()
	if id != o.activeID {
		o.mu.Unlock()
		return
	}
	o.session.ErrorText = msg
	o.session.Phase = types.PhaseError
	o.session.Metrics = metrics
	o.mu.Unlock()
	o.publish()

	logging.WithRequestID(logging.CategorySession, string(id)).Warn("request failed: %v", reqErr)
	o.diags.Record(types.SessionDiagnostic{
		SessionID:  string(id),
		Phase:      types.PhaseError,
		Metrics:    metrics,
		ErrorText:  reqErr.Error(),
		StopReason: stop,
		BudgetsMet: o.budgetsMet(metrics),
	})

	var noSel *NoSelectionError
	if errors.As(reqErr, &noSel) && o.cfg.AutoDismissDelay > 0 {
		time.AfterFunc(o.cfg.AutoDismissDelay, func() { o.autoDismiss(id) })
	}
}

// autoDismiss clears a no-selection error if nothing newer replaced it.
func (o *Orchestrator) autoDismiss(id types.RequestIdentity) {
	o.mu.Lock()
	if id != o.activeID || o.session.Phase != types.PhaseError {
		o.mu.Unlock()
		return
	}
	o.session.ErrorText = ""
	o.session.Phase = afterLoadingPhase("", o.session.Text, o.provider.PermissionGranted())
	o.mu.Unlock()
	o.publish()
	if o.panel != nil {
		o.panel.Hide()
	}
}

// =============================================================================
// CANCELLATION AND DISMISSAL
// =============================================================================

// CancelGeneration cancels only the active generation task; capture and
// enrichment keep running. The phase falls back to the computed
// after-loading phase.
func (o *Orchestrator) CancelGeneration() {
	o.mu.Lock()
	if o.cancelGeneration != nil {
		o.cancelGeneration()
		o.cancelGeneration = nil
	}
	o.session.Phase = afterLoadingPhase(o.session.ErrorText, o.session.Text, o.provider.PermissionGranted())
	o.mu.Unlock()
	o.publish()
}

// Dismiss cancels everything in flight, tears down chat, and resolves the
// phase. The panel is hidden.
func (o *Orchestrator) Dismiss() {
	o.mu.Lock()
	o.cancelAllLocked()
	o.teardownChatLocked()
	o.session.Phase = afterLoadingPhase(o.session.ErrorText, o.session.Text, o.provider.PermissionGranted())
	o.mu.Unlock()
	o.publish()
	if o.panel != nil {
		o.panel.Hide()
	}
}

// CopyResult copies the displayed answer to the clipboard.
func (o *Orchestrator) CopyResult() bool {
	o.mu.Lock()
	text := o.session.Text
	phase := o.session.Phase
	o.mu.Unlock()
	if o.clip == nil || phase != types.PhaseResult || strings.TrimSpace(text) == "" {
		return false
	}
	return o.clip.Write(text)
}
