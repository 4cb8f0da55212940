package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glimpse/internal/types"
)

// scriptedProvider replays a fixed sequence of snapshots, one per capture
// call, recording the policy and budget of each call.
type scriptedProvider struct {
	mu      sync.Mutex
	script  []types.ContextSnapshot
	calls   []types.CapturePolicy
	budgets []time.Duration
}

func (p *scriptedProvider) CaptureContext(_ context.Context, policy types.CapturePolicy, budget time.Duration) (types.ContextSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, policy)
	p.budgets = append(p.budgets, budget)
	if len(p.script) == 0 {
		return types.ContextSnapshot{}, nil
	}
	snap := p.script[0]
	p.script = p.script[1:]
	return snap, nil
}

func (p *scriptedProvider) PermissionGranted() bool { return true }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func fastBudgets() Budgets {
	return Budgets{Fast: 5 * time.Millisecond, Settle: 5 * time.Millisecond, Contextual: 10 * time.Millisecond}
}

func usable(text string) types.ContextSnapshot {
	return types.ContextSnapshot{SelectedText: text, NearbyText: "some context", Partial: false}
}

func TestResolve_FastCaptureAccepted(t *testing.T) {
	p := NewPipeline(&scriptedProvider{script: []types.ContextSnapshot{usable("watch")}}, fastBudgets(), nil)
	snap, err := p.Resolve(context.Background(), types.NewRequestIdentity())
	require.NoError(t, err)
	assert.Equal(t, "watch", snap.SelectedText)
}

func TestResolve_EscalatesToFullWhenFastEmpty(t *testing.T) {
	provider := &scriptedProvider{script: []types.ContextSnapshot{
		{}, // fast: nothing
		usable("watch"),
	}}
	p := NewPipeline(provider, fastBudgets(), nil)
	snap, err := p.Resolve(context.Background(), types.NewRequestIdentity())
	require.NoError(t, err)
	assert.Equal(t, "watch", snap.SelectedText)
	require.Equal(t, []types.CapturePolicy{types.CaptureFastFirst, types.CaptureFull}, provider.calls)
	assert.Positive(t, provider.budgets[0], "fast step carries a budget")
	assert.Zero(t, provider.budgets[1], "full step carries no pipeline budget")
}

func TestResolve_SettleRetryAfterSecondMiss(t *testing.T) {
	provider := &scriptedProvider{script: []types.ContextSnapshot{
		{}, {}, // fast and first full miss
		usable("late selection"),
	}}
	p := NewPipeline(provider, fastBudgets(), nil)
	snap, err := p.Resolve(context.Background(), types.NewRequestIdentity())
	require.NoError(t, err)
	assert.Equal(t, "late selection", snap.SelectedText)
	assert.Equal(t, 3, provider.callCount())
}

func TestResolve_ExhaustedReturnsNoSelection(t *testing.T) {
	provider := &scriptedProvider{script: []types.ContextSnapshot{
		{SelectedText: "\u200b \n"}, {}, {},
	}}
	p := NewPipeline(provider, fastBudgets(), nil)
	_, err := p.Resolve(context.Background(), types.NewRequestIdentity())
	assert.ErrorIs(t, err, ErrNoSelection)
	assert.Equal(t, 3, provider.callCount(), "exactly three attempts, no contextual step")
}

func TestResolve_ContextualUpgradeOnlyWhenSignalMissing(t *testing.T) {
	provider := &scriptedProvider{script: []types.ContextSnapshot{
		{SelectedText: "watch"}, // usable, no signal
		{SelectedText: "watch", NearbyText: "a watch is a timepiece"},
	}}
	p := NewPipeline(provider, fastBudgets(), nil)
	snap, err := p.Resolve(context.Background(), types.NewRequestIdentity())
	require.NoError(t, err)
	assert.True(t, snap.HasSignal())
	assert.Equal(t, 2, provider.callCount())
}

func TestResolve_ContextualUpgradeRejectedWhenNoSignalGained(t *testing.T) {
	provider := &scriptedProvider{script: []types.ContextSnapshot{
		{SelectedText: "watch"},
		{SelectedText: "watch"}, // upgrade attempt still has no signal
	}}
	p := NewPipeline(provider, fastBudgets(), nil)
	snap, err := p.Resolve(context.Background(), types.NewRequestIdentity())
	require.NoError(t, err)
	assert.Equal(t, "watch", snap.SelectedText)
	assert.False(t, snap.HasSignal())
}

func TestResolve_SupersededAbortsSilently(t *testing.T) {
	provider := &scriptedProvider{script: []types.ContextSnapshot{{}, usable("watch")}}
	var calls int
	active := func(types.RequestIdentity) bool {
		calls++
		return calls == 1 // Live for step 1, superseded at step 2.
	}
	p := NewPipeline(provider, fastBudgets(), active)
	_, err := p.Resolve(context.Background(), types.NewRequestIdentity())
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Equal(t, 1, provider.callCount(), "no further captures after supersession")
}

func TestResolve_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPipeline(&scriptedProvider{}, fastBudgets(), nil)
	_, err := p.Resolve(ctx, types.NewRequestIdentity())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnrich_MergesLikelyMatch(t *testing.T) {
	provider := &scriptedProvider{script: []types.ContextSnapshot{
		{SelectedText: "the watch", NearbyText: "a watch is a portable timepiece", Partial: false},
	}}
	p := NewPipeline(provider, fastBudgets(), nil)

	accepted := types.ContextSnapshot{SelectedText: "Watch", Partial: true}
	var got *types.ContextSnapshot
	p.Enrich(context.Background(), types.NewRequestIdentity(), accepted, func(s types.ContextSnapshot) {
		got = &s
	})

	require.NotNil(t, got, "enrichment should apply")
	assert.True(t, got.HasSignal())
	assert.False(t, got.Partial, "partial flag is ANDed away by the non-partial enrichment")
}

func TestEnrich_SkipsNonPartial(t *testing.T) {
	provider := &scriptedProvider{}
	p := NewPipeline(provider, fastBudgets(), nil)
	p.Enrich(context.Background(), types.NewRequestIdentity(), usable("watch"), func(types.ContextSnapshot) {
		t.Fatal("apply must not run for a non-partial snapshot")
	})
	assert.Zero(t, provider.callCount())
}

func TestEnrich_DiscardsMismatch(t *testing.T) {
	provider := &scriptedProvider{script: []types.ContextSnapshot{
		{SelectedText: "completely different text", NearbyText: "ctx"},
	}}
	p := NewPipeline(provider, fastBudgets(), nil)
	p.Enrich(context.Background(), types.NewRequestIdentity(),
		types.ContextSnapshot{SelectedText: "watch", Partial: true},
		func(types.ContextSnapshot) { t.Fatal("mismatched enrichment must be discarded") })
}

func TestLikelyMatch(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"watch", "watch", true},
		{"Watch", "watch", true},
		{"a  watch\nband", "a watch band", true},
		{"watch", "the watch was invented", true},
		{"the watch was invented", "watch", true},
		{"watch", "clock", false},
		{"", "watch", false},
		{"watch", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LikelyMatch(tt.a, tt.b), "LikelyMatch(%q, %q)", tt.a, tt.b)
	}
}
