package repair

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glimpse/internal/gate"
	"glimpse/internal/prompt"
	"glimpse/internal/types"
)

// scriptedClient returns a fixed event sequence per StartStream call.
type scriptedClient struct {
	calls  int32
	events []types.StreamEvent
	delay  time.Duration
}

func (c *scriptedClient) StartStream(ctx context.Context, _ types.StreamRequest) (<-chan types.StreamEvent, error) {
	atomic.AddInt32(&c.calls, 1)
	ch := make(chan types.StreamEvent, len(c.events)+1)
	go func() {
		defer close(ch)
		if c.delay > 0 {
			select {
			case <-time.After(c.delay):
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range c.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *scriptedClient) StartChatStream(context.Context, []types.Message, int) (<-chan types.StreamEvent, error) {
	panic("not used")
}

func continuationEvents(text string) []types.StreamEvent {
	return []types.StreamEvent{
		{Kind: types.EventDelta, Text: text},
		{Kind: types.EventDone, StopReason: types.StopNatural},
	}
}

func TestShouldRepair(t *testing.T) {
	dangling := []gate.Reason{gate.ReasonDanglingSuffix}
	punct := []gate.Reason{gate.ReasonMissingTerminalPunctuation}
	empty := []gate.Reason{gate.ReasonEmpty}

	tests := []struct {
		name    string
		stop    types.StopReason
		reasons []gate.Reason
		want    bool
	}{
		{"clean stop, complete", types.StopNatural, nil, false},
		{"length with any failure", types.StopLength, punct, true},
		{"unknown with any failure", types.StopUnknown, punct, true},
		{"fallback with any failure", types.StopFallback, dangling, true},
		{"trusted stop, dangling suffix", types.StopNatural, dangling, true},
		{"trusted stop, unmatched delimiter", types.StopDoneMarker, []gate.Reason{gate.ReasonUnmatchedDelimiter}, true},
		{"trusted stop, unmatched quote", types.StopNatural, []gate.Reason{gate.ReasonUnmatchedQuote}, true},
		{"trusted stop, punctuation only", types.StopNatural, punct, false},
		{"empty never repairs", types.StopLength, empty, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRepair(tt.stop, tt.reasons))
		})
	}
}

func TestRepair_ConcatWithoutOverlap(t *testing.T) {
	client := &scriptedClient{events: continuationEvents("an incomplete piece of text.")}
	r := NewResolver(client, prompt.NewBuilder())

	res := r.Repair(context.Background(), types.NewRequestIdentity(),
		"In this context, fragment refers to a", types.ContextSnapshot{})

	require.True(t, res.Repaired)
	assert.Equal(t, "In this context, fragment refers to a an incomplete piece of text.", res.Text)
	assert.False(t, res.TimedOut)
	assert.False(t, res.StillIncomplete)
	assert.EqualValues(t, 1, atomic.LoadInt32(&client.calls))
}

func TestRepair_SplicesAtOverlap(t *testing.T) {
	// The continuation restates the trailing words before continuing; the
	// overlap must not be duplicated.
	client := &scriptedClient{events: continuationEvents("refers to a broken sentence that now ends.")}
	r := NewResolver(client, prompt.NewBuilder())

	res := r.Repair(context.Background(), types.NewRequestIdentity(),
		"In this context, fragment refers to a", types.ContextSnapshot{})

	require.True(t, res.Repaired)
	assert.Equal(t, "In this context, fragment refers to a broken sentence that now ends.", res.Text)
}

func TestRepair_ContinuationContainsOriginal(t *testing.T) {
	full := "Short answer. Now it is actually finished."
	client := &scriptedClient{events: continuationEvents(full)}
	r := NewResolver(client, prompt.NewBuilder())

	res := r.Repair(context.Background(), types.NewRequestIdentity(), "Short answer.", types.ContextSnapshot{})
	require.True(t, res.Repaired)
	assert.Equal(t, full, res.Text)
}

func TestRepair_TimeoutKeepsOriginal(t *testing.T) {
	client := &scriptedClient{
		events: continuationEvents("too late."),
		delay:  200 * time.Millisecond,
	}
	r := NewResolver(client, prompt.NewBuilder())
	r.SetTimeout(30 * time.Millisecond)

	original := "In this context, fragment refers to a"
	res := r.Repair(context.Background(), types.NewRequestIdentity(), original, types.ContextSnapshot{})

	assert.True(t, res.TimedOut)
	assert.False(t, res.Repaired)
	assert.Equal(t, original, res.Text, "pre-repair text must remain")
	assert.True(t, res.ShowRetryHint)
	assert.EqualValues(t, 1, atomic.LoadInt32(&client.calls), "exactly one repair call")
}

func TestRepair_ProviderErrorKeepsOriginal(t *testing.T) {
	client := &scriptedClient{events: []types.StreamEvent{{Kind: types.EventError, Err: "boom"}}}
	r := NewResolver(client, prompt.NewBuilder())

	original := "ends with the"
	res := r.Repair(context.Background(), types.NewRequestIdentity(), original, types.ContextSnapshot{})
	assert.False(t, res.Repaired)
	assert.Equal(t, original, res.Text)
	assert.True(t, res.ShowRetryHint)
}

func TestRepair_StillIncompleteAfterMerge(t *testing.T) {
	// Continuation itself dangles, so the merged text still fails the gate.
	client := &scriptedClient{events: continuationEvents("an explanation of the")}
	r := NewResolver(client, prompt.NewBuilder())

	res := r.Repair(context.Background(), types.NewRequestIdentity(),
		"In this context, fragment refers to a", types.ContextSnapshot{})
	require.True(t, res.Repaired)
	assert.True(t, res.StillIncomplete)
	assert.True(t, res.ShowRetryHint)
}

func TestTailOf(t *testing.T) {
	assert.Equal(t, "short text", tailOf("short text", 100))

	long := "alpha beta gamma delta epsilon"
	got := tailOf(long, 12)
	assert.LessOrEqual(t, len(got), 12)
	// Never cut mid-word: the result starts at a word boundary.
	assert.Contains(t, []string{"delta epsilon", "epsilon"}, got)
}

func TestMergeContinuation(t *testing.T) {
	tests := []struct {
		name, original, continuation, want string
	}{
		{"no overlap", "refers to a", "new ending.", "refers to a new ending."},
		{"overlap of four plus", "ends with word", "with word and more.", "ends with word and more."},
		{"short overlap ignored", "ab", "b cd", "ab b cd"},
		{"contains original", "half", "half and the rest.", "half and the rest."},
		{"empty continuation", "original", "   ", "original"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeContinuation(tt.original, tt.continuation))
		})
	}
}
