package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glimpse/internal/types"
)

// resultHarness runs one explanation to the result phase so chat can start.
func resultHarness(t *testing.T, client *fakeClient) *harness {
	t.Helper()
	client.mu.Lock()
	client.scripts = append([][]types.StreamEvent{
		{delta("[MODE: Learn]\nPhotosynthesis turns light into sugar."), done(types.StopNatural)},
	}, client.scripts...)
	client.mu.Unlock()

	h := newHarness([]types.ContextSnapshot{usableSnap("photosynthesis")}, client, quietConfig())
	h.o.Trigger()
	h.waitForPhase(t, types.PhaseResult)
	return h
}

func TestChat_RoundTrip(t *testing.T) {
	client := &fakeClient{chatScripts: [][]types.StreamEvent{{
		delta("Because chlorophyll absorbs "),
		delta("red and blue light."),
		done(types.StopNatural),
	}}}
	h := resultHarness(t, client)

	h.o.EnterChat()
	got := h.waitForPhase(t, types.PhaseChat)
	require.NotNil(t, got.Chat)
	// The seed explanation shows as the opening assistant message.
	require.Len(t, got.Chat.Messages, 1)
	assert.Equal(t, types.RoleAssistant, got.Chat.Messages[0].Role)

	h.o.SendChatMessage("why those colors?")
	got = h.waitFor(t, func(s Snapshot) bool {
		return s.Chat != nil && len(s.Chat.Messages) == 3 && !s.Chat.Streaming
	})
	assert.Equal(t, types.RoleUser, got.Chat.Messages[1].Role)
	assert.Equal(t, "why those colors?", got.Chat.Messages[1].Content)
	assert.Equal(t, "Because chlorophyll absorbs red and blue light.", got.Chat.Messages[2].Content)

	h.o.ExitChat()
	got = h.waitForPhase(t, types.PhaseResult)
	assert.Nil(t, got.Chat)
	assert.Equal(t, "Photosynthesis turns light into sugar.", got.Session.Text)

	h.panel.mu.Lock()
	defer h.panel.mu.Unlock()
	assert.Equal(t, 1, h.panel.chatActivates)
	assert.Equal(t, 1, h.panel.chatDeactivate)
}

func TestChat_EnterRequiresResultPhase(t *testing.T) {
	h := newHarness(nil, &fakeClient{}, quietConfig())
	h.o.EnterChat()
	assert.Equal(t, types.PhaseEmpty, h.o.Snapshot().Session.Phase)
	assert.Nil(t, h.o.Snapshot().Chat)
}

func TestChat_SendWhileStreamingIsDropped(t *testing.T) {
	hold := make(chan struct{})
	client := &fakeClient{
		chatHold: hold,
		chatScripts: [][]types.StreamEvent{{
			delta("First reply."), done(types.StopNatural),
		}},
	}
	h := resultHarness(t, client)

	h.o.EnterChat()
	h.waitForPhase(t, types.PhaseChat)
	h.o.SendChatMessage("first")
	h.waitFor(t, func(s Snapshot) bool { return s.Chat != nil && s.Chat.Streaming })
	h.waitChatCalls(t, 1)

	h.o.SendChatMessage("second") // Dropped: one turn at a time.
	assert.Equal(t, int32(1), client.chatCalls.Load())

	close(hold)
	got := h.waitFor(t, func(s Snapshot) bool {
		return s.Chat != nil && !s.Chat.Streaming && len(s.Chat.Messages) == 3
	})
	assert.Equal(t, "first", got.Chat.Messages[1].Content)
	assert.Equal(t, int32(1), client.chatCalls.Load())
}

func TestChat_ProviderErrorLandsInTranscript(t *testing.T) {
	client := &fakeClient{chatScripts: [][]types.StreamEvent{{
		{Kind: types.EventError, Err: "upstream 503"},
	}}}
	h := resultHarness(t, client)

	h.o.EnterChat()
	h.waitForPhase(t, types.PhaseChat)
	h.o.SendChatMessage("hello?")
	got := h.waitFor(t, func(s Snapshot) bool {
		return s.Chat != nil && !s.Chat.Streaming && len(s.Chat.Messages) == 3
	})
	assert.Contains(t, got.Chat.Messages[2].Content, "Something went wrong")
}

func TestChat_TriggerTearsDownChat(t *testing.T) {
	client := &fakeClient{scripts: [][]types.StreamEvent{
		{delta("[MODE: Learn]\nPhotosynthesis turns light into sugar."), done(types.StopNatural)},
		{delta("A fresh answer entirely."), done(types.StopNatural)},
	}}
	h := newHarness([]types.ContextSnapshot{
		usableSnap("photosynthesis"),
		usableSnap("stomata"),
	}, client, quietConfig())
	h.o.Trigger()
	h.waitForPhase(t, types.PhaseResult)

	h.o.EnterChat()
	h.waitForPhase(t, types.PhaseChat)

	h.o.Trigger()
	got := h.waitFor(t, func(s Snapshot) bool {
		return s.Session.Phase == types.PhaseResult && s.Session.Text == "A fresh answer entirely."
	})
	assert.Nil(t, got.Chat)
}

func TestChat_CancelledTurnDoesNotLeakIntoNextChat(t *testing.T) {
	trail := make(chan struct{})
	client := &fakeClient{
		chatTrail: trail,
		chatScripts: [][]types.StreamEvent{
			{delta("half an answer that never")},
			{delta("Stomata regulate gas exchange."), done(types.StopNatural)},
		},
	}
	h := resultHarness(t, client)

	h.o.EnterChat()
	h.waitForPhase(t, types.PhaseChat)
	h.o.SendChatMessage("first question")
	h.waitFor(t, func(s Snapshot) bool {
		return s.Chat != nil && s.Chat.Pending == "half an answer that never"
	})

	// Abandon the turn mid-stream, then start a fresh chat before the old
	// stream's channel closes.
	h.o.ExitChat()
	h.waitForPhase(t, types.PhaseResult)
	h.o.EnterChat()
	h.waitForPhase(t, types.PhaseChat)
	close(trail)

	h.o.SendChatMessage("second question")
	got := h.waitFor(t, func(s Snapshot) bool {
		if s.Chat == nil || s.Chat.Streaming {
			return false
		}
		for _, m := range s.Chat.Messages {
			if m.Content == "Stomata regulate gas exchange." {
				return true
			}
		}
		return false
	})
	require.Len(t, got.Chat.Messages, 3)
	for _, m := range got.Chat.Messages {
		assert.NotContains(t, m.Content, "half an answer")
	}
	assert.Empty(t, got.Chat.Pending)
}

func TestChat_StreamingDeltasSurfaceAsPending(t *testing.T) {
	hold := make(chan struct{})
	client := &fakeClient{
		chatHold: hold,
		chatScripts: [][]types.StreamEvent{{
			delta("Partial "), delta("reply."), done(types.StopNatural),
		}},
	}
	h := resultHarness(t, client)

	h.o.EnterChat()
	h.waitForPhase(t, types.PhaseChat)
	h.o.SendChatMessage("go")
	close(hold)

	h.waitFor(t, func(s Snapshot) bool {
		return s.Chat != nil && s.Chat.Pending != ""
	})
	got := h.waitFor(t, func(s Snapshot) bool {
		return s.Chat != nil && !s.Chat.Streaming && len(s.Chat.Messages) == 3
	})
	assert.Equal(t, "Partial reply.", got.Chat.Messages[2].Content)
	assert.Empty(t, got.Chat.Pending)
}
