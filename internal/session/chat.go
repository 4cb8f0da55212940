package session

import (
	"context"
	"strings"
	"time"

	"glimpse/internal/logging"
	"glimpse/internal/types"
)

// chatMaxOutputTokens caps one chat turn. Chat answers run longer than
// overlay explanations, so the cap is looser.
const chatMaxOutputTokens = 1024

// ChatView is the read-only projection of an active chat handed to
// observers. Messages excludes the system seed.
type ChatView struct {
	Messages  []types.Message
	Streaming bool
	Pending   string
}

// chatSession holds the follow-up conversation state. It is guarded by
// the owning orchestrator's lock.
type chatSession struct {
	messages  []types.Message
	streaming bool
	pending   string
}

func newChatSession(seed []types.Message) *chatSession {
	return &chatSession{messages: seed}
}

func (c *chatSession) view() ChatView {
	visible := make([]types.Message, 0, len(c.messages))
	for _, m := range c.messages {
		if m.Role == types.RoleSystem {
			continue
		}
		visible = append(visible, m)
	}
	return ChatView{Messages: visible, Streaming: c.streaming, Pending: c.pending}
}

// =============================================================================
// ORCHESTRATOR CHAT SURFACE
// =============================================================================

// EnterChat moves a finished session into follow-up chat, seeded from the
// most recent explanation. Valid only from the result phase.
func (o *Orchestrator) EnterChat() {
	o.mu.Lock()
	if o.session.Phase != types.PhaseResult || o.chat != nil {
		o.mu.Unlock()
		return
	}
	prev, ok := o.history.Latest()
	if !ok {
		o.mu.Unlock()
		return
	}
	o.chat = newChatSession(o.prompts.ChatSeed(prev))
	o.session.Phase = types.PhaseChat
	o.mu.Unlock()
	o.publish()
	if o.panel != nil {
		o.panel.ActivateForChat()
	}
	logging.Get(logging.CategoryChat).Info("chat entered")
}

// ExitChat abandons the conversation and returns to the result view. Any
// in-flight chat turn is cancelled.
func (o *Orchestrator) ExitChat() {
	o.mu.Lock()
	if o.chat == nil {
		o.mu.Unlock()
		return
	}
	lines := o.teardownChatLocked()
	o.session.Phase = types.PhaseResult
	o.mu.Unlock()
	o.publish()
	if o.panel != nil {
		o.panel.DeactivateFromChat(lines)
	}
}

// teardownChatLocked cancels and discards any chat state. Caller holds
// the lock. Returns the displayed-text line count for panel resizing.
func (o *Orchestrator) teardownChatLocked() int {
	if o.cancelChat != nil {
		o.cancelChat()
		o.cancelChat = nil
	}
	o.chat = nil
	return strings.Count(o.session.Text, "\n") + 1
}

// SendChatMessage appends a user turn and streams the assistant reply.
// One turn at a time: a send while a reply is streaming is dropped.
func (o *Orchestrator) SendChatMessage(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	o.mu.Lock()
	if o.chat == nil || o.chat.streaming {
		o.mu.Unlock()
		return
	}
	o.chat.messages = append(o.chat.messages, types.Message{Role: types.RoleUser, Content: text})
	o.chat.streaming = true
	o.chat.pending = ""
	transcript := make([]types.Message, len(o.chat.messages))
	copy(transcript, o.chat.messages)
	ctx, cancel := context.WithCancel(context.Background())
	o.cancelChat = cancel
	o.mu.Unlock()
	o.publish()

	go o.runChatTurn(ctx, transcript)
}

func (o *Orchestrator) runChatTurn(ctx context.Context, transcript []types.Message) {
	log := logging.Get(logging.CategoryChat)
	started := time.Now()

	events, err := o.client.StartChatStream(ctx, transcript, chatMaxOutputTokens)
	if err != nil {
		o.finishChatTurn(ctx, "", "Chat request failed: "+err.Error())
		return
	}

	var sb strings.Builder
	for ev := range events {
		switch ev.Kind {
		case types.EventDelta:
			sb.WriteString(ev.Text)
			o.mu.Lock()
			if o.chat != nil && ctx.Err() == nil {
				o.chat.pending = sb.String()
			}
			o.mu.Unlock()
			o.publish()
		case types.EventDone:
			o.finishChatTurn(ctx, sb.String(), "")
			log.Debug("chat turn finished in %v", time.Since(started))
			return
		case types.EventError:
			o.finishChatTurn(ctx, sb.String(), ev.Err)
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
	// Channel closed without a terminal: keep whatever streamed.
	o.finishChatTurn(ctx, sb.String(), "")
}

// finishChatTurn commits one assistant reply (or an error line) to the
// transcript and clears the streaming flag. A cancelled turn commits
// nothing: the user may already be in a fresh chat by the time the old
// stream winds down.
func (o *Orchestrator) finishChatTurn(ctx context.Context, reply, errText string) {
	o.mu.Lock()
	if o.chat == nil || ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	o.chat.streaming = false
	o.chat.pending = ""
	switch {
	case errText != "":
		content := reply
		if content != "" {
			content += "\n\n"
		}
		content += "(" + userMessage(&StreamError{Message: errText}) + ")"
		o.chat.messages = append(o.chat.messages, types.Message{Role: types.RoleAssistant, Content: content})
	case strings.TrimSpace(reply) != "":
		o.chat.messages = append(o.chat.messages, types.Message{Role: types.RoleAssistant, Content: reply})
	}
	o.mu.Unlock()
	o.publish()
}
