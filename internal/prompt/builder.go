// Package prompt assembles the instruction and input text for every
// generation call: first explanations, deepen continuations, chat seeding,
// and the repair continuation instruction.
package prompt

import (
	"fmt"
	"strings"

	"glimpse/internal/types"
)

const systemInstructions = `You are Glimpse, a desktop explanation assistant. The user selected text on their screen and wants it explained.

Start your reply with exactly one mode token on the first line:
[MODE: Learn] for a plain explanation of the selection,
[MODE: Context] when the surrounding text changes what the selection means,
[MODE: Conversation] when the selection is a message the user likely wants help replying to.

After the token, answer in 2-4 short sentences of plain language. No preamble, no headings. Finish every sentence.`

const deepenInstructions = `You are Glimpse, a desktop explanation assistant. You already explained a selection once; the user asked to go deeper.

Do not repeat the earlier explanation. Add the next layer of detail: mechanism, history, edge cases, or a concrete example. Keep it under six sentences and finish every sentence. Do not emit a mode token.`

// Builder assembles prompts. It is stateless; a single instance is shared.
type Builder struct{}

// NewBuilder returns a prompt builder.
func NewBuilder() *Builder { return &Builder{} }

// Explain builds the first-pass explanation request for a snapshot.
func (b *Builder) Explain(snap types.ContextSnapshot) (instructions, input string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Selected text:\n%s\n", types.CleanSelection(snap.SelectedText))
	writeContext(&sb, snap)
	if snap.LikelyConversation {
		sb.WriteString("\nThe selection appears to come from a conversation thread.\n")
	}
	return systemInstructions, sb.String()
}

// Deepen builds the go-deeper request from the previous answer.
func (b *Builder) Deepen(prev types.StreamingExplanation, snap types.ContextSnapshot, depth int) (instructions, input string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Selected text:\n%s\n", types.CleanSelection(snap.SelectedText))
	writeContext(&sb, snap)
	fmt.Fprintf(&sb, "\nYour explanation so far (depth %d):\n%s\n", depth, prev.Text)
	sb.WriteString("\nGo one level deeper.\n")
	return deepenInstructions, sb.String()
}

// Continuation builds the repair instruction: continue the tail exactly
// where it broke off, nothing else.
func (b *Builder) Continuation(tail string, snap types.ContextSnapshot) string {
	var sb strings.Builder
	sb.WriteString("You were explaining a text selection and your answer was cut off mid-sentence. ")
	sb.WriteString("Continue the answer from exactly where it stops. ")
	sb.WriteString("Do not restart, do not summarize, do not add a mode token. One or two sentences at most.\n\n")
	if sel := types.CleanSelection(snap.SelectedText); sel != "" {
		fmt.Fprintf(&sb, "The selection being explained:\n%s\n\n", sel)
	}
	fmt.Fprintf(&sb, "Your answer so far ends with:\n%s", tail)
	return sb.String()
}

// ChatSeed builds the opening message list for a follow-up chat about a
// finished explanation.
func (b *Builder) ChatSeed(expl types.StreamingExplanation) []types.Message {
	system := "You are Glimpse, a desktop explanation assistant, now in follow-up chat. " +
		"The user selected some text, you explained it, and the user has questions. " +
		"Answer conversationally and concretely. No mode tokens."
	var ctx strings.Builder
	if sel := types.CleanSelection(expl.Context.SelectedText); sel != "" {
		fmt.Fprintf(&ctx, "The selection under discussion:\n%s\n\n", sel)
	}
	writeContext(&ctx, expl.Context)
	if ctx.Len() > 0 {
		system += "\n\n" + ctx.String()
	}
	return []types.Message{
		{Role: types.RoleSystem, Content: system},
		{Role: types.RoleAssistant, Content: expl.Text},
	}
}

func writeContext(sb *strings.Builder, snap types.ContextSnapshot) {
	if snap.AppName != "" {
		fmt.Fprintf(sb, "Source application: %s\n", snap.AppName)
	}
	if snap.WindowTitle != "" {
		fmt.Fprintf(sb, "Window title: %s\n", snap.WindowTitle)
	}
	if snap.SourceURL != "" {
		fmt.Fprintf(sb, "Source URL: %s\n", snap.SourceURL)
	}
	if nearby := strings.TrimSpace(snap.NearbyText); nearby != "" {
		fmt.Fprintf(sb, "Text near the selection:\n%s\n", nearby)
	}
	if exact := strings.TrimSpace(snap.ExactOccurrence); exact != "" {
		fmt.Fprintf(sb, "The selection in its exact surroundings:\n%s\n", exact)
	}
}
