package prompts

import (
	"fmt"
	"strings"

	"github.com/nugget/aura/internal/search"
	"github.com/nugget/aura/internal/state"
)

// Granite-style role markers. The model sees each block as
// "<|start_of_role|>ROLE<|end_of_role|>\ncontent".
const (
	roleStart = "<|start_of_role|>"
	roleEnd   = "<|end_of_role|>"
)

// EndOfRole is the marker inference stops on so the model cannot open a
// new turn on its own.
const EndOfRole = roleEnd

// AssistantPrefix opens the assistant's turn. Models sometimes echo it
// at the start of a completion.
const AssistantPrefix = roleStart + "assistant" + roleEnd

// NoImageSource is the image source reported by text-only clients.
const NoImageSource = "none"

// Interaction holds everything one pipeline run feeds into its prompt.
type Interaction struct {
	// Persona is the system instruction block (see Persona).
	Persona string
	// ImageSource names where the attached image came from, such as
	// "webcam", "screen" or "upload"; NoImageSource when there is none.
	ImageSource string
	// Memories are rendered in the order given, newest first by
	// convention.
	Memories []state.MemoryEntry
	// Search holds consumed pending results; HasSearch marks that a
	// search ran even if it found nothing.
	Search    []search.Result
	HasSearch bool
	// History is the prior conversation, oldest first.
	History []state.Turn
	// UserText is the new input, possibly empty.
	UserText string
}

// SourceNote describes the visual input for the system block.
func SourceNote(source string) string {
	if source == "" || source == NoImageSource {
		return "None (Text chat only)"
	}
	return fmt.Sprintf("Image from user's %s", source)
}

// UserContent is what the model sees as the new user turn: the typed
// text, or an analysis request when only an image was sent.
func UserContent(text, source string) string {
	if text != "" {
		return text
	}
	return fmt.Sprintf("(Analyze the provided image from %s and share detailed observations/guidance.)", source)
}

// HistoryUserTurn is what the conversation history records for the
// user's side of an interaction.
func HistoryUserTurn(text, source string) string {
	if text != "" {
		return text
	}
	return fmt.Sprintf("(%s observation)", source)
}

// InteractionPrompt assembles the full completion prompt: persona,
// source note, recent memories, search results, history, the new user
// turn, and an open assistant turn.
func InteractionPrompt(in Interaction) string {
	var parts []string
	block := func(role, content string) {
		parts = append(parts, roleStart+role+roleEnd+"\n"+content)
	}

	block("system", in.Persona)
	block("system", fmt.Sprintf("**Current Visual Input Source:** %s.", SourceNote(in.ImageSource)))

	if len(in.Memories) > 0 {
		var b strings.Builder
		b.WriteString("**Relevant Memories:**")
		for _, m := range in.Memories {
			fmt.Fprintf(&b, "\n- [%s @ %s]: %s", strings.ToUpper(orNA(m.Type)), orNA(m.Timestamp), m.Content)
		}
		block("system", b.String())
	}

	if in.HasSearch {
		var b strings.Builder
		b.WriteString("**Web Search Results:**")
		if len(in.Search) == 0 {
			b.WriteString("\n- (No results)")
		}
		for i, r := range in.Search {
			fmt.Fprintf(&b, "\n%d. %s: %s", i+1, r.Title, r.Snippet)
		}
		b.WriteString("\n**Use these results.**")
		block("system", b.String())
	}

	for _, turn := range in.History {
		switch strings.ToLower(turn.Role) {
		case state.RoleUser:
			block("user", turn.Content)
		case state.RoleAssistant:
			block("assistant", turn.Content)
		}
	}

	block("user", UserContent(in.UserText, in.ImageSource))
	parts = append(parts, AssistantPrefix)
	return strings.Join(parts, "\n")
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
