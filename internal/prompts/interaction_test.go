package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/aura/internal/search"
	"github.com/nugget/aura/internal/state"
)

func TestPersona(t *testing.T) {
	p := Persona("Aura", "")
	assert.True(t, strings.HasPrefix(p, "You are Aura, an AI companion"))
	assert.Contains(t, p, "[SEARCH:")
	assert.NotContains(t, p, "{{name}}")

	assert.Equal(t, "I am Nova.", Persona("Nova", "\n I am {{name}}. \n"))
	assert.Contains(t, Persona("Nova", "   "), "You are Nova")
}

func TestSourceNote(t *testing.T) {
	assert.Equal(t, "None (Text chat only)", SourceNote("none"))
	assert.Equal(t, "None (Text chat only)", SourceNote(""))
	assert.Equal(t, "Image from user's webcam", SourceNote("webcam"))
}

func TestUserContent(t *testing.T) {
	assert.Equal(t, "hello", UserContent("hello", "webcam"))
	assert.Equal(t,
		"(Analyze the provided image from screen and share detailed observations/guidance.)",
		UserContent("", "screen"))
	assert.Equal(t, "(upload observation)", HistoryUserTurn("", "upload"))
	assert.Equal(t, "hi", HistoryUserTurn("hi", "upload"))
}

func TestInteractionPrompt_Layout(t *testing.T) {
	got := InteractionPrompt(Interaction{
		Persona:     "PERSONA",
		ImageSource: "webcam",
		Memories: []state.MemoryEntry{
			{Type: "fact", Content: "likes tea", Timestamp: "2025-01-02 10:00:00"},
			{Type: "learning_point", Content: "learned Go", Timestamp: "2025-01-01 09:00:00"},
		},
		Search: []search.Result{
			{Title: "Paris", Snippet: "Capital of France", URL: "https://a"},
			{Title: "Lyon", Snippet: "Second city", URL: "https://b"},
		},
		HasSearch: true,
		History: []state.Turn{
			{Role: "user", Content: "what is this?"},
			{Role: "assistant", Content: "A mug."},
			{Role: "tool", Content: "ignored"},
		},
		UserText: "",
	})

	want := strings.Join([]string{
		"<|start_of_role|>system<|end_of_role|>\nPERSONA",
		"<|start_of_role|>system<|end_of_role|>\n**Current Visual Input Source:** Image from user's webcam.",
		"<|start_of_role|>system<|end_of_role|>\n**Relevant Memories:**\n" +
			"- [FACT @ 2025-01-02 10:00:00]: likes tea\n" +
			"- [LEARNING_POINT @ 2025-01-01 09:00:00]: learned Go",
		"<|start_of_role|>system<|end_of_role|>\n**Web Search Results:**\n" +
			"1. Paris: Capital of France\n" +
			"2. Lyon: Second city\n" +
			"**Use these results.**",
		"<|start_of_role|>user<|end_of_role|>\nwhat is this?",
		"<|start_of_role|>assistant<|end_of_role|>\nA mug.",
		"<|start_of_role|>user<|end_of_role|>\n(Analyze the provided image from webcam and share detailed observations/guidance.)",
		"<|start_of_role|>assistant<|end_of_role|>",
	}, "\n")
	assert.Equal(t, want, got)
}

func TestInteractionPrompt_Minimal(t *testing.T) {
	got := InteractionPrompt(Interaction{Persona: "P", ImageSource: NoImageSource, UserText: "hi"})

	assert.NotContains(t, got, "Relevant Memories")
	assert.NotContains(t, got, "Web Search Results")
	assert.Contains(t, got, "None (Text chat only)")
	require.True(t, strings.HasSuffix(got, "<|start_of_role|>user<|end_of_role|>\nhi\n"+AssistantPrefix))
}

func TestInteractionPrompt_EmptySearch(t *testing.T) {
	got := InteractionPrompt(Interaction{Persona: "P", UserText: "hi", HasSearch: true})
	assert.Contains(t, got, "**Web Search Results:**\n- (No results)\n**Use these results.**")
}
