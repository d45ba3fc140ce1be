// Package pipeline runs one interaction for one client: compose a
// prompt from the client's state, ask the model, act on at most one
// directive in the completion (search or memorize), and publish the
// outcome to the client's event queue.
//
// Runs for the same client are not serialized against each other. A
// client that submits twice before the first reply lands may see the
// replies in either order; history stays consistent because every
// table operation is atomic.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/nugget/aura/internal/config"
	"github.com/nugget/aura/internal/directive"
	"github.com/nugget/aura/internal/events"
	"github.com/nugget/aura/internal/llm"
	"github.com/nugget/aura/internal/markdown"
	"github.com/nugget/aura/internal/metrics"
	"github.com/nugget/aura/internal/prompts"
	"github.com/nugget/aura/internal/search"
	"github.com/nugget/aura/internal/speech"
	"github.com/nugget/aura/internal/state"
)

// Fixed reply texts.
const (
	InferenceFailedText = "(Ollama communication error)"
	EmptyResponseText   = "(No text response)"
	SearchDoneText      = "Search done. Ready for next input."
)

// Branch names, as reported to metrics.
const (
	BranchDirect   = "direct"
	BranchSearch   = "search"
	BranchMemorize = "memorize"
)

// Request is one client submission.
type Request struct {
	ClientID string `json:"client_id"`
	Text     string `json:"text"`
	// Image is a data URI ("data:image/jpeg;base64,...").
	Image       string `json:"image"`
	ImageSource string `json:"image_source"`
}

// Publisher delivers events to a client's queue.
type Publisher interface {
	Publish(clientID string, e events.Event) bool
}

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
	Primary() string
}

// Saver schedules a background write of client state.
type Saver interface {
	SaveAsync()
}

// Config holds the tunables of a pipeline.
type Config struct {
	Model          string
	NumPredict     int
	Temperature    float64
	SearchCount    int
	RecentMemories int
	// Persona is the rendered system instruction block.
	Persona string
}

// Deps are the collaborators a pipeline calls into. Searcher, Speech,
// Saver, and Metrics are optional.
type Deps struct {
	Table    *state.Table
	Events   Publisher
	LLM      llm.Client
	Searcher Searcher
	Speech   speech.Renderer
	Saver    Saver
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Pipeline is shared by all runs; it holds no per-run state.
type Pipeline struct {
	cfg      Config
	table    *state.Table
	events   Publisher
	llm      llm.Client
	searcher Searcher
	speech   speech.Renderer
	saver    Saver
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.NumPredict <= 0 {
		cfg.NumPredict = 350
	}
	if cfg.SearchCount <= 0 {
		cfg.SearchCount = 3
	}
	if cfg.RecentMemories < 0 {
		cfg.RecentMemories = 0
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sp := deps.Speech
	if sp == nil {
		sp = speech.Nop{}
	}
	pub := deps.Events
	if pub == nil {
		pub = (*events.Registry)(nil)
	}
	return &Pipeline{
		cfg:      cfg,
		table:    deps.Table,
		events:   pub,
		llm:      deps.LLM,
		searcher: deps.Searcher,
		speech:   sp,
		saver:    deps.Saver,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "pipeline"),
	}
}

// stopMarkers keep the model from opening a new role or running past a
// directive opener.
var stopMarkers = []string{prompts.EndOfRole, "[SEARCH:", "[MEMORIZE:"}

// Run processes one request to completion. It never returns an error:
// failures that escape a stage are logged and reported to the client as
// an error event naming only the category.
func (p *Pipeline) Run(ctx context.Context, req Request) {
	if req.ImageSource == "" {
		req.ImageSource = prompts.NoImageSource
	}
	log := p.logger.With("client_id", req.ClientID, "image_source", req.ImageSource)
	start := time.Now()

	err := p.guarded(ctx, req, log)
	if err == nil {
		log.Debug("interaction complete", "elapsed", time.Since(start))
		return
	}

	cat := Classify(err)
	p.metrics.PipelineFailure(string(cat))
	log.Error("interaction failed", "category", cat, "error", err, "elapsed", time.Since(start))
	p.events.Publish(req.ClientID, events.Message(events.TypeError, "Processing error: "+string(cat)))
}

// guarded runs the stages with a recover so a panic surfaces as an
// internal error instead of killing the process.
func (p *Pipeline) guarded(ctx context.Context, req Request, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("interaction panicked", "panic", r, "stack", string(debug.Stack()))
			err = &Error{Category: CategoryInternal, Op: "run", Err: panicError{value: r}}
		}
	}()
	return p.run(ctx, req, log)
}

func (p *Pipeline) run(ctx context.Context, req Request, log *slog.Logger) error {
	if strings.TrimSpace(req.ClientID) == "" {
		return &Error{Category: CategoryMalformedInput, Op: "run", Err: errors.New("empty client id")}
	}
	if p.table == nil || p.llm == nil {
		return &Error{Category: CategoryInternal, Op: "run", Err: errors.New("pipeline not wired")}
	}

	p.table.Ensure(req.ClientID)
	prompt := p.compose(req)
	log.Log(ctx, config.LevelTrace, "prompt composed", "prompt", prompt)

	image, imgErr := imagePayload(req.Image)
	if imgErr != nil {
		p.metrics.PipelineFailure(string(CategoryMalformedInput))
		log.Warn("image unusable, continuing text-only", "category", CategoryMalformedInput, "error", imgErr)
	}

	completion := p.infer(ctx, prompt, image, log)
	parsed := directive.Extract(completion)
	display := parsed.Display
	if display == "" {
		display = EmptyResponseText
	}

	userTurn := state.UserTurn(prompts.HistoryUserTurn(req.Text, req.ImageSource))

	switch {
	case parsed.HasSearch:
		p.searchBranch(ctx, req, parsed.Search, userTurn, log)
		p.metrics.PipelineRun(BranchSearch)
	case parsed.HasMemorize:
		memType := MemoryType(parsed.Memorize, req.Text, req.ImageSource)
		entry := p.table.AppendMemory(req.ClientID, memType, parsed.Memorize, nil)
		log.Info("memory stored", "type", entry.Type, "content", entry.Content)
		if p.saver != nil {
			p.saver.SaveAsync()
		}
		p.respond(ctx, req.ClientID, display, userTurn, log)
		p.metrics.PipelineRun(BranchMemorize)
	default:
		p.respond(ctx, req.ClientID, display, userTurn, log)
		p.metrics.PipelineRun(BranchDirect)
	}
	return nil
}

// compose reads the client's state and builds the prompt. Pending
// search results are consumed here.
func (p *Pipeline) compose(req Request) string {
	pending, hasPending := p.table.TakePendingSearch(req.ClientID)
	return prompts.InteractionPrompt(prompts.Interaction{
		Persona:     p.cfg.Persona,
		ImageSource: req.ImageSource,
		Memories:    p.table.RecentMemories(req.ClientID, p.cfg.RecentMemories),
		Search:      pending,
		HasSearch:   hasPending,
		History:     p.table.History(req.ClientID),
		UserText:    req.Text,
	})
}

// infer returns the cleaned completion, or the fixed failure text when
// the model could not be reached or answered with garbage.
func (p *Pipeline) infer(ctx context.Context, prompt, image string, log *slog.Logger) string {
	genReq := llm.GenerateRequest{
		Model:  p.cfg.Model,
		Prompt: prompt,
		Options: llm.Options{
			NumPredict:  p.cfg.NumPredict,
			Temperature: p.cfg.Temperature,
			Stop:        stopMarkers,
		},
	}
	if image != "" {
		genReq.Images = []string{image}
	}

	log.Info("sending to model", "model", p.cfg.Model, "has_image", image != "", "prompt_chars", len(prompt))
	start := time.Now()
	resp, err := p.llm.Generate(ctx, genReq)
	elapsed := time.Since(start)
	if err == nil && resp == nil {
		err = errors.New("nil response")
	}
	p.metrics.Inference(elapsed, err)
	if err != nil {
		cat := Classify(err)
		var apiErr *llm.APIError
		if errors.As(err, &apiErr) {
			cat = CategoryTransport
		}
		p.metrics.PipelineFailure(string(cat))
		log.Error("model call failed", "category", cat, "error", err, "elapsed", elapsed)
		return InferenceFailedText
	}

	log.Info("model responded", "elapsed", elapsed, "done_reason", resp.DoneReason, "eval_count", resp.EvalCount)
	log.Log(ctx, config.LevelTrace, "raw completion", "response", resp.Response)
	return cleanCompletion(resp.Response)
}

// searchBranch announces the search, runs it, parks the results for the
// client's next turn, and records the attempt in history. The
// user-visible answer comes on the next turn.
func (p *Pipeline) searchBranch(ctx context.Context, req Request, query string, userTurn *state.Turn, log *slog.Logger) {
	p.events.Publish(req.ClientID, events.Message(events.TypeSystem, fmt.Sprintf("(Searching web for '%s'...)", query)))

	var results []search.Result
	if p.searcher == nil {
		log.Warn("search requested but no provider configured", "query", query)
		p.metrics.Search("none", search.ErrNoProvider)
	} else {
		start := time.Now()
		var err error
		results, err = p.searcher.Search(ctx, query, search.Options{Count: p.cfg.SearchCount})
		p.metrics.Search(p.searcher.Primary(), err)
		if err != nil {
			p.metrics.PipelineFailure(string(CategoryTransport))
			log.Error("web search failed", "category", CategoryTransport, "query", query, "error", err)
			results = nil
		} else {
			log.Info("web search complete", "query", query, "results", len(results), "elapsed", time.Since(start))
		}
	}
	if results == nil {
		results = []search.Result{}
	}

	p.table.SetPendingSearch(req.ClientID, results)
	p.table.AppendHistory(req.ClientID, userTurn, state.AssistantTurn(fmt.Sprintf("(Initiated search: '%s')", query)))
	p.events.Publish(req.ClientID, events.Message(events.TypeSystem, SearchDoneText))
}

// respond speaks the display text, publishes the response event, and
// records both turns.
func (p *Pipeline) respond(ctx context.Context, clientID, display string, userTurn *state.Turn, log *slog.Logger) {
	var audioURL any
	url, err := p.speech.Render(ctx, display)
	p.metrics.Speech(url, err)
	switch {
	case err != nil:
		p.metrics.PipelineFailure(string(CategoryTransport))
		log.Warn("speech synthesis failed, replying without audio", "category", CategoryTransport, "error", err)
	case url != "":
		audioURL = url
	}

	p.events.Publish(clientID, events.Event{
		Type: events.TypeResponse,
		Payload: map[string]any{
			"type":      events.TypeResponse,
			"ai_text":   display,
			"audio_url": audioURL,
			"ai_html":   markdown.ToHTML(display),
		},
	})
	p.table.AppendHistory(clientID, userTurn, state.AssistantTurn(display))
}

// MemoryType classifies a memory: learning_point when the content talks
// about learning or not having known something, observation for an
// image-only turn, fact otherwise.
func MemoryType(content, userText, imageSource string) string {
	lower := strings.ToLower(content)
	for _, cue := range []string{"learn", "didn't know", "did not know"} {
		if strings.Contains(lower, cue) {
			return state.MemoryLearningPoint
		}
	}
	if userText == "" && imageSource != "" && imageSource != prompts.NoImageSource {
		return state.MemoryObservation
	}
	return state.MemoryFact
}

// cleanCompletion drops any echoed assistant role marker.
func cleanCompletion(raw string) string {
	return strings.TrimSpace(strings.ReplaceAll(strings.TrimSpace(raw), prompts.AssistantPrefix, ""))
}

// imagePayload returns the base64 body of a data URI. An empty image is
// not an error; anything that is not a well-formed base64 data URI is.
func imagePayload(image string) (string, error) {
	if strings.TrimSpace(image) == "" {
		return "", nil
	}
	_, data, ok := strings.Cut(image, ",")
	if !ok {
		return "", errors.New("image is not a data URI")
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return "", errors.New("image data URI has no payload")
	}
	if _, err := io.Copy(io.Discard, base64.NewDecoder(base64.StdEncoding, strings.NewReader(data))); err != nil {
		return "", fmt.Errorf("image payload: %w", err)
	}
	return data, nil
}
