// Package fastpath runs user messages as direct streamed Gemini calls with
// function-calling tools, bypassing the sandbox for text-only conversations.
package fastpath

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/gemini"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
)

// followUpInstruction is appended to the system instruction unless the
// group disables follow-up suggestions.
const followUpInstruction = "When the conversation naturally invites it, end your reply with one short follow-up suggestion the user might want next. Skip the suggestion when the user asked a closed question."

const knowledgeQueryLimit = 200

// Streamer is the provider surface the fast path depends on. Satisfied by
// *gemini.Client and by fakes in tests.
type Streamer interface {
	StreamGenerate(ctx context.Context, req gemini.StreamRequest, onChunk func(gemini.Chunk) error) error
}

// ToolExecutor dispatches collected function calls. Satisfied by
// *tools.Registry.
type ToolExecutor interface {
	Declarations(isMain bool) []gemini.ToolDecl
	Execute(ctx context.Context, call tools.Call, inv tools.Invocation) tools.Result
}

// Cache obtains provider-side context caches. Satisfied by
// *gemini.CacheManager.
type Cache interface {
	ObtainCache(ctx context.Context, folder, model, content string) string
}

// KnowledgeSearcher finds group knowledge documents relevant to a query.
type KnowledgeSearcher interface {
	SearchKnowledge(ctx context.Context, folder, query string, limit int) ([]*store.KnowledgeDoc, error)
}

// Progress is one streaming progress event.
type Progress struct {
	Type       string // "text" or "tool_use"
	Text       string // running accumulated snapshot for "text"
	ToolName   string // set for "tool_use"
	IsComplete bool
}

// ProgressFunc observes streaming progress. Must not block.
type ProgressFunc func(Progress)

// Request describes one fast-path run.
type Request struct {
	GroupFolder       string
	ChatID            string
	IsMain            bool
	Model             string
	SystemInstruction string
	EnableFollowUp    bool
	Prompt            string
	History           []gemini.Content
	MemorySummary     string
	OnProgress        ProgressFunc
}

// Result is the outcome of a fast-path run.
type Result struct {
	Status         string // "success" or "error"
	Result         *string
	PromptTokens   int
	ResponseTokens int
}

// Runner owns the streaming pipeline.
type Runner struct {
	streamer  Streamer
	executor  ToolExecutor
	cache     Cache
	knowledge KnowledgeSearcher

	timeout           time.Duration
	streamingInterval time.Duration
}

// NewRunner wires a fast-path runner. cache and knowledge may be nil; the
// corresponding steps are then skipped.
func NewRunner(streamer Streamer, executor ToolExecutor, cache Cache, knowledge KnowledgeSearcher, timeout, streamingInterval time.Duration) *Runner {
	return &Runner{
		streamer:          streamer,
		executor:          executor,
		cache:             cache,
		knowledge:         knowledge,
		timeout:           timeout,
		streamingInterval: streamingInterval,
	}
}

// Run executes one request end to end: compose the instruction, resolve
// knowledge and cache, stream, execute any collected function calls, stream
// the follow-up and return the accumulated text. The whole operation is
// bounded by the configured timeout; on expiry no partial result is
// returned.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	sysInstr := req.SystemInstruction
	if req.EnableFollowUp {
		sysInstr = sysInstr + "\n\n" + followUpInstruction
	}

	knowledge := r.searchKnowledge(ctx, req.GroupFolder, req.Prompt)

	static := sysInstr
	if req.MemorySummary != "" {
		static = static + "\n\nLong-term memory of this conversation:\n" + req.MemorySummary
	}
	var cacheName string
	if r.cache != nil {
		cacheName = r.cache.ObtainCache(ctx, req.GroupFolder, req.Model, static)
	}

	userText := req.Prompt
	if knowledge != "" {
		userText = "[Relevant knowledge:\n" + knowledge + "]\n\n" + userText
	}
	contents := append(append([]gemini.Content{}, req.History...), gemini.TextContent(gemini.RoleUser, userText))

	streamReq := gemini.StreamRequest{
		Model:    req.Model,
		Contents: contents,
		Tools:    r.executor.Declarations(req.IsMain),
	}
	if cacheName != "" {
		streamReq.CachedContent = cacheName
	} else {
		// No cache handle: the memory summary rides on the system
		// instruction instead.
		streamReq.SystemInstruction = static
	}

	acc := &accumulator{onProgress: req.OnProgress, interval: r.streamingInterval}

	if err := r.streamer.StreamGenerate(ctx, streamReq, acc.consume); err != nil {
		return nil, fmt.Errorf("fast path stream: %w", err)
	}

	if len(acc.functionCalls) > 0 {
		if err := r.runFunctionCalls(ctx, req, streamReq, acc); err != nil {
			return nil, err
		}
	}

	if req.OnProgress != nil {
		req.OnProgress(Progress{Type: "text", Text: acc.text(), IsComplete: true})
	}

	res := &Result{
		Status:         "success",
		PromptTokens:   acc.promptTokens,
		ResponseTokens: acc.responseTokens,
	}
	if text := acc.text(); text != "" {
		res.Result = &text
	}
	return res, nil
}

// runFunctionCalls executes the collected calls sequentially, then issues
// the follow-up stream whose content ends with the model's function-call
// turn and a user turn carrying the responses.
func (r *Runner) runFunctionCalls(ctx context.Context, req Request, streamReq gemini.StreamRequest, acc *accumulator) error {
	inv := tools.Invocation{GroupFolder: req.GroupFolder, ChatID: req.ChatID, IsMain: req.IsMain}

	callParts := make([]gemini.Part, 0, len(acc.functionCalls))
	respParts := make([]gemini.Part, 0, len(acc.functionCalls))
	for _, fc := range acc.functionCalls {
		result := r.executor.Execute(ctx, tools.Call{Name: fc.Name, Args: fc.Args}, inv)
		callParts = append(callParts, gemini.Part{FunctionCall: &gemini.FunctionCall{Name: fc.Name, Args: fc.Args}})
		respParts = append(respParts, gemini.Part{FunctionResponse: &gemini.FunctionResponse{
			Name:     result.Name,
			Response: result.Response,
		}})
	}

	followUp := streamReq
	followUp.Contents = append(append([]gemini.Content{}, streamReq.Contents...),
		gemini.Content{Role: gemini.RoleModel, Parts: callParts},
		gemini.Content{Role: gemini.RoleUser, Parts: respParts},
	)

	if err := r.streamer.StreamGenerate(ctx, followUp, acc.consume); err != nil {
		return fmt.Errorf("fast path follow-up stream: %w", err)
	}
	return nil
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// searchKnowledge keyword-searches the group's knowledge docs using the
// first chars of the tag-stripped prompt. Failures are swallowed; knowledge
// is strictly optional.
func (r *Runner) searchKnowledge(ctx context.Context, folder, prompt string) string {
	if r.knowledge == nil {
		return ""
	}
	query := htmlTagPattern.ReplaceAllString(prompt, "")
	if len(query) > knowledgeQueryLimit {
		query = query[:knowledgeQueryLimit]
	}
	docs, err := r.knowledge.SearchKnowledge(ctx, folder, query, 3)
	if err != nil {
		slog.Debug("knowledge search failed",
			slog.String("group", folder), slog.String("error", err.Error()))
		return ""
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Title+"\n"+d.Content)
	}
	return strings.Join(parts, "\n---\n")
}

// accumulator collects streamed chunks: text pieces, function calls and
// usage counts, with a throttled progress callback.
type accumulator struct {
	pieces         []string
	functionCalls  []gemini.FunctionCall
	promptTokens   int
	responseTokens int

	onProgress   ProgressFunc
	interval     time.Duration
	lastProgress time.Time
}

func (a *accumulator) consume(chunk gemini.Chunk) error {
	if chunk.Text != "" {
		a.pieces = append(a.pieces, chunk.Text)
		a.maybeProgress()
	}
	for _, fc := range chunk.FunctionCalls {
		a.functionCalls = append(a.functionCalls, fc)
		if a.onProgress != nil {
			a.onProgress(Progress{Type: "tool_use", ToolName: fc.Name})
		}
	}
	if chunk.PromptTokens > 0 {
		a.promptTokens = chunk.PromptTokens
	}
	if chunk.ResponseTokens > 0 {
		a.responseTokens += chunk.ResponseTokens
	}
	return nil
}

func (a *accumulator) maybeProgress() {
	if a.onProgress == nil {
		return
	}
	now := time.Now()
	if now.Sub(a.lastProgress) < a.interval {
		return
	}
	a.lastProgress = now
	a.onProgress(Progress{Type: "text", Text: a.text()})
}

func (a *accumulator) text() string {
	return strings.Join(a.pieces, "")
}
