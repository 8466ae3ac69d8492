// Package gemini wraps the Google GenAI SDK behind provider-neutral
// request/response types, so the fast path, summarizer and tooling can be
// exercised without a live client.
package gemini

// Roles for conversation turns.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// FunctionCall is one tool invocation requested by the model.
type FunctionCall struct {
	Name string
	Args map[string]any
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	Name     string
	Response map[string]any
}

// Part is one piece of a content turn. Exactly one field is set.
type Part struct {
	Text             string
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
}

// Content is one conversation turn.
type Content struct {
	Role  string
	Parts []Part
}

// TextContent builds a single-text turn.
func TextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{{Text: text}}}
}

// Schema is a provider-neutral JSON schema for tool parameters.
type Schema struct {
	Type        string // "object", "string", "integer", "boolean", "number", "array"
	Description string
	Properties  map[string]*Schema
	Required    []string
	Items       *Schema
	Enum        []string
}

// ToolDecl declares one callable function to the model.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  *Schema
}

// Chunk is one streamed response fragment. Any subset of the fields may be
// populated; empty chunks are legal.
type Chunk struct {
	Text           string
	FunctionCalls  []FunctionCall
	PromptTokens   int
	ResponseTokens int
}

// StreamRequest describes one streamed generation call.
type StreamRequest struct {
	Model             string
	SystemInstruction string
	// CachedContent, when set, names a provider-side cache handle; the
	// system instruction must then be omitted (it lives in the cache).
	CachedContent string
	Contents      []Content
	Tools         []ToolDecl
}
