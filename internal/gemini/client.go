package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Client is the live GenAI-backed provider.
type Client struct {
	genai *genai.Client
	model string
}

// NewClient constructs a provider client. An empty API key returns
// (nil, nil): callers treat a nil client as "provider unavailable" and fall
// back to the sandbox.
func NewClient(ctx context.Context, apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, nil
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{genai: gc, model: defaultModel}, nil
}

// DefaultModel returns the configured model name.
func (c *Client) DefaultModel() string { return c.model }

// StreamGenerate runs one streamed generation call, delivering each chunk
// to onChunk in arrival order. A non-nil error from onChunk aborts the
// stream and is returned unchanged.
func (c *Client) StreamGenerate(ctx context.Context, req StreamRequest, onChunk func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = c.model
	}

	cfg := &genai.GenerateContentConfig{}
	if req.CachedContent != "" {
		cfg.CachedContent = req.CachedContent
	} else if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: toFunctionDeclarations(req.Tools)}}
	}

	contents := toGenaiContents(req.Contents)

	for resp, err := range c.genai.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		chunk := fromResponse(resp)
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Generate runs one non-streamed call and returns the full text.
func (c *Client) Generate(ctx context.Context, model, systemInstruction, prompt string) (string, error) {
	if model == "" {
		model = c.model
	}
	cfg := &genai.GenerateContentConfig{}
	if systemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}
	resp, err := c.genai.Models.GenerateContent(ctx, model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}

func fromResponse(resp *genai.GenerateContentResponse) Chunk {
	var chunk Chunk
	chunk.Text = resp.Text()
	for _, fc := range resp.FunctionCalls() {
		chunk.FunctionCalls = append(chunk.FunctionCalls, FunctionCall{
			Name: fc.Name,
			Args: fc.Args,
		})
	}
	if um := resp.UsageMetadata; um != nil {
		chunk.PromptTokens = int(um.PromptTokenCount)
		chunk.ResponseTokens = int(um.CandidatesTokenCount)
	}
	return chunk
}

func toGenaiContents(contents []Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(contents))
	for _, c := range contents {
		gc := &genai.Content{Role: c.Role}
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				gc.Parts = append(gc.Parts, genai.NewPartFromFunctionCall(p.FunctionCall.Name, p.FunctionCall.Args))
			case p.FunctionResponse != nil:
				gc.Parts = append(gc.Parts, genai.NewPartFromFunctionResponse(p.FunctionResponse.Name, p.FunctionResponse.Response))
			default:
				gc.Parts = append(gc.Parts, genai.NewPartFromText(p.Text))
			}
		}
		out = append(out, gc)
	}
	return out
}

func toFunctionDeclarations(tools []ToolDecl) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		out = append(out, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGenaiSchema(t.Parameters),
		})
	}
	return out
}

func toGenaiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Description: s.Description,
		Required:    s.Required,
	}
	switch s.Type {
	case "object":
		out.Type = genai.TypeObject
	case "string":
		out.Type = genai.TypeString
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = toGenaiSchema(v)
		}
	}
	if s.Items != nil {
		out.Items = toGenaiSchema(s.Items)
	}
	if len(s.Enum) > 0 {
		out.Enum = s.Enum
	}
	return out
}
