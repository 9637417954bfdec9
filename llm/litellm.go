package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/voocel/litellm"

	"github.com/voocel/agentrun/schema"
)

// LiteLLM adapts the litellm client to the Provider contract. It routes to
// OpenAI, Anthropic, or Gemini based on the model name, defaulting to an
// OpenAI-compatible endpoint.
type LiteLLM struct {
	client *litellm.Client
	config LiteLLMConfig
}

// LiteLLMConfig configures the litellm-backed provider.
type LiteLLMConfig struct {
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

// NewLiteLLM creates a litellm-backed provider for the configured model.
func NewLiteLLM(config LiteLLMConfig) (*LiteLLM, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("llm: API key is required")
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 2000
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}

	var opts []litellm.ClientOption
	switch {
	case isAnthropicModel(config.Model):
		if config.BaseURL != "" {
			opts = append(opts, litellm.WithAnthropic(config.APIKey, config.BaseURL))
		} else {
			opts = append(opts, litellm.WithAnthropic(config.APIKey))
		}
	case isGeminiModel(config.Model):
		if config.BaseURL != "" {
			opts = append(opts, litellm.WithGemini(config.APIKey, config.BaseURL))
		} else {
			opts = append(opts, litellm.WithGemini(config.APIKey))
		}
	default:
		// OpenAI and OpenAI-compatible endpoints
		if config.BaseURL != "" {
			opts = append(opts, litellm.WithOpenAI(config.APIKey, config.BaseURL))
		} else {
			opts = append(opts, litellm.WithOpenAI(config.APIKey))
		}
	}
	opts = append(opts, litellm.WithDefaults(config.MaxTokens, config.Temperature))

	return &LiteLLM{client: litellm.New(opts...), config: config}, nil
}

// Generate implements Provider.
func (p *LiteLLM) Generate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.client.Chat(ctx, p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("llm: completion failed: %w", err)
	}
	return p.convertResponse(resp), nil
}

// GenerateStream implements Provider. Content chunks are forwarded as token
// events; tool call deltas are assembled and delivered on the done event.
func (p *LiteLLM) GenerateStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	litellmReq := p.buildRequest(req)
	litellmReq.Stream = true

	reader, err := p.client.Stream(ctx, litellmReq)
	if err != nil {
		return nil, fmt.Errorf("llm: stream start failed: %w", err)
	}

	ch := make(chan StreamEvent, 8)
	go func() {
		defer close(ch)
		defer reader.Close()

		asm := newStreamAssembler()
		for {
			chunk, err := reader.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				p.send(ctx, ch, StreamEvent{Type: StreamEventError, Err: fmt.Errorf("llm: stream failed: %w", err)})
				return
			}
			if delta := asm.add(chunk); delta != "" {
				if !p.send(ctx, ch, StreamEvent{Type: StreamEventToken, Delta: delta}) {
					return
				}
			}
		}
		p.send(ctx, ch, StreamEvent{Type: StreamEventDone, Response: p.convertResponse(asm.response())})
	}()

	return ch, nil
}

func (p *LiteLLM) send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// ModelID implements Provider.
func (p *LiteLLM) ModelID(model string) string {
	if model == "" {
		return p.config.Model
	}
	return model
}

func (p *LiteLLM) buildRequest(req *Request) *litellm.Request {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	litellmReq := &litellm.Request{
		Model:    model,
		Messages: convertMessages(req.Messages),
		Tools:    convertTools(req.Tools),
	}
	if req.Temperature != nil {
		litellmReq.Temperature = litellm.Float64Ptr(*req.Temperature)
	}
	if req.MaxTokens != nil {
		litellmReq.MaxTokens = litellm.IntPtr(*req.MaxTokens)
	}
	if rf := req.ResponseFormat; rf != nil {
		litellmReq.ResponseFormat = convertResponseFormat(rf)
	}
	return litellmReq
}

func convertResponseFormat(rf *ResponseFormat) *litellm.ResponseFormat {
	switch rf.Type {
	case litellm.ResponseFormatJSONSchema:
		return litellm.NewResponseFormatJSONSchema("response", "", rf.Schema, rf.Strict)
	case litellm.ResponseFormatJSONObject:
		return litellm.NewResponseFormatJSONObject()
	default:
		return litellm.NewResponseFormatText()
	}
}

func (p *LiteLLM) convertResponse(resp *litellm.Response) *Response {
	msg := schema.Message{
		Role:    schema.RoleAssistant,
		Content: resp.Content,
	}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}

	finishReason := resp.FinishReason
	if finishReason == "" {
		if len(msg.ToolCalls) > 0 {
			finishReason = "tool_calls"
		} else {
			finishReason = "stop"
		}
	}

	return &Response{
		Message: msg,
		Usage: schema.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: finishReason,
		Model:        resp.Model,
		Provider:     resp.Provider,
	}
}

// streamAssembler folds stream chunks into a complete response: content
// deltas accumulate in order, tool call deltas merge by index.
type streamAssembler struct {
	content  strings.Builder
	calls    []litellm.ToolCall
	byIndex  map[int]int
	finish   string
	model    string
	provider string
}

func newStreamAssembler() *streamAssembler {
	return &streamAssembler{byIndex: make(map[int]int)}
}

// add folds one chunk in and returns the content delta to forward, if any.
func (a *streamAssembler) add(chunk *litellm.StreamChunk) string {
	if chunk.FinishReason != "" {
		a.finish = chunk.FinishReason
	}
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	if chunk.Provider != "" {
		a.provider = chunk.Provider
	}

	switch chunk.Type {
	case litellm.ChunkTypeContent:
		a.content.WriteString(chunk.Content)
		return chunk.Content
	case litellm.ChunkTypeToolCallDelta:
		if chunk.ToolCallDelta != nil {
			a.mergeToolCall(chunk.ToolCallDelta)
		}
	}
	return ""
}

func (a *streamAssembler) mergeToolCall(delta *litellm.ToolCallDelta) {
	pos, ok := a.byIndex[delta.Index]
	if !ok {
		pos = len(a.calls)
		a.byIndex[delta.Index] = pos
		a.calls = append(a.calls, litellm.ToolCall{Type: "function"})
	}
	call := &a.calls[pos]
	if delta.ID != "" {
		call.ID = delta.ID
	}
	if delta.FunctionName != "" {
		call.Function.Name = delta.FunctionName
	}
	call.Function.Arguments += delta.ArgumentsDelta
}

func (a *streamAssembler) response() *litellm.Response {
	return &litellm.Response{
		Content:      a.content.String(),
		ToolCalls:    a.calls,
		FinishReason: a.finish,
		Model:        a.model,
		Provider:     a.provider,
	}
}

func convertMessages(messages []schema.Message) []litellm.Message {
	result := make([]litellm.Message, len(messages))
	for i, msg := range messages {
		out := litellm.Message{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, litellm.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: litellm.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		result[i] = out
	}
	return result
}

func convertTools(tools []ToolSpec) []litellm.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]litellm.Tool, len(tools))
	for i, tool := range tools {
		result[i] = litellm.Tool{
			Type: "function",
			Function: litellm.FunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}
	return result
}

func isAnthropicModel(model string) bool {
	return strings.HasPrefix(model, "claude")
}

func isGeminiModel(model string) bool {
	return strings.HasPrefix(model, "gemini")
}

var _ Provider = (*LiteLLM)(nil)
