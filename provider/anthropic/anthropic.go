// Package anthropic implements the Anthropic Messages adapter. The system
// prompt travels as a top-level field rather than a message, tool use and
// tool results are distinct content block types, and prompt-cache breakpoints
// are inserted automatically at stable prefix boundaries.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/chatforge/chatforge/model"
)

const providerName = "anthropic"

// defaultMaxTokens applies when a request does not cap completion tokens;
// the Messages API requires an explicit value.
const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the SDK used by the adapter so
	// tests can substitute a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		APIKey       string
		BaseURL      string
		ExtraHeaders map[string]string
		HTTPClient   *http.Client
	}

	// Client implements model.Client over the Anthropic Messages API.
	Client struct {
		sdk sdk.Client
		msg MessagesClient
	}
)

// New builds the adapter. The SDK injects x-api-key and anthropic-version on
// every request.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	for k, v := range opts.ExtraHeaders {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}
	client := sdk.NewClient(reqOpts...)
	return &Client{sdk: client, msg: &client.Messages}, nil
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return model.Response{}, classify("messages.new", err)
	}
	return translateResponse(msg), nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classify("messages.stream", err)
	}
	return newStreamer(stream), nil
}

// ListModels implements model.Client.
func (c *Client) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	var out []model.ModelInfo
	iter := c.sdk.Models.ListAutoPaging(ctx, sdk.ModelListParams{})
	for iter.Next() {
		m := iter.Current()
		out = append(out, model.ModelInfo{ID: string(m.ID), OwnedBy: "anthropic"})
	}
	if err := iter.Err(); err != nil {
		return nil, classify("models.list", err)
	}
	return out, nil
}

func prepareRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if req.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(req.Model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if req.ToolChoice == model.ToolChoiceNone {
		none := sdk.NewToolChoiceNoneParam()
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfNone: &none}
	}
	applyCacheBreakpoints(&params)
	return &params, nil
}

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(model.TextPart); ok && v.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: v.Text})
				}
			}
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ToolUsePart:
				if v.Name == "" {
					return nil, nil, errors.New("anthropic: tool_use part missing name")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Args, v.Name))
			case model.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, string(v.Content), v.IsError))
			default:
				// Media references and reasoning parts are not re-encoded.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser, model.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// applyCacheBreakpoints marks the stable prefix for prompt caching: the last
// system block and the final content block of the last completed turn. The
// trailing message is the part of the prompt that changes between iterations
// and stays uncached.
func applyCacheBreakpoints(params *sdk.MessageNewParams) {
	if n := len(params.System); n > 0 {
		params.System[n-1].CacheControl = sdk.NewCacheControlEphemeralParam()
	}
	if len(params.Messages) < 2 {
		return
	}
	stable := &params.Messages[len(params.Messages)-2]
	if n := len(stable.Content); n > 0 {
		markBlockCached(&stable.Content[n-1])
	}
}

func markBlockCached(block *sdk.ContentBlockParamUnion) {
	switch {
	case block.OfText != nil:
		block.OfText.CacheControl = sdk.NewCacheControlEphemeralParam()
	case block.OfToolResult != nil:
		block.OfToolResult.CacheControl = sdk.NewCacheControlEphemeralParam()
	case block.OfToolUse != nil:
		block.OfToolUse.CacheControl = sdk.NewCacheControlEphemeralParam()
	}
}

func translateResponse(msg *sdk.Message) model.Response {
	out := model.Response{}
	m := model.Message{Role: model.RoleAssistant}
	callIndex := 0
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				m.Parts = append(m.Parts, model.TextPart{Text: block.Text})
			}
		case "thinking":
			if block.Thinking != "" {
				m.Parts = append(m.Parts, model.ReasoningPart{Text: block.Thinking, Signature: block.Signature})
			}
		case "tool_use":
			call := model.ToolCall{
				ID:        block.ID,
				Index:     callIndex,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			}
			callIndex++
			out.ToolCalls = append(out.ToolCalls, call)
			m.Parts = append(m.Parts, model.ToolUsePart{ID: call.ID, Name: call.Name, Args: call.Arguments})
		}
	}
	out.Message = m
	out.Usage = model.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	out.StopReason = normalizeStop(string(msg.StopReason))
	return out
}

func normalizeStop(reason string) model.StopReason {
	switch reason {
	case "max_tokens":
		return model.StopLength
	case "tool_use":
		return model.StopToolCalls
	case "refusal":
		return model.StopContentFilter
	default:
		return model.StopEnd
	}
}

func classify(operation string, err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		kind, retryable := model.ClassifyStatus(apierr.StatusCode)
		return model.NewProviderError(providerName, operation, apierr.StatusCode, kind, "upstream request failed", retryable, err)
	}
	return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnavailable, err.Error(), true, err)
}
