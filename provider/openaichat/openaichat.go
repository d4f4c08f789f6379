// Package openaichat implements the Chat Completions adapter used for OpenAI
// and OpenAI-compatible third-party providers. Tool calls stream as
// fragmentary JSON keyed by index; the streamer accumulates fragments and
// emits a completed call per index when the turn finishes.
package openaichat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/chatforge/chatforge/model"
)

const providerName = "openai_chat"

// Options configures the adapter.
type Options struct {
	APIKey       string
	BaseURL      string
	ExtraHeaders map[string]string
	HTTPClient   *http.Client
}

// Client implements model.Client over the Chat Completions API.
type Client struct {
	sdk openai.Client
}

// New builds the adapter.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openaichat: api key is required")
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
	return &Client{sdk: openai.NewClient(reqOpts...)}, nil
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, reqOpts, err := encodeRequest(req, false)
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.sdk.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return model.Response{}, classify("chat.completions", err)
	}
	return translateResponse(resp), nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, reqOpts, err := encodeRequest(req, true)
	if err != nil {
		return nil, err
	}
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params, reqOpts...)
	if err := stream.Err(); err != nil {
		return nil, classify("chat.completions.stream", err)
	}
	return newStreamer(stream), nil
}

// ListModels implements model.Client.
func (c *Client) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	var out []model.ModelInfo
	iter := c.sdk.Models.ListAutoPaging(ctx)
	for iter.Next() {
		m := iter.Current()
		out = append(out, model.ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	if err := iter.Err(); err != nil {
		return nil, classify("models.list", err)
	}
	return out, nil
}

func encodeRequest(req model.Request, stream bool) (openai.ChatCompletionNewParams, []option.RequestOption, error) {
	if req.Model == "" {
		return openai.ChatCompletionNewParams{}, nil, errors.New("openaichat: model is required")
	}
	if len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, nil, errors.New("openaichat: messages are required")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: msgs,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ReasoningEffort != "" {
		params.ReasoningEffort = shared.ReasoningEffort(req.ReasoningEffort)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if req.ToolChoice == model.ToolChoiceNone {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("none")}
	}
	if stream {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	}
	var reqOpts []option.RequestOption
	if req.Verbosity != "" {
		// The pinned SDK predates the verbosity param, so it rides as a raw
		// body field.
		reqOpts = append(reqOpts, option.WithJSONSet("verbosity", req.Verbosity))
	}
	for k, v := range req.Extra {
		reqOpts = append(reqOpts, option.WithJSONSet(k, v))
	}
	return params, reqOpts, nil
}

// encodeMessages maps canonical history to the wire format. Only text and
// tool parts are re-encoded; media reference parts are opaque blob handles
// the adapter never dereferences, so they do not reach the provider.
func encodeMessages(msgs []model.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Text()))
		case model.RoleUser:
			out = append(out, openai.UserMessage(m.Text()))
		case model.RoleAssistant:
			out = append(out, encodeAssistant(m))
		case model.RoleTool:
			for _, p := range m.Parts {
				tr, ok := p.(model.ToolResultPart)
				if !ok {
					continue
				}
				out = append(out, openai.ToolMessage(string(tr.Content), tr.ToolUseID))
			}
		default:
			return nil, fmt.Errorf("openaichat: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

func encodeAssistant(m model.Message) openai.ChatCompletionMessageParamUnion {
	asst := openai.ChatCompletionAssistantMessageParam{}
	if text := m.Text(); text != "" {
		asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
	}
	for _, p := range m.Parts {
		tu, ok := p.(model.ToolUsePart)
		if !ok {
			continue
		}
		asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tu.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tu.Name,
				Arguments: string(tu.Args),
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

func encodeTools(defs []model.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		var params shared.FunctionParameters
		if len(def.InputSchema) > 0 {
			var m map[string]any
			if err := json.Unmarshal(def.InputSchema, &m); err == nil {
				params = shared.FunctionParameters(m)
			}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

func translateResponse(resp *openai.ChatCompletion) model.Response {
	out := model.Response{StopReason: model.StopEnd}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	msg := model.Message{Role: model.RoleAssistant}
	if choice.Message.Content != "" {
		msg.Parts = append(msg.Parts, model.TextPart{Text: choice.Message.Content})
	}
	for i, tc := range choice.Message.ToolCalls {
		call := model.ToolCall{
			ID:        tc.ID,
			Index:     i,
			Name:      tc.Function.Name,
			Arguments: normalizeArgs(tc.Function.Arguments),
		}
		out.ToolCalls = append(out.ToolCalls, call)
		msg.Parts = append(msg.Parts, model.ToolUsePart{ID: call.ID, Name: call.Name, Args: call.Arguments})
	}
	out.Message = msg
	out.StopReason = normalizeFinish(string(choice.FinishReason))
	out.Usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	return out
}

func normalizeArgs(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

func normalizeFinish(reason string) model.StopReason {
	switch reason {
	case "length":
		return model.StopLength
	case "tool_calls", "function_call":
		return model.StopToolCalls
	case "content_filter":
		return model.StopContentFilter
	default:
		return model.StopEnd
	}
}

func classify(operation string, err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		kind, retryable := model.ClassifyStatus(apierr.StatusCode)
		return model.NewProviderError(providerName, operation, apierr.StatusCode, kind, "upstream request failed", retryable, err)
	}
	return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnavailable, err.Error(), true, err)
}

// unquoteExtra decodes a raw JSON string captured from an extra field.
func unquoteExtra(raw string) string {
	if raw == "" {
		return ""
	}
	if s, err := strconv.Unquote(raw); err == nil {
		return s
	}
	return ""
}
