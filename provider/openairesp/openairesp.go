// Package openairesp implements the Responses API adapter used only for
// provider type openai on the official api.openai.com host. The adapter keeps
// per-conversation provider state: the previous_response_id returned by the
// upstream lets it send only the new turn instead of the full history. State
// is cleared on message edit and forks start fresh.
package openairesp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/chatforge/chatforge/model"
)

const providerName = "openai_responses"

type (
	// StateStore persists the previous_response_id per conversation.
	// Implemented by the persistence coordinator.
	StateStore interface {
		PreviousResponseID(ctx context.Context, conversationID string) (string, error)
		SetPreviousResponseID(ctx context.Context, conversationID, responseID string) error
		ClearProviderState(ctx context.Context, conversationID string) error
	}

	// Options configures the adapter.
	Options struct {
		APIKey       string
		BaseURL      string
		ExtraHeaders map[string]string
		HTTPClient   *http.Client
		State        StateStore
	}

	// Client implements model.Client over the Responses API.
	Client struct {
		sdk   openai.Client
		state StateStore
	}
)

// New builds the adapter.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openairesp: api key is required")
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
	return &Client{sdk: openai.NewClient(reqOpts...), state: opts.State}, nil
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.encodeRequest(ctx, req)
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.sdk.Responses.New(ctx, params)
	if err != nil {
		return model.Response{}, classify("responses.new", err)
	}
	c.recordState(ctx, req.ConversationID, resp.ID)
	return translateResponse(resp), nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.encodeRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	stream := c.sdk.Responses.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, classify("responses.stream", err)
	}
	return newStreamer(stream, func(responseID string) {
		c.recordState(ctx, req.ConversationID, responseID)
	}), nil
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

func (c *Client) encodeRequest(ctx context.Context, req model.Request) (responses.ResponseNewParams, error) {
	if req.Model == "" {
		return responses.ResponseNewParams{}, errors.New("openairesp: model is required")
	}
	if len(req.Messages) == 0 {
		return responses.ResponseNewParams{}, errors.New("openairesp: messages are required")
	}

	previousID := c.previousID(ctx, req.ConversationID)
	msgs := req.Messages
	if previousID != "" {
		// The upstream already holds the history through the previous response;
		// send only the turns after the last assistant message.
		msgs = tailAfterAssistant(msgs)
	}

	input, system, err := encodeInput(msgs)
	if err != nil {
		return responses.ResponseNewParams{}, err
	}
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(req.Model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: input},
	}
	if previousID != "" {
		params.PreviousResponseID = openai.String(previousID)
	}
	if system != "" {
		params.Instructions = openai.String(system)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ReasoningEffort != "" {
		params.Reasoning = shared.ReasoningParam{Effort: shared.ReasoningEffort(req.ReasoningEffort)}
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if req.ToolChoice == model.ToolChoiceNone {
		params.ToolChoice = responses.ResponseNewParamsToolChoiceUnion{OfToolChoiceMode: openai.Opt(responses.ToolChoiceOptionsNone)}
	}
	return params, nil
}

func (c *Client) previousID(ctx context.Context, conversationID string) string {
	if c.state == nil || conversationID == "" {
		return ""
	}
	id, err := c.state.PreviousResponseID(ctx, conversationID)
	if err != nil {
		return ""
	}
	return id
}

func (c *Client) recordState(ctx context.Context, conversationID, responseID string) {
	if c.state == nil || conversationID == "" || responseID == "" {
		return
	}
	_ = c.state.SetPreviousResponseID(ctx, conversationID, responseID)
}

// tailAfterAssistant returns the messages after the last assistant turn.
func tailAfterAssistant(msgs []model.Message) []model.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleAssistant {
			return msgs[i+1:]
		}
	}
	return msgs
}

// encodeInput maps canonical history to response input items. Only text and
// tool parts are re-encoded; media reference parts are opaque blob handles
// the adapter never dereferences, so they do not reach the provider.
func encodeInput(msgs []model.Message) (responses.ResponseInputParam, string, error) {
	var (
		input  responses.ResponseInputParam
		system string
	)
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			system += m.Text()
		case model.RoleUser:
			input = append(input, responses.ResponseInputItemParamOfMessage(m.Text(), responses.EasyInputMessageRoleUser))
		case model.RoleAssistant:
			if text := m.Text(); text != "" {
				input = append(input, responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleAssistant))
			}
			for _, p := range m.Parts {
				if tu, ok := p.(model.ToolUsePart); ok {
					input = append(input, responses.ResponseInputItemParamOfFunctionCall(string(tu.Args), tu.ID, tu.Name))
				}
			}
		case model.RoleTool:
			for _, p := range m.Parts {
				tr, ok := p.(model.ToolResultPart)
				if !ok {
					continue
				}
				input = append(input, responses.ResponseInputItemParamOfFunctionCallOutput(tr.ToolUseID, string(tr.Content)))
			}
		default:
			return nil, "", fmt.Errorf("openairesp: unsupported role %q", m.Role)
		}
	}
	return input, system, nil
}

func encodeTools(defs []model.ToolDefinition) []responses.ToolUnionParam {
	out := make([]responses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var params map[string]any
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &params)
		}
		out = append(out, responses.ToolUnionParam{OfFunction: &responses.FunctionToolParam{
			Name:        def.Name,
			Description: openai.String(def.Description),
			Parameters:  params,
			Strict:      openai.Bool(false),
		}})
	}
	return out
}

func translateResponse(resp *responses.Response) model.Response {
	out := model.Response{StopReason: model.StopEnd}
	msg := model.Message{Role: model.RoleAssistant}
	callIndex := 0
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, content := range item.Content {
				if content.Type == "output_text" && content.Text != "" {
					msg.Parts = append(msg.Parts, model.TextPart{Text: content.Text})
				}
			}
		case "function_call":
			call := model.ToolCall{
				ID:        item.CallID,
				Index:     callIndex,
				Name:      item.Name,
				Arguments: normalizeArgs(item.Arguments),
			}
			callIndex++
			out.ToolCalls = append(out.ToolCalls, call)
			msg.Parts = append(msg.Parts, model.ToolUsePart{ID: call.ID, Name: call.Name, Args: call.Arguments})
		case "reasoning":
			for _, summary := range item.Summary {
				if summary.Text != "" {
					msg.Parts = append(msg.Parts, model.ReasoningPart{Text: summary.Text})
				}
			}
		}
	}
	out.Message = msg
	if len(out.ToolCalls) > 0 {
		out.StopReason = model.StopToolCalls
	}
	out.Usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
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

func classify(operation string, err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		kind, retryable := model.ClassifyStatus(apierr.StatusCode)
		return model.NewProviderError(providerName, operation, apierr.StatusCode, kind, "upstream request failed", retryable, err)
	}
	return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnavailable, err.Error(), true, err)
}
