// Package gemini implements the Gemini adapter on the google.golang.org/genai
// SDK. Model listings arrive prefixed with "models/", which the adapter
// strips, and 429 responses are retried with exponential backoff.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/chatforge/chatforge/model"
)

const providerName = "gemini"

// Backoff schedule applied to 429 responses.
const (
	retryBase     = 500 * time.Millisecond
	retryCap      = 8 * time.Second
	retryJitter   = 0.2
	retryAttempts = 5
)

type (
	// Options configures the adapter.
	Options struct {
		APIKey     string
		BaseURL    string
		HTTPClient *http.Client
	}

	// Client implements model.Client over the Gemini API.
	Client struct {
		opts Options
	}
)

// New builds the adapter. The genai SDK injects x-goog-api-key on every
// request.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	return &Client{opts: opts}, nil
}

func (c *Client) sdk(ctx context.Context) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:     c.opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.opts.HTTPClient,
	}
	if c.opts.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = c.opts.BaseURL
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, model.NewProviderError(providerName, "client", 0, model.ProviderErrorKindUnknown, err.Error(), false, err)
	}
	return client, nil
}

// Complete implements model.Client. Rate-limited calls are retried within the
// backoff budget.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return model.Response{}, err
	}
	contents, cfg, err := encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	var resp *genai.GenerateContentResponse
	err = retry429(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = client.Models.GenerateContent(ctx, req.Model, contents, cfg)
		return callErr
	})
	if err != nil {
		return model.Response{}, classify("generate_content", err)
	}
	return translateResponse(resp), nil
}

// Stream implements model.Client. The retry budget covers stream
// establishment only; an established stream is never replayed.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}
	contents, cfg, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	return newStreamer(ctx, client, req.Model, contents, cfg), nil
}

// ListModels implements model.Client, stripping the "models/" name prefix.
func (c *Client) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.ModelInfo
	for m, err := range client.Models.All(ctx) {
		if err != nil {
			return nil, classify("models.list", err)
		}
		name := m.Name
		if len(name) > len("models/") && name[:len("models/")] == "models/" {
			name = name[len("models/"):]
		}
		out = append(out, model.ModelInfo{ID: name, OwnedBy: "google"})
	}
	return out, nil
}

func encodeRequest(req model.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	if req.Model == "" {
		return nil, nil, errors.New("gemini: model is required")
	}
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("gemini: messages are required")
	}
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	// Only text and tool parts are re-encoded; media reference parts are
	// opaque blob handles the adapter never dereferences.
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			if text := m.Text(); text != "" {
				cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(text)}}
			}
		case model.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{genai.NewPartFromText(m.Text())},
			})
		case model.RoleAssistant:
			var parts []*genai.Part
			if text := m.Text(); text != "" {
				parts = append(parts, genai.NewPartFromText(text))
			}
			for _, p := range m.Parts {
				if tu, ok := p.(model.ToolUsePart); ok {
					var args map[string]any
					_ = json.Unmarshal(tu.Args, &args)
					parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tu.Name, Args: args}})
				}
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		case model.RoleTool:
			var parts []*genai.Part
			for _, p := range m.Parts {
				tr, ok := p.(model.ToolResultPart)
				if !ok {
					continue
				}
				var payload map[string]any
				if err := json.Unmarshal(tr.Content, &payload); err != nil {
					payload = map[string]any{"result": string(tr.Content)}
				}
				parts = append(parts, genai.NewPartFromFunctionResponse(tr.ToolUseID, payload))
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
			}
		default:
			return nil, nil, fmt.Errorf("gemini: unsupported role %q", m.Role)
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, def := range req.Tools {
			var schema map[string]any
			_ = json.Unmarshal(def.InputSchema, &schema)
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 def.Name,
				Description:          def.Description,
				ParametersJsonSchema: schema,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if req.ToolChoice == model.ToolChoiceNone {
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeNone},
		}
	}
	return contents, cfg, nil
}

func translateResponse(resp *genai.GenerateContentResponse) model.Response {
	out := model.Response{StopReason: model.StopEnd}
	msg := model.Message{Role: model.RoleAssistant}
	callIndex := 0
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					msg.Parts = append(msg.Parts, model.TextPart{Text: part.Text})
				}
				if fc := part.FunctionCall; fc != nil {
					call := toolCallFromFunction(fc, callIndex)
					callIndex++
					out.ToolCalls = append(out.ToolCalls, call)
					msg.Parts = append(msg.Parts, model.ToolUsePart{ID: call.ID, Name: call.Name, Args: call.Arguments})
				}
			}
		}
		out.StopReason = normalizeFinish(cand.FinishReason)
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = model.StopToolCalls
	}
	out.Message = msg
	if u := resp.UsageMetadata; u != nil {
		out.Usage = model.TokenUsage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	return out
}

func toolCallFromFunction(fc *genai.FunctionCall, index int) model.ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || len(args) == 0 {
		args = []byte(`{}`)
	}
	id := fc.ID
	if id == "" {
		// Gemini omits call identifiers; the function name correlates results.
		id = fc.Name
	}
	return model.ToolCall{ID: id, Index: index, Name: fc.Name, Arguments: args}
}

func normalizeFinish(reason genai.FinishReason) model.StopReason {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return model.StopLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return model.StopContentFilter
	default:
		return model.StopEnd
	}
}

func retry429(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !isRateLimited(err) || attempt == retryAttempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay(attempt)):
		}
	}
	return err
}

func retryDelay(attempt int) time.Duration {
	d := retryBase << attempt
	if d > retryCap {
		d = retryCap
	}
	spread := float64(d) * retryJitter
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

func isRateLimited(err error) bool {
	var apierr genai.APIError
	return errors.As(err, &apierr) && apierr.Code == http.StatusTooManyRequests
}

func classify(operation string, err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		kind, retryable := model.ClassifyStatus(apierr.Code)
		return model.NewProviderError(providerName, operation, apierr.Code, kind, "upstream request failed", retryable, err)
	}
	return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnavailable, err.Error(), true, err)
}
