// Package orchestrate runs the iterative tool loop: stream a model turn,
// execute requested tools, feed results back and repeat until the model stops
// asking for tools or the iteration cap is hit. A cap of N permits N tool
// batches; once the model wants more, one extra round trip with tool_choice
// none forces a textual answer.
package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/chatforge/chatforge/model"
	"github.com/chatforge/chatforge/provider"
	"github.com/chatforge/chatforge/tools"
)

// Bounds on the loop.
const (
	// DefaultMaxIterations applies when the user has no override.
	DefaultMaxIterations = 10
	// MinIterations and MaxIterations clamp user overrides.
	MinIterations = 1
	MaxIterations = 50
)

// turnRetry allows one retry per iteration for retryable upstream failures.
var turnRetry = provider.Backoff{
	Base:        time.Second,
	Cap:         4 * time.Second,
	Jitter:      0.2,
	MaxAttempts: 2,
}

// ClampIterations normalizes a user-configured iteration cap.
func ClampIterations(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxIterations
	case n < MinIterations:
		return MinIterations
	case n > MaxIterations:
		return MaxIterations
	default:
		return n
	}
}

type (
	// Sink receives every event the loop produces, in order. Implementations
	// fan out to the SSE framer and the event journal.
	Sink interface {
		Emit(ctx context.Context, ev model.Event) error
		// Checkpoint is called before terminal frames so the journal never
		// trails what the client saw.
		Checkpoint(ctx context.Context) error
	}

	// Turn is one orchestrated assistant turn.
	Turn struct {
		// Request is the base model request. Messages grow as the loop appends
		// assistant turns and tool results.
		Request model.Request
		// Invocation is the identity tools execute under.
		Invocation tools.Invocation
		// MaxIterations caps model round trips. Zero uses the default.
		MaxIterations int
		// Streaming selects Stream over Complete for model turns.
		Streaming bool
	}

	// ToolCallRecord is one executed tool call with its timing and output.
	ToolCallRecord struct {
		Call model.ToolCall
		// TextOffset is the length of assistant text emitted before the call
		// was requested, across all iterations of the turn.
		TextOffset  int
		Output      tools.Output
		StartedAt   time.Time
		CompletedAt time.Time
	}

	// Result summarizes a finished turn.
	Result struct {
		Text       string
		Reasoning  string
		ToolCalls  []ToolCallRecord
		Usage      model.TokenUsage
		StopReason model.StopReason
		Iterations int
		// Aborted is set when the turn ended on an explicit stop or
		// disconnect rather than a model stop.
		Aborted bool
	}

	// Orchestrator drives turns against one provider client.
	Orchestrator struct {
		Client   model.Client
		Registry *tools.Registry
	}
)

// ErrAborted reports a turn ended by cancellation.
var ErrAborted = errors.New("orchestrate: turn aborted")

// Run executes the turn. Events flow to sink as they happen; the returned
// Result carries the accumulated state for finalization. A canceled context
// yields Result.Aborted with a nil error after the abort has been journaled.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, sink Sink) (Result, error) {
	var (
		res      Result
		req      = turn.Request
		maxIters = ClampIterations(turn.MaxIterations)
	)
	// Tool batches run on iterations 0..maxIters-1; iteration maxIters is one
	// extra round trip with tool_choice none so the cap never eats a batch.
	for iter := 0; iter <= maxIters; iter++ {
		res.Iterations = iter + 1
		forced := iter == maxIters
		if forced && len(req.Tools) > 0 {
			req.ToolChoice = model.ToolChoiceNone
		}

		state, err := o.modelTurn(ctx, req, turn.Streaming, sink, &res)
		if err != nil {
			return o.finish(ctx, res, sink, err)
		}
		res.Usage = addUsage(res.Usage, state.usage)
		res.StopReason = state.stop

		if forced || state.stop != model.StopToolCalls || len(state.calls) == 0 {
			return o.finish(ctx, res, sink, nil)
		}

		records, err := o.executeCalls(ctx, state, turn.Invocation, len(res.ToolCalls), maxIters, sink)
		res.ToolCalls = append(res.ToolCalls, records...)
		if err != nil {
			return o.finish(ctx, res, sink, err)
		}
		req.Messages = appendToolExchange(req.Messages, state, records)
	}
	return o.finish(ctx, res, sink, nil)
}

// addUsage accumulates per-iteration token counts into the turn total.
func addUsage(total, turn model.TokenUsage) model.TokenUsage {
	total.InputTokens += turn.InputTokens
	total.OutputTokens += turn.OutputTokens
	total.TotalTokens += turn.TotalTokens
	return total
}

// turnState accumulates one model round trip. offsets[i] is the length of the
// turn's assistant text at the moment calls[i] finished assembling.
type turnState struct {
	text      string
	reasoning string
	calls     []model.ToolCall
	offsets   []int
	usage     model.TokenUsage
	stop      model.StopReason
}

func (s turnState) dirty() bool {
	return s.text != "" || s.reasoning != "" || len(s.calls) > 0
}

func (o *Orchestrator) modelTurn(ctx context.Context, req model.Request, streaming bool, sink Sink, res *Result) (turnState, error) {
	var state turnState
	op := func(ctx context.Context) error {
		state = turnState{}
		return o.runOnce(ctx, req, streaming, sink, &state, res)
	}
	// Retry only failures that happen before any output reached the client;
	// a mid-stream retry would duplicate emitted deltas.
	retryable := func(err error) bool {
		return !state.dirty() && provider.RetryableProviderError(err)
	}
	err := provider.Retry(ctx, turnRetry, retryable, op)
	return state, err
}

func (o *Orchestrator) runOnce(ctx context.Context, req model.Request, streaming bool, sink Sink, state *turnState, res *Result) error {
	if !streaming {
		resp, err := o.Client.Complete(ctx, req)
		if err != nil {
			return err
		}
		return o.replayResponse(ctx, resp, sink, state, res)
	}
	s, err := o.Client.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		resp, cerr := o.Client.Complete(ctx, req)
		if cerr != nil {
			return cerr
		}
		return o.replayResponse(ctx, resp, sink, state, res)
	}
	if err != nil {
		return err
	}
	defer s.Close()

	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := o.consume(ctx, ev, sink, state, res); err != nil {
			return err
		}
		if _, done := ev.(model.StopEvent); done {
			return nil
		}
	}
}

func (o *Orchestrator) consume(ctx context.Context, ev model.Event, sink Sink, state *turnState, res *Result) error {
	switch v := ev.(type) {
	case model.ContentDelta:
		state.text += v.Text
		res.Text += v.Text
	case model.ReasoningDelta:
		state.reasoning += v.Text
		res.Reasoning += v.Text
	case model.ToolCallDone:
		state.calls = append(state.calls, v.Call)
		state.offsets = append(state.offsets, len(res.Text))
	case model.UsageEvent:
		state.usage = v.Usage
	case model.StopEvent:
		state.stop = v.Reason
	}
	return sink.Emit(ctx, ev)
}

// replayResponse turns a non-streaming response into the same event sequence
// a stream would have produced.
func (o *Orchestrator) replayResponse(ctx context.Context, resp model.Response, sink Sink, state *turnState, res *Result) error {
	for _, part := range resp.Message.Parts {
		switch p := part.(type) {
		case model.TextPart:
			if err := o.consume(ctx, model.ContentDelta{Text: p.Text}, sink, state, res); err != nil {
				return err
			}
		case model.ReasoningPart:
			if err := o.consume(ctx, model.ReasoningDelta{Text: p.Text}, sink, state, res); err != nil {
				return err
			}
		}
	}
	for _, call := range resp.ToolCalls {
		if err := o.consume(ctx, model.ToolCallDone{Call: call}, sink, state, res); err != nil {
			return err
		}
	}
	if resp.Usage != (model.TokenUsage{}) {
		if err := o.consume(ctx, model.UsageEvent{Usage: resp.Usage}, sink, state, res); err != nil {
			return err
		}
	}
	return o.consume(ctx, model.StopEvent{Reason: resp.StopReason}, sink, state, res)
}

// executeCalls runs the turn's tool calls with bounded parallelism and emits
// their outputs in call-index order once all have completed. Call indexes are
// rebased by the number of calls already executed in earlier iterations so
// they stay unique across the whole turn. The parallelism bound is the user's
// iteration cap.
func (o *Orchestrator) executeCalls(ctx context.Context, state turnState, inv tools.Invocation, baseIndex, parallel int, sink Sink) ([]ToolCallRecord, error) {
	records := make([]ToolCallRecord, len(state.calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, call := range state.calls {
		call.Index = baseIndex + i
		offset := state.offsets[i]
		g.Go(func() error {
			rec := ToolCallRecord{Call: call, TextOffset: offset, StartedAt: time.Now()}
			out, err := o.Registry.Execute(gctx, call.Name, call.Arguments, inv)
			if err != nil {
				// Unknown tool. Feed the failure back to the model instead of
				// killing the turn.
				out = tools.Output{
					Payload: errorPayload("unknown_tool", err.Error()),
					IsError: true,
				}
				log.Errorf(gctx, err, "tool %q execution failed", call.Name)
			}
			rec.Output = out
			rec.CompletedAt = time.Now()
			records[i] = rec
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return records, err
	}
	for _, rec := range records {
		ev := model.ToolOutput{
			ID:      rec.Call.ID,
			Index:   rec.Call.Index,
			Name:    rec.Call.Name,
			Payload: rec.Output.Payload,
			IsError: rec.Output.IsError,
		}
		if err := sink.Emit(ctx, ev); err != nil {
			return records, err
		}
	}
	return records, nil
}

// appendToolExchange extends the history with the assistant's tool-calling
// turn and one tool message per result.
func appendToolExchange(msgs []model.Message, state turnState, records []ToolCallRecord) []model.Message {
	assistant := model.Message{Role: model.RoleAssistant}
	if state.reasoning != "" {
		assistant.Parts = append(assistant.Parts, model.ReasoningPart{Text: state.reasoning})
	}
	if state.text != "" {
		assistant.Parts = append(assistant.Parts, model.TextPart{Text: state.text})
	}
	for _, call := range state.calls {
		assistant.Parts = append(assistant.Parts, model.ToolUsePart{
			ID:   call.ID,
			Name: call.Name,
			Args: call.Arguments,
		})
	}
	msgs = append(msgs, assistant)
	for _, rec := range records {
		msgs = append(msgs, model.Message{
			Role: model.RoleTool,
			Parts: []model.Part{model.ToolResultPart{
				ToolUseID: rec.Call.ID,
				Content:   rec.Output.Payload,
				IsError:   rec.Output.IsError,
			}},
		})
	}
	return msgs
}

// finish flushes the journal and classifies the terminal condition. Context
// cancellation is reported through Result.Aborted, not as an error, so the
// caller can finalize the partial message.
func (o *Orchestrator) finish(ctx context.Context, res Result, sink Sink, err error) (Result, error) {
	if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
		res.Aborted = true
		err = nil
	}
	// Flush with a fresh context: the turn's context may already be canceled.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if ferr := sink.Checkpoint(flushCtx); ferr != nil {
		log.Errorf(flushCtx, ferr, "event checkpoint failed")
	}
	return res, err
}

func errorPayload(code, detail string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"error": code, "detail": detail})
	return payload
}
