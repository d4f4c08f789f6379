package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/chatforge/chatforge/auth"
	"github.com/chatforge/chatforge/model"
	"github.com/chatforge/chatforge/orchestrate"
	"github.com/chatforge/chatforge/provider"
	"github.com/chatforge/chatforge/sse"
	"github.com/chatforge/chatforge/store"
	"github.com/chatforge/chatforge/telemetry"
	"github.com/chatforge/chatforge/tools"
)

// handleCompletions is the main entry: intent-enveloped chat completion with
// optional streaming and server-side tool orchestration.
func (s *Service) handleCompletions(c *gin.Context) {
	p, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, Error{Kind: KindUnauthorized, Message: "authentication required"})
		return
	}
	var body CompletionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, validationError("invalid JSON body", ""))
		return
	}
	if err := body.validateAppend(); err != nil {
		writeError(c, err)
		return
	}
	comp := body.Intent.Completion

	requestID := c.GetHeader("x-client-request-id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx := telemetry.WithRequest(c.Request.Context(), p.UserID, requestID)
	if err := s.store.EnsureUser(ctx, p.UserID, p.Email); err != nil {
		writeError(c, err)
		return
	}

	conv, err := s.resolveConversation(ctx, p.UserID, body)
	if err != nil {
		writeError(c, err)
		return
	}
	ctx = telemetry.WithConversation(ctx, conv.ID)

	rec, err := s.resolveProvider(ctx, p.UserID, comp.ProviderID, c.GetHeader("x-provider-id"), conv)
	if err != nil {
		writeError(c, err)
		return
	}
	client, err := s.newClient(rec)
	if err != nil {
		writeError(c, err)
		return
	}

	toolNames := s.tools.Filter(ctx, p.UserID, comp.Tools, s.store)
	strategy := SelectStrategy(len(toolNames), comp.Stream)
	log.Info(ctx, log.KV{K: "msg", V: "dispatching"}, log.KV{K: "strategy", V: string(strategy)}, log.KV{K: "model", V: comp.Model})

	handle, err := s.abort.Register(ctx, p.UserID, requestID)
	if err != nil {
		writeError(c, validationError("request_id is already active", ""))
		return
	}
	defer s.abort.Unregister(handle)
	ctx = handle.Context()

	if err := s.appendUserMessages(ctx, p.UserID, conv.ID, body.Intent); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The completions surface reports lock conflicts as a 400
			// validation error with error_code "conflict".
			writeError(c, validationError("conversation has moved past expected_last_seq", CodeConflict))
			return
		}
		writeError(c, err)
		return
	}

	history, err := s.buildHistory(ctx, p.UserID, conv)
	if err != nil {
		writeError(c, err)
		return
	}
	req := model.Request{
		Model:           comp.Model,
		ConversationID:  conv.ID,
		Messages:        history,
		Temperature:     comp.Temperature,
		MaxTokens:       comp.MaxTokens,
		ReasoningEffort: comp.ReasoningEffort,
		Verbosity:       comp.Verbosity,
		Extra:           comp.Extra,
	}
	if strategy.UsesTools() {
		req.Tools = s.tools.Definitions(toolNames)
	}
	req = provider.StripUnsupported(req, rec.Metadata)

	asst, err := s.store.BeginAssistantMessage(ctx, p.UserID, conv.ID, rec.ID, comp.Model)
	if err != nil {
		writeError(c, err)
		return
	}
	writer := store.NewMessageWriter(s.store, p.UserID, asst.ID)

	iters := s.defaultIters
	if settings, err := s.store.GetUserSettings(ctx, p.UserID); err == nil && settings.MaxToolIterations > 0 {
		iters = settings.MaxToolIterations
	}
	orch := &orchestrate.Orchestrator{Client: client, Registry: s.tools}
	turn := orchestrate.Turn{
		Request: req,
		Invocation: tools.Invocation{
			UserID:         p.UserID,
			ConversationID: conv.ID,
			RequestID:      requestID,
		},
		MaxIterations: orchestrate.ClampIterations(iters),
		Streaming:     strategy.Streaming(),
	}

	if strategy.Streaming() {
		s.runStreaming(ctx, c, orch, turn, writer, asst, conv, comp.Model)
		return
	}
	s.runBuffered(ctx, c, orch, turn, writer, asst, conv, comp.Model)
}

// handleStop signals the abort handle for the caller's in-flight request.
func (s *Service) handleStop(c *gin.Context) {
	p, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, Error{Kind: KindUnauthorized, Message: "authentication required"})
		return
	}
	var body struct {
		RequestID string `json:"request_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.RequestID == "" {
		writeError(c, validationError("request_id is required", ""))
		return
	}
	stopped := s.abort.Signal(p.UserID, body.RequestID)
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

// eventSink fans orchestrator events out to the journal and, when streaming,
// the SSE framer.
type eventSink struct {
	writer *store.MessageWriter
	framer *sse.Framer
	enc    *sse.Encoder
}

func (s *eventSink) Emit(ctx context.Context, ev model.Event) error {
	if err := s.writer.Append(ctx, ev); err != nil {
		// A journal gap would make replay lie about what streamed, so the
		// turn fails rather than carrying on without the record.
		log.Errorf(ctx, err, "event journal append failed")
		return fmt.Errorf("chat: journal append: %w", err)
	}
	if s.framer == nil {
		return nil
	}
	frame := s.enc.Encode(ev)
	if frame == nil {
		return nil
	}
	return s.framer.Send(frame)
}

func (s *eventSink) Checkpoint(ctx context.Context) error {
	return s.writer.Checkpoint(ctx)
}

func (s *Service) runStreaming(ctx context.Context, c *gin.Context, orch *orchestrate.Orchestrator, turn orchestrate.Turn, writer *store.MessageWriter, asst store.Message, conv store.Conversation, modelName string) {
	framer := sse.NewFramer(c.Writer)
	if err := framer.Open(); err != nil {
		writeError(c, err)
		return
	}
	defer framer.Close()

	enc := sse.NewEncoder("chatcmpl-"+uuid.NewString(), modelName, time.Now().Unix())
	sink := &eventSink{writer: writer, framer: framer, enc: enc}

	res, runErr := orch.Run(ctx, turn, sink)
	if runErr != nil || res.Aborted {
		kind, msg := KindAborted, "request aborted"
		if runErr != nil {
			e := classify(runErr)
			kind, msg = e.Kind, e.Message
		}
		// Journal the terminal error before finalization, then frame it.
		flushCtx := context.WithoutCancel(ctx)
		_ = sink.Emit(flushCtx, model.ErrorEvent{Kind: kind, Message: msg})
		_ = sink.Checkpoint(flushCtx)
	}
	s.finalize(ctx, asst, res, runErr)
}

func (s *Service) runBuffered(ctx context.Context, c *gin.Context, orch *orchestrate.Orchestrator, turn orchestrate.Turn, writer *store.MessageWriter, asst store.Message, conv store.Conversation, modelName string) {
	sink := &eventSink{writer: writer}
	res, runErr := orch.Run(ctx, turn, sink)
	if runErr != nil {
		flushCtx := context.WithoutCancel(ctx)
		e := classify(runErr)
		_ = sink.Emit(flushCtx, model.ErrorEvent{Kind: e.Kind, Message: e.Message})
		_ = sink.Checkpoint(flushCtx)
		s.finalize(ctx, asst, res, runErr)
		writeError(c, runErr)
		return
	}
	s.finalize(ctx, asst, res, nil)
	c.JSON(http.StatusOK, completionResponse(asst, conv, res, modelName))
}

// finalize writes the terminal message state. Runs on a detached context so
// an aborted request still persists its tail.
func (s *Service) finalize(ctx context.Context, asst store.Message, res orchestrate.Result, runErr error) {
	status := store.StatusFinal
	switch {
	case res.Aborted:
		status = store.StatusAborted
	case runErr != nil:
		status = store.StatusError
	}
	replay := store.Replay{Text: res.Text, Reasoning: res.Reasoning}
	rows := make([]store.ToolCallRow, 0, len(res.ToolCalls))
	for _, rec := range res.ToolCalls {
		replay.ToolCalls = append(replay.ToolCalls, rec.Call)
		callStatus := store.ToolCallSuccess
		if rec.Output.IsError {
			callStatus = store.ToolCallError
		}
		started, completed := rec.StartedAt, rec.CompletedAt
		rows = append(rows, store.ToolCallRow{
			MessageID:   asst.ID,
			CallIndex:   rec.Call.Index,
			ToolName:    rec.Call.Name,
			Arguments:   rec.Call.Arguments,
			TextOffset:  rec.TextOffset,
			Status:      callStatus,
			OutputRef:   rec.Output.Payload,
			StartedAt:   &started,
			CompletedAt: &completed,
		})
	}
	if runErr != nil {
		e := classify(runErr)
		replay.ErrorKind, replay.ErrorMsg = e.Kind, e.Message
	}
	raw, _ := json.Marshal(map[string]any{
		"usage":       res.Usage,
		"stop_reason": res.StopReason,
		"iterations":  res.Iterations,
	})
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.store.FinalizeMessage(flushCtx, store.FinalizeInput{
		UserID:      asst.UserID,
		MessageID:   asst.ID,
		Status:      status,
		Replay:      replay,
		RawResponse: raw,
		ToolCalls:   rows,
	})
	if err != nil {
		log.Errorf(flushCtx, err, "message finalization failed")
	}
}

func (s *Service) resolveConversation(ctx context.Context, userID string, body CompletionBody) (store.Conversation, error) {
	if body.ConversationID != "" {
		return s.store.GetConversation(ctx, userID, body.ConversationID)
	}
	comp := body.Intent.Completion
	settings := store.ConversationSettings{
		Model:            comp.Model,
		ProviderID:       comp.ProviderID,
		ToolsEnabled:     len(comp.Tools) > 0,
		StreamingEnabled: comp.Stream,
		ReasoningEffort:  comp.ReasoningEffort,
		Verbosity:        comp.Verbosity,
		CustomParamsID:   comp.CustomRequestParamsID,
	}
	return s.store.CreateConversation(ctx, userID, titleFrom(body.Intent.Messages), settings)
}

// resolveProvider picks the provider record: explicit body ID, then header,
// then the conversation's snapshot, then the user default.
func (s *Service) resolveProvider(ctx context.Context, userID, bodyID, headerID string, conv store.Conversation) (provider.Record, error) {
	for _, id := range []string{bodyID, headerID, conv.Settings.ProviderID} {
		if id == "" {
			continue
		}
		rec, err := s.store.GetProviderRecord(ctx, userID, id)
		if err != nil {
			return provider.Record{}, err
		}
		if !rec.Enabled {
			return provider.Record{}, validationError("provider is disabled", "")
		}
		return rec, nil
	}
	rec, err := s.store.GetDefaultProviderRecord(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return provider.Record{}, validationError("no provider configured", "")
	}
	return rec, err
}

func (s *Service) appendUserMessages(ctx context.Context, userID, conversationID string, in *Intent) error {
	for i, wm := range in.Messages {
		parts, err := wm.Parts()
		if err != nil {
			return validationError("intent.messages: "+err.Error(), "")
		}
		input := store.AppendUserInput{
			ConversationID: conversationID,
			UserID:         userID,
			Parts:          parts,
		}
		if i == 0 {
			input.ClientMessageID = in.ClientOperation
			input.ExpectedLastSeq = in.ExpectedLastSeq
		}
		if _, err := s.store.AppendUserMessage(ctx, input); err != nil {
			return err
		}
	}
	return nil
}

// buildHistory converts stored messages into the upstream request history.
// Past tool traffic is not replayed upstream; assistant turns contribute
// their reasoning and text only.
func (s *Service) buildHistory(ctx context.Context, userID string, conv store.Conversation) ([]model.Message, error) {
	stored, err := s.store.ListMessages(ctx, userID, conv.ID)
	if err != nil {
		return nil, err
	}
	var history []model.Message
	if conv.Settings.SystemPrompt != "" {
		history = append(history, model.TextMessage(model.RoleSystem, conv.Settings.SystemPrompt))
	}
	for _, msg := range stored {
		switch msg.Role {
		case model.RoleUser:
			history = append(history, model.Message{Role: model.RoleUser, Parts: msg.Parts})
		case model.RoleAssistant:
			if msg.Status != store.StatusFinal {
				continue
			}
			var parts []model.Part
			for _, p := range msg.Parts {
				switch p.(type) {
				case model.TextPart, model.ReasoningPart:
					parts = append(parts, p)
				}
			}
			if len(parts) > 0 {
				history = append(history, model.Message{Role: model.RoleAssistant, Parts: parts})
			}
		}
	}
	return history, nil
}

// completionResponse is the buffered JSON shape, chat.completion compatible.
func completionResponse(asst store.Message, conv store.Conversation, res orchestrate.Result, modelName string) gin.H {
	msg := gin.H{"role": "assistant", "content": res.Text}
	if res.Reasoning != "" {
		msg["reasoning_content"] = res.Reasoning
	}
	return gin.H{
		"id":              "chatcmpl-" + asst.ID,
		"object":          "chat.completion",
		"created":         time.Now().Unix(),
		"model":           modelName,
		"conversation_id": conv.ID,
		"message_id":      asst.ID,
		"choices": []gin.H{{
			"index":         0,
			"message":       msg,
			"finish_reason": string(res.StopReason),
		}},
		"usage": gin.H{
			"prompt_tokens":     res.Usage.InputTokens,
			"completion_tokens": res.Usage.OutputTokens,
			"total_tokens":      res.Usage.TotalTokens,
		},
	}
}

func titleFrom(msgs []WireMessage) string {
	if len(msgs) == 0 {
		return "New conversation"
	}
	parts, err := msgs[0].Parts()
	if err != nil {
		return "New conversation"
	}
	text := (model.Message{Parts: parts}).Text()
	const maxTitle = 80
	if len(text) > maxTitle {
		return text[:maxTitle]
	}
	if text == "" {
		return "New conversation"
	}
	return text
}
