package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/chatforge/abort"
	"github.com/chatforge/chatforge/auth"
	"github.com/chatforge/chatforge/model"
	"github.com/chatforge/chatforge/provider"
	"github.com/chatforge/chatforge/store"
	"github.com/chatforge/chatforge/tools"
)

var testSecret = []byte("chat-test-secret")

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]store.Conversation
	messages      map[string][]store.Message
	events        map[string][]store.EventRow
	finalized     map[string]store.FinalizeInput
	providers     map[string]provider.Record
	defaultProv   string
	settings      store.UserSettings
	toolKeys      map[string]string
	appendErr     error
}

func newFakeStore() *fakeStore {
	rec := provider.Record{
		ID:      "prov-1",
		Type:    provider.TypeGenericOAI,
		APIKey:  "sk-test",
		Enabled: true,
	}
	return &fakeStore{
		conversations: map[string]store.Conversation{},
		messages:      map[string][]store.Message{},
		events:        map[string][]store.EventRow{},
		finalized:     map[string]store.FinalizeInput{},
		providers:     map[string]provider.Record{rec.ID: rec},
		defaultProv:   rec.ID,
		toolKeys:      map[string]string{},
	}
}

func (f *fakeStore) EnsureUser(context.Context, string, string) error { return nil }

func (f *fakeStore) GetUserSettings(context.Context, string) (store.UserSettings, error) {
	return f.settings, nil
}

func (f *fakeStore) SetMaxToolIterations(_ context.Context, _ string, n int) error {
	f.settings.MaxToolIterations = n
	return nil
}

func (f *fakeStore) SetToolKey(_ context.Context, _, name, key string) error {
	f.toolKeys[name] = key
	return nil
}

func (f *fakeStore) HasToolKey(_ context.Context, _, name string) (bool, error) {
	return f.toolKeys[name] != "", nil
}

func (f *fakeStore) CreateConversation(_ context.Context, userID, title string, settings store.ConversationSettings) (store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := store.Conversation{
		ID:       uuid.NewString(),
		UserID:   userID,
		Title:    title,
		Settings: settings,
		NextSeq:  1,
	}
	f.conversations[conv.ID] = conv
	return conv, nil
}

func (f *fakeStore) GetConversation(_ context.Context, userID, id string) (store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[id]
	if !ok || conv.UserID != userID {
		return store.Conversation{}, store.ErrNotFound
	}
	return conv, nil
}

func (f *fakeStore) ListConversations(_ context.Context, userID string) ([]store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Conversation
	for _, conv := range f.conversations {
		if conv.UserID == userID {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateConversation(_ context.Context, userID, id string, patch store.ConversationPatch) (store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[id]
	if !ok || conv.UserID != userID {
		return store.Conversation{}, store.ErrNotFound
	}
	if patch.Title != nil {
		conv.Title = *patch.Title
	}
	if patch.Settings != nil {
		conv.Settings = *patch.Settings
	}
	if patch.Metadata != nil {
		conv.Metadata = patch.Metadata
	}
	f.conversations[id] = conv
	return conv, nil
}

func (f *fakeStore) DeleteConversation(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[id]
	if !ok || conv.UserID != userID {
		return store.ErrNotFound
	}
	delete(f.conversations, id)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, userID, conversationID string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv, ok := f.conversations[conversationID]; !ok || conv.UserID != userID {
		return nil, store.ErrNotFound
	}
	return append([]store.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeStore) AppendUserMessage(_ context.Context, in store.AppendUserInput) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return store.Message{}, f.appendErr
	}
	conv, ok := f.conversations[in.ConversationID]
	if !ok || conv.UserID != in.UserID {
		return store.Message{}, store.ErrNotFound
	}
	if in.ExpectedLastSeq != nil && *in.ExpectedLastSeq != conv.NextSeq-1 {
		return store.Message{}, store.ErrConflict
	}
	msg := store.Message{
		ID:              uuid.NewString(),
		ConversationID:  in.ConversationID,
		UserID:          in.UserID,
		Seq:             conv.NextSeq,
		ClientMessageID: in.ClientMessageID,
		Role:            model.RoleUser,
		Status:          store.StatusFinal,
		Parts:           in.Parts,
	}
	f.messages[in.ConversationID] = append(f.messages[in.ConversationID], msg)
	conv.NextSeq++
	f.conversations[in.ConversationID] = conv
	return msg, nil
}

func (f *fakeStore) BeginAssistantMessage(_ context.Context, userID, conversationID, providerID, modelName string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return store.Message{}, store.ErrNotFound
	}
	msg := store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Seq:            conv.NextSeq,
		Role:           model.RoleAssistant,
		Status:         store.StatusStreaming,
		ProviderID:     providerID,
		Model:          modelName,
	}
	f.messages[conversationID] = append(f.messages[conversationID], msg)
	conv.NextSeq++
	f.conversations[conversationID] = conv
	return msg, nil
}

func (f *fakeStore) AppendEvents(_ context.Context, _, messageID string, rows []store.EventRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[messageID] = append(f.events[messageID], rows...)
	return nil
}

func (f *fakeStore) FinalizeMessage(_ context.Context, in store.FinalizeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[in.MessageID] = in
	return nil
}

func (f *fakeStore) EditMessage(_ context.Context, userID, conversationID, clientMessageID string, expectedLastSeq *int64, parts []model.Part) (store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return store.Conversation{}, store.ErrNotFound
	}
	if expectedLastSeq != nil && *expectedLastSeq != conv.NextSeq-1 {
		return store.Conversation{}, store.ErrConflict
	}
	var edited *store.Message
	for i := range f.messages[conversationID] {
		if f.messages[conversationID][i].ClientMessageID == clientMessageID {
			edited = &f.messages[conversationID][i]
			break
		}
	}
	if edited == nil {
		return store.Conversation{}, store.ErrNotFound
	}
	fork := conv
	fork.ID = uuid.NewString()
	fork.ParentID = &conversationID
	fork.NextSeq = edited.Seq + 1
	f.conversations[fork.ID] = fork
	for _, m := range f.messages[conversationID] {
		if m.Seq < edited.Seq {
			m.ConversationID = fork.ID
			f.messages[fork.ID] = append(f.messages[fork.ID], m)
		}
	}
	f.messages[fork.ID] = append(f.messages[fork.ID], store.Message{
		ID:              uuid.NewString(),
		ConversationID:  fork.ID,
		UserID:          userID,
		Seq:             edited.Seq,
		ClientMessageID: clientMessageID,
		Role:            model.RoleUser,
		Status:          store.StatusFinal,
		Parts:           parts,
	})
	var kept []store.Message
	for _, m := range f.messages[conversationID] {
		if m.Seq <= edited.Seq {
			kept = append(kept, m)
		}
	}
	f.messages[conversationID] = kept
	conv.NextSeq = edited.Seq + 1
	f.conversations[conversationID] = conv
	return fork, nil
}

func (f *fakeStore) CreateProvider(_ context.Context, userID string, in store.ProviderInput) (store.ProviderView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := provider.Record{
		ID:          uuid.NewString(),
		OwnerUserID: userID,
		Type:        in.Type,
		BaseURL:     in.BaseURL,
		APIKey:      in.APIKey,
		Enabled:     in.Enabled,
	}
	f.providers[rec.ID] = rec
	return store.ProviderView{ID: rec.ID, Type: rec.Type, Enabled: rec.Enabled}, nil
}

func (f *fakeStore) ListProviders(context.Context, string) ([]store.ProviderView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ProviderView
	for _, rec := range f.providers {
		out = append(out, store.ProviderView{ID: rec.ID, Type: rec.Type, Enabled: rec.Enabled})
	}
	return out, nil
}

func (f *fakeStore) GetProviderRecord(_ context.Context, _, id string) (provider.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.providers[id]
	if !ok {
		return provider.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) GetDefaultProviderRecord(context.Context, string) (provider.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.providers[f.defaultProv]
	if !ok {
		return provider.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) UpdateProvider(_ context.Context, _, id string, _ store.ProviderPatch) (store.ProviderView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.providers[id]
	if !ok {
		return store.ProviderView{}, store.ErrNotFound
	}
	return store.ProviderView{ID: rec.ID, Type: rec.Type, Enabled: rec.Enabled}, nil
}

func (f *fakeStore) SetDefaultProvider(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.providers[id]; !ok {
		return store.ErrNotFound
	}
	f.defaultProv = id
	return nil
}

func (f *fakeStore) DeleteProvider(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.providers, id)
	return nil
}

func (f *fakeStore) ClearProviderState(context.Context, string) error { return nil }

func (f *fakeStore) finalizedStatus(messageID string) (store.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.finalized[messageID]
	return in.Status, ok
}

// fakeClient plays back scripted event streams, one per model turn.
type fakeClient struct {
	mu      sync.Mutex
	scripts [][]model.Event
	turn    int
	// blockCh, when set, makes the stream emit the first event and then wait
	// for ctx cancellation.
	blockCh chan struct{}
}

func (f *fakeClient) Stream(ctx context.Context, _ model.Request) (model.Streamer, error) {
	f.mu.Lock()
	script := f.scripts[min(f.turn, len(f.scripts)-1)]
	f.turn++
	f.mu.Unlock()
	return &fakeStream{ctx: ctx, events: script, blockCh: f.blockCh}, nil
}

func (f *fakeClient) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	return model.Response{
		Message:    model.TextMessage(model.RoleAssistant, "Hello there."),
		StopReason: model.StopEnd,
		Usage:      model.TokenUsage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7},
	}, nil
}

func (f *fakeClient) ListModels(context.Context) ([]model.ModelInfo, error) {
	return []model.ModelInfo{{ID: "m1"}, {ID: "m2"}}, nil
}

type fakeStream struct {
	ctx     context.Context
	events  []model.Event
	i       int
	blockCh chan struct{}
}

func (s *fakeStream) Recv() (model.Event, error) {
	if s.blockCh != nil && s.i == 1 {
		close(s.blockCh)
		s.blockCh = nil
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	if s.i >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

func (s *fakeStream) Close() error { return nil }

type fixture struct {
	router *gin.Engine
	store  *fakeStore
	svc    *Service
	token  string
	userID string
}

func newFixture(t *testing.T, client model.Client) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fs := newFakeStore()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Spec{
		Name:   "get_time",
		Schema: json.RawMessage(`{"type":"object"}`),
	}, func(context.Context, json.RawMessage, tools.Invocation) (any, error) {
		return map[string]string{"time": "2026-08-24T12:00:00Z"}, nil
	}))

	svc := New(Options{
		Store: fs,
		Abort: abort.NewRegistry(),
		Tools: reg,
		NewClient: func(provider.Record) (model.Client, error) {
			return client, nil
		},
	})
	router := gin.New()
	group := router.Group("/v1")
	group.Use(auth.Middleware(testSecret))
	svc.Mount(group)

	userID := uuid.NewString()
	token, err := auth.Sign(testSecret, auth.Principal{UserID: userID, SessionID: "s1"})
	require.NoError(t, err)
	return &fixture{router: router, store: fs, svc: svc, token: token, userID: userID}
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	f.router.ServeHTTP(w, req)
	return w
}

func appendBody(expectedLastSeq int, text string, stream bool, toolNames ...string) string {
	toolsJSON, _ := json.Marshal(toolNames)
	return fmt.Sprintf(`{
		"intent": {
			"type": "append_message",
			"client_operation": %q,
			"expected_last_seq": %d,
			"messages": [{"role": "user", "content": %q}],
			"completion": {"model": "m1", "stream": %v, "tools": %s}
		}
	}`, uuid.NewString(), expectedLastSeq, text, stream, toolsJSON)
}

func TestSelectStrategy(t *testing.T) {
	cases := []struct {
		tools  int
		stream bool
		want   Strategy
	}{
		{0, false, StrategyDirect},
		{0, true, StrategyStreaming},
		{1, false, StrategyToolsUnified},
		{2, true, StrategyToolsIterative},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SelectStrategy(tc.tools, tc.stream))
	}
	assert.True(t, StrategyStreaming.Streaming())
	assert.True(t, StrategyToolsIterative.Streaming())
	assert.False(t, StrategyToolsUnified.Streaming())
	assert.True(t, StrategyToolsUnified.UsesTools())
	assert.False(t, StrategyDirect.UsesTools())
}

func TestCompletionsDirect(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	w := f.do(http.MethodPost, "/v1/chat/completions", appendBody(0, "Hello", false), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		ConversationID string `json:"conversation_id"`
		Usage          struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.NotEmpty(t, resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	// Two messages persisted: user at seq 1, assistant at seq 2, finalized.
	msgs := f.store.messages[resp.ConversationID]
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, int64(2), msgs[1].Seq)
	status, ok := f.store.finalizedStatus(msgs[1].ID)
	require.True(t, ok)
	assert.Equal(t, store.StatusFinal, status)
}

func TestCompletionsStreaming(t *testing.T) {
	client := &fakeClient{scripts: [][]model.Event{{
		model.ContentDelta{Text: "Hel"},
		model.ContentDelta{Text: "lo"},
		model.UsageEvent{Usage: model.TokenUsage{TotalTokens: 5}},
		model.StopEvent{Reason: model.StopEnd},
	}}}
	f := newFixture(t, client)

	w := f.do(http.MethodPost, "/v1/chat/completions", appendBody(0, "Hi", true), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `"content":"Hel"`)
	assert.Contains(t, body, `"content":"lo"`)
	assert.Contains(t, body, `"type":"usage"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	// Journaled events concatenate to the streamed text.
	var text string
	for _, msgs := range f.store.messages {
		for _, m := range msgs {
			if m.Role == model.RoleAssistant {
				replay, err := store.ReplayEvents(f.store.events[m.ID])
				require.NoError(t, err)
				text = replay.Text
			}
		}
	}
	assert.Equal(t, "Hello", text)
}

func TestCompletionsToolIterative(t *testing.T) {
	client := &fakeClient{scripts: [][]model.Event{
		{
			model.ToolCallDelta{ID: "call_1", Index: 0, Name: "get_time"},
			model.ToolCallDone{Call: model.ToolCall{ID: "call_1", Index: 0, Name: "get_time", Arguments: json.RawMessage(`{}`)}},
			model.StopEvent{Reason: model.StopToolCalls},
		},
		{
			model.ContentDelta{Text: "It is noon."},
			model.StopEvent{Reason: model.StopEnd},
		},
	}}
	f := newFixture(t, client)

	w := f.do(http.MethodPost, "/v1/chat/completions", appendBody(0, "What time is it?", true, "get_time"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	callIdx := strings.Index(body, `"name":"get_time"`)
	outputIdx := strings.Index(body, `"type":"tool_output"`)
	contentIdx := strings.Index(body, `"content":"It is noon."`)
	require.Positive(t, callIdx)
	require.Positive(t, outputIdx)
	require.Positive(t, contentIdx)
	assert.Less(t, callIdx, outputIdx)
	assert.Less(t, outputIdx, contentIdx)
	assert.Contains(t, body, "2026-08-24T12:00:00Z")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	// One finalized assistant message with one successful tool call row.
	var fin store.FinalizeInput
	for _, in := range f.store.finalized {
		fin = in
	}
	require.Len(t, fin.ToolCalls, 1)
	assert.Equal(t, 0, fin.ToolCalls[0].CallIndex)
	assert.Equal(t, store.ToolCallSuccess, fin.ToolCalls[0].Status)
}

func TestCompletionsConflict(t *testing.T) {
	f := newFixture(t, &fakeClient{})
	f.store.appendErr = store.ErrConflict

	w := f.do(http.MethodPost, "/v1/chat/completions", appendBody(5, "Hello", false), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"validation_error"`)
	assert.Contains(t, w.Body.String(), `"error_code":"conflict"`)
}

func TestCompletionsIntentRequired(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	w := f.do(http.MethodPost, "/v1/chat/completions", `{"model":"m1","messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"error_code":"intent_required"`)
}

func TestCompletionsUnauthorized(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(appendBody(0, "hi", false)))
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStopAbortsStream(t *testing.T) {
	blockCh := make(chan struct{})
	client := &fakeClient{
		scripts: [][]model.Event{{
			model.ContentDelta{Text: "partial"},
			model.ContentDelta{Text: " never sent"},
		}},
		blockCh: blockCh,
	}
	f := newFixture(t, client)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(appendBody(0, "hi", true)))
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("x-client-request-id", "R1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.ServeHTTP(w, req)
	}()

	// Wait for the first delta, then stop.
	select {
	case <-blockCh:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never started")
	}
	stop := f.do(http.MethodPost, "/v1/chat/completions/stop", `{"request_id":"R1"}`, nil)
	require.Equal(t, http.StatusOK, stop.Code)
	assert.Contains(t, stop.Body.String(), `"stopped":true`)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish after stop")
	}

	body := w.Body.String()
	assert.Contains(t, body, `"content":"partial"`)
	assert.Contains(t, body, `"kind":"aborted"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	// Assistant message finalized as aborted; registry drained.
	var aborted bool
	for _, in := range f.store.finalized {
		if in.Status == store.StatusAborted {
			aborted = true
		}
	}
	assert.True(t, aborted)
	assert.Equal(t, 0, f.svc.abort.Len())

	// Second stop is a no-op.
	stop2 := f.do(http.MethodPost, "/v1/chat/completions/stop", `{"request_id":"R1"}`, nil)
	assert.Contains(t, stop2.Body.String(), `"stopped":false`)
}

func TestListTools(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	w := f.do(http.MethodGet, "/v1/tools", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tools []struct {
			Type     string `json:"type"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tools"`
		Status map[string]struct {
			HasAPIKey      bool `json:"hasApiKey"`
			RequiresAPIKey bool `json:"requiresApiKey"`
		} `json:"tool_api_key_status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tools, 1)
	assert.Equal(t, "function", resp.Tools[0].Type)
	assert.Equal(t, "get_time", resp.Tools[0].Function.Name)
	assert.True(t, resp.Status["get_time"].HasAPIKey)
	assert.False(t, resp.Status["get_time"].RequiresAPIKey)
}

func TestEditMessageFork(t *testing.T) {
	f := newFixture(t, &fakeClient{})
	conv, err := f.store.CreateConversation(context.Background(), f.userID, "t", store.ConversationSettings{})
	require.NoError(t, err)
	_, err = f.store.AppendUserMessage(context.Background(), store.AppendUserInput{
		ConversationID:  conv.ID,
		UserID:          f.userID,
		ClientMessageID: "m1",
		Parts:           []model.Part{model.TextPart{Text: "original"}},
	})
	require.NoError(t, err)

	// The edit is addressed by the client message ID, not the row ID.
	body := `{"intent":{"type":"edit_message","client_operation":"op1","expected_last_seq":1,"content":"edited"}}`
	w := f.do(http.MethodPost, "/v1/conversations/"+conv.ID+"/messages/m1/edit", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"forked_from":"`+conv.ID+`"`)

	var resp struct {
		Conversation store.Conversation `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	msgs, err := f.store.ListMessages(context.Background(), f.userID, resp.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ClientMessageID)
}

func TestEditMessageStaleSeqConflicts(t *testing.T) {
	f := newFixture(t, &fakeClient{})
	conv, err := f.store.CreateConversation(context.Background(), f.userID, "t", store.ConversationSettings{})
	require.NoError(t, err)
	_, err = f.store.AppendUserMessage(context.Background(), store.AppendUserInput{
		ConversationID:  conv.ID,
		UserID:          f.userID,
		ClientMessageID: "m1",
		Parts:           []model.Part{model.TextPart{Text: "original"}},
	})
	require.NoError(t, err)

	body := `{"intent":{"type":"edit_message","client_operation":"op1","expected_last_seq":7,"content":"edited"}}`
	w := f.do(http.MethodPost, "/v1/conversations/"+conv.ID+"/messages/m1/edit", body, nil)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

type failingAppender struct{}

func (failingAppender) AppendEvents(context.Context, string, string, []store.EventRow) error {
	return errors.New("journal unavailable")
}

func TestEmitFailsTurnWhenJournalDown(t *testing.T) {
	sink := &eventSink{writer: store.NewMessageWriter(failingAppender{}, "u1", "m1")}
	var err error
	// The writer batches, so the failure surfaces on the flushing append.
	for i := 0; i < 64 && err == nil; i++ {
		err = sink.Emit(context.Background(), model.ContentDelta{Text: "x"})
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal append")
}

func TestListModelsEndpoint(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	w := f.do(http.MethodGet, "/v1/providers/prov-1/models", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"m1"`)
	assert.Contains(t, w.Body.String(), `"m2"`)
}
