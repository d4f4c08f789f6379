package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	spec := Spec{Name: "echo", Schema: json.RawMessage(`{"type":"object"}`)}
	h := func(context.Context, json.RawMessage, Invocation) (any, error) { return "ok", nil }

	require.NoError(t, r.Register(spec, h))
	assert.Error(t, r.Register(spec, h))
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Spec{Name: "bad", Schema: json.RawMessage(`{"type": 42}`)}, func(context.Context, json.RawMessage, Invocation) (any, error) {
		return nil, nil
	})
	assert.Error(t, err)
}

func TestExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Spec{
		Name: "echo",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"msg": {"type": "string"}},
			"required": ["msg"],
			"additionalProperties": false
		}`),
	}, func(_ context.Context, args json.RawMessage, _ Invocation) (any, error) {
		var in struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return map[string]string{"echo": in.Msg}, nil
	}))

	out, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"msg":"hi"}`), Invocation{})
	require.NoError(t, err)
	assert.False(t, out.IsError)
	assert.JSONEq(t, `{"echo":"hi"}`, string(out.Payload))

	// Missing required argument yields an invalid_arguments output, not an error.
	out, err = r.Execute(context.Background(), "echo", json.RawMessage(`{}`), Invocation{})
	require.NoError(t, err)
	assert.True(t, out.IsError)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(out.Payload, &payload))
	assert.Equal(t, "invalid_arguments", payload["error"])
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", nil, Invocation{})
	assert.Error(t, err)
}

func TestExecuteCapturesHandlerError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Spec{Name: "boom"}, func(context.Context, json.RawMessage, Invocation) (any, error) {
		return nil, assert.AnError
	}))

	out, err := r.Execute(context.Background(), "boom", nil, Invocation{})
	require.NoError(t, err)
	assert.True(t, out.IsError)
}

type fakeCreds map[string]bool

func (f fakeCreds) HasToolKey(_ context.Context, _, tool string) (bool, error) {
	return f[tool], nil
}

func TestFilterDropsMissingCredentials(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Spec{Name: "open"}, func(context.Context, json.RawMessage, Invocation) (any, error) { return nil, nil }))
	require.NoError(t, r.Register(Spec{Name: "keyed", RequiresAPIKey: true, MissingKeyLabel: "API key"}, func(context.Context, json.RawMessage, Invocation) (any, error) { return nil, nil }))

	got := r.Filter(context.Background(), "u1", []string{"open", "keyed", "ghost"}, fakeCreds{})
	assert.Equal(t, []string{"open"}, got)

	got = r.Filter(context.Background(), "u1", []string{"open", "keyed"}, fakeCreds{"keyed": true})
	assert.Equal(t, []string{"open", "keyed"}, got)
}

func TestGetTime(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterTime(r))

	out, err := r.Execute(context.Background(), "get_time", json.RawMessage(`{"timezone":"UTC"}`), Invocation{})
	require.NoError(t, err)
	require.False(t, out.IsError)

	var payload struct {
		Time     string `json:"time"`
		Timezone string `json:"timezone"`
	}
	require.NoError(t, json.Unmarshal(out.Payload, &payload))
	_, err = time.Parse(time.RFC3339, payload.Time)
	assert.NoError(t, err)
	assert.Equal(t, "UTC", payload.Timezone)

	out, err = r.Execute(context.Background(), "get_time", json.RawMessage(`{"timezone":"Not/AZone"}`), Invocation{})
	require.NoError(t, err)
	assert.True(t, out.IsError)
}

func TestSearxBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/search", req.URL.Path)
		assert.Equal(t, "golang", req.URL.Query().Get("q"))
		assert.Equal(t, "json", req.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"title":"The Go Programming Language","url":"https://go.dev","content":"Go is fun"},
			{"title":"","url":"https://skip.me"},
			{"title":"Go spec","url":"https://go.dev/ref/spec","content":"spec"}
		]}`))
	}))
	defer srv.Close()

	b := &SearxBackend{BaseURL: srv.URL}
	results, err := b.Search(context.Background(), "golang", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "The Go Programming Language", results[0].Title)
	assert.Equal(t, "https://go.dev", results[0].URL)
}

func TestWebFetchPagination(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "## Heading\n\nSome paragraph text that fills the page with words.\n\n"
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><head><title>Long Doc</title></head><body><main><h1>Long</h1><p>" + long + "</p></main></body></html>"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())
	defer f.Close()
	r := NewRegistry()
	require.NoError(t, RegisterWebFetch(r, f))

	out, err := r.Execute(context.Background(), "web_fetch", json.RawMessage(`{"url":"`+srv.URL+`"}`), Invocation{UserID: "u1"})
	require.NoError(t, err)
	require.False(t, out.IsError, string(out.Payload))

	var first struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		Cursor  string `json:"cursor"`
	}
	require.NoError(t, json.Unmarshal(out.Payload, &first))
	assert.Equal(t, "Long Doc", first.Title)
	require.NotEmpty(t, first.Cursor)
	assert.LessOrEqual(t, len(first.Content), fetchPageChars)

	// Continuation returns the remainder; cursors are user-scoped.
	out, err = r.Execute(context.Background(), "web_fetch", json.RawMessage(`{"cursor":"`+first.Cursor+`"}`), Invocation{UserID: "u2"})
	require.NoError(t, err)
	assert.True(t, out.IsError)

	out, err = r.Execute(context.Background(), "web_fetch", json.RawMessage(`{"cursor":"`+first.Cursor+`"}`), Invocation{UserID: "u1"})
	require.NoError(t, err)
	require.False(t, out.IsError)
	var second struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(out.Payload, &second))
	assert.NotEmpty(t, second.Content)
}

func TestWebFetchRejectsRelativeURL(t *testing.T) {
	f := NewFetcher(nil)
	defer f.Close()
	r := NewRegistry()
	require.NoError(t, RegisterWebFetch(r, f))

	out, err := r.Execute(context.Background(), "web_fetch", json.RawMessage(`{"url":"ftp://example.com"}`), Invocation{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, out.IsError)
}

