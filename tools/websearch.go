package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SearchResult is one normalized web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchBackend runs a web search and returns up to limit results.
type SearchBackend interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// ToolKeySource resolves a user's stored credential for a tool.
type ToolKeySource interface {
	ToolKey(ctx context.Context, userID, toolName string) (string, error)
}

var searchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "Search query."},
		"max_results": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Maximum number of results, default 5."}
	},
	"required": ["query"],
	"additionalProperties": false
}`)

// RegisterWebSearch adds the default web_search tool backed by a SearxNG
// aggregator instance. No per-user credential is required.
func RegisterWebSearch(r *Registry, backend SearchBackend) error {
	spec := Spec{
		Name:        "web_search",
		Description: "Search the web and return titles, URLs and snippets.",
		Schema:      searchSchema,
		Timeout:     30 * time.Second,
	}
	return r.Register(spec, func(ctx context.Context, args json.RawMessage, _ Invocation) (any, error) {
		query, limit, err := decodeSearchArgs(args)
		if err != nil {
			return nil, err
		}
		results, err := backend.Search(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": results}, nil
	})
}

// RegisterBraveSearch adds the web_search_brave variant. It requires a
// per-user Brave API key and is filtered out of requests for users without
// one.
func RegisterBraveSearch(r *Registry, keys ToolKeySource) error {
	spec := Spec{
		Name:            "web_search_brave",
		Description:     "Search the web via the Brave Search API. Requires a configured Brave API key.",
		Schema:          searchSchema,
		RequiresAPIKey:  true,
		MissingKeyLabel: "Brave Search API key",
		Timeout:         30 * time.Second,
	}
	return r.Register(spec, func(ctx context.Context, args json.RawMessage, inv Invocation) (any, error) {
		query, limit, err := decodeSearchArgs(args)
		if err != nil {
			return nil, err
		}
		key, err := keys.ToolKey(ctx, inv.UserID, "web_search_brave")
		if err != nil {
			return nil, err
		}
		if key == "" {
			return nil, fmt.Errorf("brave search api key not configured")
		}
		backend := &BraveBackend{APIKey: key}
		results, err := backend.Search(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": results}, nil
	})
}

func decodeSearchArgs(args json.RawMessage) (string, int, error) {
	var in struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", 0, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", 0, fmt.Errorf("query is empty")
	}
	limit := in.MaxResults
	if limit <= 0 {
		limit = 5
	}
	return in.Query, limit, nil
}

// SearxBackend queries a SearxNG instance's /search endpoint with JSON
// output.
type SearxBackend struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Search implements SearchBackend.
func (s *SearxBackend) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if s.BaseURL == "" {
		return nil, fmt.Errorf("missing search base url")
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(u.Path, "/search") {
		u.Path = strings.TrimRight(u.Path, "/") + "/search"
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("safesearch", "1")
	q.Set("categories", "general")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("search backend status %d", resp.StatusCode)
	}
	var body struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, limit)
	for _, r := range body.Results {
		if r.URL == "" || r.Title == "" {
			continue
		}
		out = append(out, SearchResult{
			Title:   strings.TrimSpace(r.Title),
			URL:     strings.TrimSpace(r.URL),
			Snippet: strings.TrimSpace(r.Content),
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *SearxBackend) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// BraveBackend queries the Brave Search REST API.
type BraveBackend struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// Search implements SearchBackend.
func (b *BraveBackend) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	base := b.BaseURL
	if base == "" {
		base = "https://api.search.brave.com/res/v1/web/search"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.APIKey)

	hc := b.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("brave search status %d", resp.StatusCode)
	}
	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, limit)
	for _, r := range body.Web.Results {
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
