package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/chatforge/chatforge/cache"
)

const (
	fetchMaxBody       = 4 << 20
	fetchPageChars     = 8000
	continuationTTL    = 15 * time.Minute
	continuationSweep  = time.Minute
	fetchClientTimeout = 25 * time.Second
)

// Fetcher implements the web_fetch tool: HTTP GET, readable-content
// extraction, HTML to markdown conversion and cursor-based pagination for
// long documents. Continuation tokens live in a TTL cache; Close releases
// its sweeper.
type Fetcher struct {
	httpClient    *http.Client
	continuations *cache.TTLCache[string]
}

// NewFetcher returns a fetcher with its continuation cache running.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: fetchClientTimeout}
	}
	return &Fetcher{
		httpClient:    client,
		continuations: cache.NewTTLCache[string](continuationSweep),
	}
}

// Close stops the continuation cache sweeper.
func (f *Fetcher) Close() { f.continuations.Close() }

// RegisterWebFetch adds the web_fetch tool backed by f.
func RegisterWebFetch(r *Registry, f *Fetcher) error {
	spec := Spec{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its content as markdown. Long pages are paginated; pass the returned cursor to continue.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "Absolute http(s) URL to fetch."},
				"cursor": {"type": "string", "description": "Continuation cursor from a previous call."}
			},
			"additionalProperties": false
		}`),
		Timeout: 45 * time.Second,
	}
	return r.Register(spec, f.handle)
}

func (f *Fetcher) handle(ctx context.Context, args json.RawMessage, inv Invocation) (any, error) {
	var in struct {
		URL    string `json:"url"`
		Cursor string `json:"cursor"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}

	if in.Cursor != "" {
		rest, ok := f.continuations.Get(continuationKey(inv.UserID, in.Cursor))
		if !ok {
			return nil, fmt.Errorf("cursor expired or unknown")
		}
		f.continuations.Delete(continuationKey(inv.UserID, in.Cursor))
		return f.paginate(inv.UserID, "", rest), nil
	}

	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return nil, fmt.Errorf("url must be absolute http(s)")
	}
	markdown, title, err := f.fetch(ctx, in.URL)
	if err != nil {
		return nil, err
	}
	out := f.paginate(inv.UserID, in.URL, markdown)
	out["title"] = title
	return out, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (markdown, title string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", "chatforge-webfetch/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBody))
	if err != nil {
		return "", "", err
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/plain") || strings.Contains(ct, "application/json") {
		return string(body), rawURL, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, iframe, nav, header, footer, aside").Remove()

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}
	html, err := root.Html()
	if err != nil {
		return "", "", err
	}

	converter := md.NewConverter("", true, nil)
	markdown, err = converter.ConvertString(html)
	if err != nil {
		return "", "", fmt.Errorf("convert html: %w", err)
	}
	return strings.TrimSpace(markdown), title, nil
}

// paginate splits content into one page plus a continuation token for the
// remainder. The split prefers a heading boundary near the page limit so a
// continuation resumes at a readable point.
func (f *Fetcher) paginate(userID, url, content string) map[string]any {
	out := map[string]any{}
	if url != "" {
		out["url"] = url
	}
	if len(content) <= fetchPageChars {
		out["content"] = content
		return out
	}

	cut := splitPoint(content, fetchPageChars)
	token := uuid.NewString()
	f.continuations.Set(continuationKey(userID, token), content[cut:], continuationTTL)
	out["content"] = content[:cut]
	out["cursor"] = token
	out["remaining_chars"] = len(content) - cut
	return out
}

// splitPoint finds a markdown heading at or before limit, falling back to the
// nearest newline, then to a hard cut.
func splitPoint(content string, limit int) int {
	window := content[:limit]
	if idx := strings.LastIndex(window, "\n#"); idx > limit/2 {
		return idx + 1
	}
	if idx := strings.LastIndex(window, "\n"); idx > limit/2 {
		return idx + 1
	}
	return limit
}

func continuationKey(userID, token string) string {
	return userID + "/" + token
}
