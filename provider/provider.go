// Package provider owns upstream provider records: credentials, base URLs,
// adapter selection, retry policy and model-list caching. Each user-configured
// provider row maps to one model.Client built here; adapters themselves live
// in the subpackages and are stateless.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chatforge/chatforge/cache"
	"github.com/chatforge/chatforge/model"
	"github.com/chatforge/chatforge/provider/anthropic"
	"github.com/chatforge/chatforge/provider/gemini"
	"github.com/chatforge/chatforge/provider/openaichat"
	"github.com/chatforge/chatforge/provider/openairesp"
)

// Provider types.
type Type string

const (
	TypeOpenAI     Type = "openai"
	TypeAnthropic  Type = "anthropic"
	TypeGemini     Type = "gemini"
	TypeGenericOAI Type = "generic_openai_compatible"
)

// Timeouts applied to upstream transports.
const (
	ConnectTimeout   = 30 * time.Second
	ModelListTimeout = 10 * time.Second
	StreamInactivity = 60 * time.Second
)

const openAIHost = "api.openai.com"

type (
	// Record is one user-configured provider. The API key arrives decrypted
	// from the store and never leaves the process except as an auth header.
	Record struct {
		ID          string
		OwnerUserID string
		Type        Type
		BaseURL     string
		APIKey      string
		Enabled     bool
		IsDefault   bool
		// ExtraHeaders are attached verbatim to every upstream request.
		ExtraHeaders map[string]string
		Metadata     Metadata
	}

	// Metadata carries provider capability flags and the model filter.
	Metadata struct {
		// ModelFilter keeps only matching model IDs in listings when non-empty.
		ModelFilter []string `json:"model_filter,omitempty"`
		// SupportsReasoningEffort gates the reasoning_effort parameter.
		SupportsReasoningEffort bool `json:"supports_reasoning_effort,omitempty"`
		// SupportsVerbosity gates the verbosity parameter.
		SupportsVerbosity bool `json:"supports_verbosity,omitempty"`
	}

	// Deps carries shared infrastructure the adapters need.
	Deps struct {
		// HTTPClient overrides the default transport, mainly in tests.
		HTTPClient *http.Client
		// ResponsesState persists previous_response_id per conversation for the
		// Responses API adapter.
		ResponsesState openairesp.StateStore
	}
)

// Select builds the model.Client for a provider record. The Responses API
// adapter is chosen only for provider type openai with the official host;
// every other OpenAI-compatible record uses the Chat Completions adapter.
// Streams from every adapter carry the inactivity watchdog.
func Select(rec Record, deps Deps) (model.Client, error) {
	client, err := selectAdapter(rec, deps)
	if err != nil {
		return nil, err
	}
	return guardedClient{Client: client}, nil
}

func selectAdapter(rec Record, deps Deps) (model.Client, error) {
	if rec.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key is required", rec.ID)
	}
	switch rec.Type {
	case TypeOpenAI:
		if isOpenAIHost(rec.BaseURL) {
			return openairesp.New(openairesp.Options{
				APIKey:       rec.APIKey,
				BaseURL:      rec.BaseURL,
				ExtraHeaders: rec.ExtraHeaders,
				HTTPClient:   deps.HTTPClient,
				State:        deps.ResponsesState,
			})
		}
		return newChatClient(rec, deps)
	case TypeGenericOAI:
		return newChatClient(rec, deps)
	case TypeAnthropic:
		return anthropic.New(anthropic.Options{
			APIKey:       rec.APIKey,
			BaseURL:      rec.BaseURL,
			ExtraHeaders: rec.ExtraHeaders,
			HTTPClient:   deps.HTTPClient,
		})
	case TypeGemini:
		return gemini.New(gemini.Options{
			APIKey:     rec.APIKey,
			BaseURL:    rec.BaseURL,
			HTTPClient: deps.HTTPClient,
		})
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", rec.ID, rec.Type)
	}
}

// guardedClient applies the stream inactivity watchdog to every adapter.
type guardedClient struct {
	model.Client
}

func (c guardedClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	s, err := c.Client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return WithInactivityTimeout(s, StreamInactivity), nil
}

func newChatClient(rec Record, deps Deps) (model.Client, error) {
	return openaichat.New(openaichat.Options{
		APIKey:       rec.APIKey,
		BaseURL:      rec.BaseURL,
		ExtraHeaders: rec.ExtraHeaders,
		HTTPClient:   deps.HTTPClient,
	})
}

func isOpenAIHost(baseURL string) bool {
	if baseURL == "" {
		return true
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), openAIHost)
}

// StripUnsupported drops request parameters the provider does not advertise
// support for. Dropping is deterministic so round trips through an adapter
// are stable.
func StripUnsupported(req model.Request, meta Metadata) model.Request {
	if !meta.SupportsReasoningEffort {
		req.ReasoningEffort = ""
	}
	if !meta.SupportsVerbosity {
		req.Verbosity = ""
	}
	return req
}

// FilterModels applies the record's model filter to a listing.
func FilterModels(models []model.ModelInfo, meta Metadata) []model.ModelInfo {
	if len(meta.ModelFilter) == 0 {
		return models
	}
	out := make([]model.ModelInfo, 0, len(models))
	for _, m := range models {
		for _, f := range meta.ModelFilter {
			if strings.Contains(m.ID, f) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// ModelCache caches per-provider model listings with a TTL.
type ModelCache struct {
	cache *cache.TTLCache[[]model.ModelInfo]
	ttl   time.Duration
}

// NewModelCache starts a model-list cache. Close releases the sweeper.
func NewModelCache(ttl time.Duration) *ModelCache {
	return &ModelCache{cache: cache.NewTTLCache[[]model.ModelInfo](time.Minute), ttl: ttl}
}

// Get returns the cached listing for a provider record.
func (c *ModelCache) Get(providerID string) ([]model.ModelInfo, bool) {
	return c.cache.Get(providerID)
}

// Put stores a listing.
func (c *ModelCache) Put(providerID string, models []model.ModelInfo) {
	c.cache.Set(providerID, models, c.ttl)
}

// Invalidate drops the cached listing, used when a record's credentials or
// filter change.
func (c *ModelCache) Invalidate(providerID string) {
	c.cache.Delete(providerID)
}

// Close stops the cache sweeper.
func (c *ModelCache) Close() { c.cache.Close() }
