// Package chat is the request pipeline: it validates intent envelopes,
// resolves the provider and strategy for each request, drives the
// orchestrator and serializes results as JSON or SSE.
package chat

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/chatforge/chatforge/abort"
	"github.com/chatforge/chatforge/model"
	"github.com/chatforge/chatforge/orchestrate"
	"github.com/chatforge/chatforge/provider"
	"github.com/chatforge/chatforge/store"
	"github.com/chatforge/chatforge/tools"
)

// Store is the slice of the persistence coordinator the pipeline uses.
// *store.Store satisfies it; tests substitute fakes.
type Store interface {
	store.EventAppender

	EnsureUser(ctx context.Context, userID, email string) error
	GetUserSettings(ctx context.Context, userID string) (store.UserSettings, error)
	SetMaxToolIterations(ctx context.Context, userID string, n int) error
	SetToolKey(ctx context.Context, userID, toolName, key string) error
	HasToolKey(ctx context.Context, userID, toolName string) (bool, error)

	CreateConversation(ctx context.Context, userID, title string, settings store.ConversationSettings) (store.Conversation, error)
	GetConversation(ctx context.Context, userID, conversationID string) (store.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]store.Conversation, error)
	UpdateConversation(ctx context.Context, userID, conversationID string, patch store.ConversationPatch) (store.Conversation, error)
	DeleteConversation(ctx context.Context, userID, conversationID string) error

	ListMessages(ctx context.Context, userID, conversationID string) ([]store.Message, error)
	AppendUserMessage(ctx context.Context, in store.AppendUserInput) (store.Message, error)
	BeginAssistantMessage(ctx context.Context, userID, conversationID, providerID, modelName string) (store.Message, error)
	FinalizeMessage(ctx context.Context, in store.FinalizeInput) error
	EditMessage(ctx context.Context, userID, conversationID, clientMessageID string, expectedLastSeq *int64, parts []model.Part) (store.Conversation, error)

	CreateProvider(ctx context.Context, userID string, in store.ProviderInput) (store.ProviderView, error)
	ListProviders(ctx context.Context, userID string) ([]store.ProviderView, error)
	GetProviderRecord(ctx context.Context, userID, providerID string) (provider.Record, error)
	GetDefaultProviderRecord(ctx context.Context, userID string) (provider.Record, error)
	UpdateProvider(ctx context.Context, userID, providerID string, patch store.ProviderPatch) (store.ProviderView, error)
	SetDefaultProvider(ctx context.Context, userID, providerID string) error
	DeleteProvider(ctx context.Context, userID, providerID string) error

	ClearProviderState(ctx context.Context, conversationID string) error
}

// ClientFactory builds a model client for a provider record.
type ClientFactory func(rec provider.Record) (model.Client, error)

// Options configures the service.
type Options struct {
	Store  Store
	Abort  *abort.Registry
	Tools  *tools.Registry
	Models *provider.ModelCache
	// NewClient defaults to provider.Select with the store as responses
	// state.
	NewClient ClientFactory
	// DefaultMaxToolIterations applies to users without an override.
	DefaultMaxToolIterations int
}

// Service holds the pipeline's dependencies.
type Service struct {
	store        Store
	abort        *abort.Registry
	tools        *tools.Registry
	models       *provider.ModelCache
	newClient    ClientFactory
	defaultIters int
}

// New builds the service.
func New(opts Options) *Service {
	iters := opts.DefaultMaxToolIterations
	if iters <= 0 {
		iters = orchestrate.DefaultMaxIterations
	}
	return &Service{
		store:        opts.Store,
		abort:        opts.Abort,
		tools:        opts.Tools,
		models:       opts.Models,
		newClient:    opts.NewClient,
		defaultIters: iters,
	}
}

// Mount registers all routes on the group. The group must already carry the
// auth middleware.
func (s *Service) Mount(g *gin.RouterGroup) {
	g.POST("/chat/completions", s.handleCompletions)
	g.POST("/chat/completions/stop", s.handleStop)
	g.GET("/tools", s.handleListTools)

	g.GET("/conversations", s.handleListConversations)
	g.POST("/conversations", s.handleCreateConversation)
	g.GET("/conversations/:id", s.handleGetConversation)
	g.PATCH("/conversations/:id", s.handlePatchConversation)
	g.DELETE("/conversations/:id", s.handleDeleteConversation)
	g.POST("/conversations/:id/messages/:messageID/edit", s.handleEditMessage)

	g.GET("/providers", s.handleListProviders)
	g.POST("/providers", s.handleCreateProvider)
	g.PATCH("/providers/:id", s.handlePatchProvider)
	g.DELETE("/providers/:id", s.handleDeleteProvider)
	g.POST("/providers/:id/default", s.handleSetDefaultProvider)
	g.GET("/providers/:id/models", s.handleListModels)

	g.GET("/settings", s.handleGetSettings)
	g.PATCH("/settings", s.handlePatchSettings)
}
