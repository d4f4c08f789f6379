package chat

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatforge/chatforge/provider"
	"github.com/chatforge/chatforge/store"
)

func (s *Service) handleListProviders(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	views, err := s.store.ListProviders(c.Request.Context(), p.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	if views == nil {
		views = []store.ProviderView{}
	}
	c.JSON(http.StatusOK, gin.H{"providers": views})
}

func (s *Service) handleCreateProvider(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var body struct {
		Type         string            `json:"type"`
		BaseURL      string            `json:"base_url"`
		APIKey       string            `json:"api_key"`
		Enabled      *bool             `json:"enabled"`
		ExtraHeaders map[string]string `json:"extra_headers"`
		Metadata     provider.Metadata `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, validationError("invalid JSON body", ""))
		return
	}
	switch provider.Type(body.Type) {
	case provider.TypeOpenAI, provider.TypeAnthropic, provider.TypeGemini, provider.TypeGenericOAI:
	default:
		writeError(c, validationError("unknown provider type", ""))
		return
	}
	if body.APIKey == "" {
		writeError(c, validationError("api_key is required", ""))
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	view, err := s.store.CreateProvider(c.Request.Context(), p.UserID, store.ProviderInput{
		Type:         provider.Type(body.Type),
		BaseURL:      body.BaseURL,
		APIKey:       body.APIKey,
		Enabled:      enabled,
		ExtraHeaders: body.ExtraHeaders,
		Metadata:     body.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (s *Service) handlePatchProvider(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var body struct {
		BaseURL      *string            `json:"base_url"`
		APIKey       *string            `json:"api_key"`
		Enabled      *bool              `json:"enabled"`
		ExtraHeaders map[string]string  `json:"extra_headers"`
		Metadata     *provider.Metadata `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, validationError("invalid JSON body", ""))
		return
	}
	view, err := s.store.UpdateProvider(c.Request.Context(), p.UserID, c.Param("id"), store.ProviderPatch{
		BaseURL:      body.BaseURL,
		APIKey:       body.APIKey,
		Enabled:      body.Enabled,
		ExtraHeaders: body.ExtraHeaders,
		Metadata:     body.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if s.models != nil {
		s.models.Invalidate(c.Param("id"))
	}
	c.JSON(http.StatusOK, view)
}

func (s *Service) handleDeleteProvider(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	if err := s.store.DeleteProvider(c.Request.Context(), p.UserID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	if s.models != nil {
		s.models.Invalidate(c.Param("id"))
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Service) handleSetDefaultProvider(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	if err := s.store.SetDefaultProvider(c.Request.Context(), p.UserID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"default": c.Param("id")})
}

// handleListModels lists the provider's models through its adapter, filtered
// by the record's model filter and cached with a TTL.
func (s *Service) handleListModels(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rec, err := s.store.GetProviderRecord(ctx, p.UserID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if s.models != nil {
		if cached, ok := s.models.Get(rec.ID); ok {
			c.JSON(http.StatusOK, gin.H{"models": cached})
			return
		}
	}
	client, err := s.newClient(rec)
	if err != nil {
		writeError(c, err)
		return
	}
	listCtx, cancel := context.WithTimeout(ctx, provider.ModelListTimeout)
	defer cancel()
	models, err := client.ListModels(listCtx)
	if err != nil {
		writeError(c, err)
		return
	}
	models = provider.FilterModels(models, rec.Metadata)
	if s.models != nil {
		s.models.Put(rec.ID, models)
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}
