package chat

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"goa.design/clue/log"
)

// handleListTools returns the registered tool specs in OpenAI function shape
// together with the caller's per-tool credential status.
func (s *Service) handleListTools(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	specs := s.tools.List()
	out := make([]gin.H, 0, len(specs))
	status := make(gin.H, len(specs))
	for _, spec := range specs {
		schema := spec.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, gin.H{
			"type": "function",
			"function": gin.H{
				"name":        spec.Name,
				"description": spec.Description,
				"parameters":  schema,
			},
		})
		entry := gin.H{
			"requiresApiKey": spec.RequiresAPIKey,
			"hasApiKey":      true,
		}
		if spec.RequiresAPIKey {
			has, err := s.store.HasToolKey(ctx, p.UserID, spec.Name)
			if err != nil {
				log.Errorf(ctx, err, "tool %q credential lookup failed", spec.Name)
				has = false
			}
			entry["hasApiKey"] = has
			if spec.MissingKeyLabel != "" {
				entry["missingKeyLabel"] = spec.MissingKeyLabel
			}
		}
		status[spec.Name] = entry
	}
	c.JSON(http.StatusOK, gin.H{"tools": out, "tool_api_key_status": status})
}

func (s *Service) handleGetSettings(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	settings, err := s.store.GetUserSettings(c.Request.Context(), p.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	if settings.MaxToolIterations <= 0 {
		settings.MaxToolIterations = s.defaultIters
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Service) handlePatchSettings(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var body struct {
		MaxToolIterations *int              `json:"max_tool_iterations"`
		ToolKeys          map[string]string `json:"tool_keys"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, validationError("invalid JSON body", ""))
		return
	}
	ctx := c.Request.Context()
	if body.MaxToolIterations != nil {
		n := *body.MaxToolIterations
		if n < 0 || n > 50 {
			writeError(c, validationError("max_tool_iterations must be between 1 and 50", ""))
			return
		}
		if err := s.store.SetMaxToolIterations(ctx, p.UserID, n); err != nil {
			writeError(c, err)
			return
		}
	}
	for name, key := range body.ToolKeys {
		if err := s.store.SetToolKey(ctx, p.UserID, name, key); err != nil {
			writeError(c, err)
			return
		}
	}
	settings, err := s.store.GetUserSettings(ctx, p.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}
