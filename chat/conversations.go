package chat

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatforge/chatforge/auth"
	"github.com/chatforge/chatforge/model"
	"github.com/chatforge/chatforge/store"
	"github.com/chatforge/chatforge/telemetry"
)

func principal(c *gin.Context) (auth.Principal, bool) {
	p, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, Error{Kind: KindUnauthorized, Message: "authentication required"})
	}
	return p, ok
}

func (s *Service) handleListConversations(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	convs, err := s.store.ListConversations(c.Request.Context(), p.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Service) handleCreateConversation(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var body struct {
		Title    string                     `json:"title"`
		Settings store.ConversationSettings `json:"settings"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, validationError("invalid JSON body", ""))
		return
	}
	conv, err := s.store.CreateConversation(c.Request.Context(), p.UserID, body.Title, body.Settings)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// handleGetConversation returns the conversation with its live messages.
func (s *Service) handleGetConversation(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	conv, err := s.store.GetConversation(ctx, p.UserID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	msgs, err := s.store.ListMessages(ctx, p.UserID, conv.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": out})
}

func (s *Service) handlePatchConversation(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var body struct {
		Title    *string                     `json:"title"`
		Settings *store.ConversationSettings `json:"settings"`
		Metadata map[string]any              `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, validationError("invalid JSON body", ""))
		return
	}
	conv, err := s.store.UpdateConversation(c.Request.Context(), p.UserID, c.Param("id"), store.ConversationPatch{
		Title:    body.Title,
		Settings: body.Settings,
		Metadata: body.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Service) handleDeleteConversation(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	if err := s.store.DeleteConversation(c.Request.Context(), p.UserID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// handleEditMessage rewrites a user message as a fork of the conversation.
// The path's message ID is the client-assigned handle, not the row ID.
func (s *Service) handleEditMessage(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var body struct {
		Intent *Intent `json:"intent"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, validationError("invalid JSON body", ""))
		return
	}
	if err := body.Intent.validateEdit(); err != nil {
		writeError(c, err)
		return
	}
	parts, err := decodeContent(body.Intent.Content)
	if err != nil {
		writeError(c, validationError("intent.content: "+err.Error(), ""))
		return
	}
	ctx := telemetry.WithConversation(c.Request.Context(), c.Param("id"))
	fork, err := s.store.EditMessage(ctx, p.UserID, c.Param("id"), c.Param("messageID"), body.Intent.ExpectedLastSeq, parts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": fork, "forked_from": c.Param("id")})
}

func messageJSON(m store.Message) gin.H {
	content := make([]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		if raw, err := model.MarshalPart(p); err == nil {
			content = append(content, raw)
		}
	}
	out := gin.H{
		"id":         m.ID,
		"seq":        m.Seq,
		"role":       string(m.Role),
		"status":     string(m.Status),
		"content":    content,
		"created_at": m.CreatedAt,
		"updated_at": m.UpdatedAt,
	}
	if m.ClientMessageID != "" {
		out["client_message_id"] = m.ClientMessageID
	}
	if m.Model != "" {
		out["model"] = m.Model
	}
	return out
}
