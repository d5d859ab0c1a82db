package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/storage"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const renderFormField = "file"

type messagesResponsePayload struct {
	Messages []threads.Message `json:"messages"`
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	query, ok := parseMessageQuery(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query"})
		return
	}
	messages, err := h.checkpoints.ListMessages(c.Request.Context(), c.GetString(userIDContextKey), c.Param("threadID"), query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, messagesResponsePayload{Messages: messages})
}

func (h *httpHandler) handleLatestMessage(c *gin.Context) {
	includeSnapshot, ok := parseBool(c.Query("include_snapshot"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query"})
		return
	}
	message, err := h.checkpoints.LatestMessage(c.Request.Context(), c.GetString(userIDContextKey), c.Param("threadID"), includeSnapshot)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleCreateMessage(c *gin.Context) {
	var request threads.CreateMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	request.ThreadID = c.Param("threadID")
	userID := c.GetString(userIDContextKey)
	if strings.TrimSpace(request.UserID) == "" {
		request.UserID = userID
	}

	message, err := h.checkpoints.CreateMessage(c.Request.Context(), userID, request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.notifyMembers(c, request.ThreadID, userID, threads.EventMessageCreated, message.ID)
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	threadID := c.Param("threadID")
	messageID := c.Param("messageID")
	if err := h.checkpoints.DeleteMessage(c.Request.Context(), userID, threadID, messageID); err != nil {
		h.respondError(c, err)
		return
	}
	h.notifyMembers(c, threadID, userID, threads.EventMessageDeleted, messageID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUploadRender(c *gin.Context) {
	if h.renders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "renders_disabled"})
		return
	}
	fileHeader, err := c.FormFile(renderFormField)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	if fileHeader.Size > storage.MaxRenderBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "render_too_large"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, storage.MaxRenderBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return
	}

	userID := c.GetString(userIDContextKey)
	threadID := c.Param("threadID")
	messageID := c.Param("messageID")
	// membership is checked before the upload so strangers cannot write to the bucket.
	if _, err := h.checkpoints.GetThread(c.Request.Context(), userID, threadID); err != nil {
		h.respondError(c, err)
		return
	}

	render, err := h.renders.PutRender(c.Request.Context(), threadID, data, fileHeader.Header.Get("Content-Type"))
	switch {
	case errors.Is(err, storage.ErrEmptyRender):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_render"})
		return
	case errors.Is(err, storage.ErrRenderTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "render_too_large"})
		return
	case err != nil:
		h.logger.Error("render upload failed", zap.String("thread_id", threadID), zap.String("message_id", messageID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "render_upload_failed"})
		return
	}

	if _, err := h.checkpoints.AttachRender(c.Request.Context(), userID, threadID, messageID, render); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, render)
}

func (h *httpHandler) notifyMembers(c *gin.Context, threadID, fromUserID, eventType, messageID string) {
	members, err := h.checkpoints.Members(c.Request.Context(), threadID)
	if err != nil {
		h.logger.Warn("push fan-out skipped", zap.String("thread_id", threadID), zap.String("type", eventType), zap.Error(err))
		return
	}
	event := h.event(eventType, fromUserID, threadID)
	event.MessageID = messageID
	h.realtime.PublishAll(members, fromUserID, event)
}

func parseMessageQuery(c *gin.Context) (threads.MessageQuery, bool) {
	query := threads.MessageQuery{Order: threads.OrderAsc}
	switch threads.Order(strings.ToLower(c.Query("order"))) {
	case "", threads.OrderAsc:
	case threads.OrderDesc:
		query.Order = threads.OrderDesc
	default:
		return threads.MessageQuery{}, false
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return threads.MessageQuery{}, false
		}
		query.Limit = limit
	}
	includeSnapshot, ok := parseBool(c.Query("include_snapshot"))
	if !ok {
		return threads.MessageQuery{}, false
	}
	query.IncludeSnapshot = includeSnapshot
	return query, true
}

func parseBool(raw string) (bool, bool) {
	if raw == "" {
		return false, true
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return value, true
}
