package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type threadsResponsePayload struct {
	Threads []threads.Thread `json:"threads"`
}

func (h *httpHandler) handleListThreads(c *gin.Context) {
	if !callerMatches(c, c.Query("user_id")) {
		return
	}
	list, err := h.checkpoints.ListThreads(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, threadsResponsePayload{Threads: list})
}

func (h *httpHandler) handleListInvitedThreads(c *gin.Context) {
	if !callerMatches(c, c.Query("user_id")) {
		return
	}
	list, err := h.checkpoints.ListInvitedThreads(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, threadsResponsePayload{Threads: list})
}

func (h *httpHandler) handleCreateThread(c *gin.Context) {
	var request threads.CreateThreadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	thread, err := h.checkpoints.CreateThread(c.Request.Context(), userID, request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.realtime.PublishAll(participantIDs(thread), userID, h.event(threads.EventThreadInvitation, userID, thread.ID))
	c.JSON(http.StatusCreated, thread)
}

func (h *httpHandler) handleGetThread(c *gin.Context) {
	thread, err := h.checkpoints.GetThread(c.Request.Context(), c.GetString(userIDContextKey), c.Param("threadID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (h *httpHandler) handleDeleteThread(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	threadID := c.Param("threadID")
	formerMembers, err := h.checkpoints.DeleteThread(c.Request.Context(), userID, threadID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("thread deleted", zap.String("thread_id", threadID), zap.String("user_id", userID))
	h.realtime.PublishAll(formerMembers, userID, h.event(threads.EventThreadDeleted, userID, threadID))
	c.Status(http.StatusNoContent)
}
