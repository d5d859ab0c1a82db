package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"github.com/gin-gonic/gin"
)

type acceptInvitePayload struct {
	UserName string `json:"user_name"`
}

type usernamePayload struct {
	Username string `json:"username"`
}

func (h *httpHandler) handleSendInvite(c *gin.Context) {
	var request threads.InviteRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !callerMatches(c, strings.TrimSpace(request.InvitedBy)) {
		return
	}
	if name := strings.TrimSpace(request.UserName); name != "" {
		if err := threads.ValidateUsername(name); err != nil {
			h.respondError(c, err)
			return
		}
	}
	inviterID := c.GetString(userIDContextKey)
	threadID := c.Param("threadID")
	thread, err := h.checkpoints.SendInvite(c.Request.Context(), inviterID, threadID, request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.realtime.Publish(strings.TrimSpace(request.UserID), h.event(threads.EventThreadInvitation, inviterID, threadID))
	c.JSON(http.StatusCreated, thread)
}

func (h *httpHandler) handleAcceptInvite(c *gin.Context) {
	if !callerMatches(c, c.Param("userID")) {
		return
	}
	var request acceptInvitePayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	if name := strings.TrimSpace(request.UserName); name != "" {
		if err := threads.ValidateUsername(name); err != nil {
			h.respondError(c, err)
			return
		}
	}
	userID := c.GetString(userIDContextKey)
	threadID := c.Param("threadID")
	thread, accepted, err := h.checkpoints.AcceptInvite(c.Request.Context(), userID, threadID, request.UserName)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if accepted.Status == threads.InviteStatusAccepted {
		h.realtime.PublishAll(participantIDs(thread), userID, h.event(threads.EventInvitationAccepted, userID, threadID))
	}
	c.JSON(http.StatusOK, thread)
}

func (h *httpHandler) handleDeclineInvite(c *gin.Context) {
	if !callerMatches(c, c.Param("userID")) {
		return
	}
	userID := c.GetString(userIDContextKey)
	threadID := c.Param("threadID")
	thread, declined, err := h.checkpoints.DeclineInvite(c.Request.Context(), userID, threadID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.realtime.Publish(declined.InvitedBy, h.event(threads.EventInvitationDeclined, userID, threadID))
	c.JSON(http.StatusOK, thread)
}

func (h *httpHandler) handleSetUsername(c *gin.Context) {
	if !callerMatches(c, c.Param("userID")) {
		return
	}
	var request usernamePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.users.SetUsername(c.Request.Context(), c.GetString(userIDContextKey), request.Username); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": strings.TrimSpace(request.Username)})
}
