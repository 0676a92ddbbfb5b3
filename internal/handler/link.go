package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"devicelink/internal/linking"
	"devicelink/internal/logx"
	"devicelink/internal/middleware"
	"devicelink/internal/model"
	"devicelink/pkg/linkproto"
)

type LinkHandler struct {
	Service *linking.Service
}

func (h *LinkHandler) Create(c *gin.Context) {
	created, err := h.Service.Create(c.Request.Context())
	if err != nil {
		logx.FromContext(c.Request.Context()).Error("create link session failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	c.JSON(http.StatusCreated, linkproto.CreateSessionResponse{
		Token:       created.Session.Token,
		Secret:      created.Secret,
		CodePayload: created.CodePayload,
		ExpiresAt:   created.Session.ExpiresAt,
	})
}

// Get is open to anyone holding the token. The device credential is
// included only for the creator secret.
func (h *LinkHandler) Get(c *gin.Context) {
	sess, err := h.Service.Get(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeLinkError(c, sess, err)
		return
	}
	c.JSON(http.StatusOK, sess.CreatorView(c.GetHeader(linkproto.SecretHeader)))
}

func (h *LinkHandler) Claim(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body linkproto.ClaimRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}

	sess, err := h.Service.Claim(c.Request.Context(), c.Param("token"), model.Principal{ID: userID, Name: body.Name})
	if err != nil {
		writeLinkError(c, sess, err)
		return
	}
	c.JSON(http.StatusOK, sess.View())
}

func (h *LinkHandler) Confirm(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body linkproto.ConfirmRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	sess, err := h.Service.Confirm(c.Request.Context(), c.Param("token"), model.Principal{ID: userID}, model.DeviceFromWire(body.Device))
	if err != nil {
		writeLinkError(c, sess, err)
		return
	}
	c.JSON(http.StatusOK, sess.View())
}

func (h *LinkHandler) Reject(c *gin.Context) {
	sess, err := h.Service.Reject(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeLinkError(c, sess, err)
		return
	}
	c.JSON(http.StatusOK, sess.View())
}

func (h *LinkHandler) Heartbeat(c *gin.Context) {
	var body linkproto.HeartbeatRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	valid, err := h.Service.Heartbeat(c.Request.Context(), body.Token)
	if err != nil {
		logx.FromContext(c.Request.Context()).Error("heartbeat failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, linkproto.HeartbeatResponse{Valid: valid})
}
