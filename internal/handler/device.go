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

type DeviceHandler struct {
	Service *linking.Service
}

func (h *DeviceHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	devices, err := h.Service.ListDevices(c.Request.Context(), userID, middleware.SessionIDFromContext(c))
	if err != nil {
		logx.FromContext(c.Request.Context()).Error("list devices failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	resp := linkproto.DevicesResponse{Devices: make([]linkproto.DeviceView, 0, len(devices))}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, d.View())
	}
	c.JSON(http.StatusOK, resp)
}

func (h *DeviceHandler) Revoke(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	if err := h.Service.RevokeDevice(c.Request.Context(), c.Param("token"), userID); err != nil {
		writeLinkError(c, model.LinkSession{}, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *DeviceHandler) RevokeAll(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	n, err := h.Service.RevokeAll(c.Request.Context(), userID)
	if err != nil {
		logx.FromContext(c.Request.Context()).Error("revoke all failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, linkproto.RevokeAllResponse{Count: n})
}
