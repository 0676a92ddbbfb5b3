package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"devicelink/internal/linking"
	"devicelink/internal/logx"
	"devicelink/internal/model"
	"devicelink/pkg/linkproto"
)

// writeLinkError maps linking errors onto HTTP. A 409 carries the current
// session so idempotent callers can carry on from it.
func writeLinkError(c *gin.Context, sess model.LinkSession, err error) {
	switch {
	case errors.Is(err, linking.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Link session not found"})
	case errors.Is(err, linking.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.Is(err, linking.ErrAlreadyTerminal):
		resp := linkproto.ErrorResponse{Error: "Link session already finished"}
		if sess.Token != "" {
			view := sess.View()
			resp.Session = &view
		}
		c.JSON(http.StatusConflict, resp)
	default:
		logx.FromContext(c.Request.Context()).Error("link operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
