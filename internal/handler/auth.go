package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"devicelink/internal/auth"
	"devicelink/internal/logx"
	"devicelink/internal/store"
	"devicelink/pkg/linkproto"
)

// AuthHandler logs in primary devices: a signed challenge from an ed25519
// key yields an account and a bearer token.
type AuthHandler struct {
	Repo        store.Repository
	TokenConfig auth.TokenConfig
}

func (h *AuthHandler) Auth(c *gin.Context) {
	var body linkproto.AuthRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := auth.VerifyChallenge(body.PublicKey, body.Challenge, body.Signature); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	account, created, err := h.Repo.GetOrCreateAccount(ctx, body.PublicKey, time.Now().UnixMilli())
	if err != nil {
		logx.FromContext(ctx).Error("account lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if created {
		logx.FromContext(ctx).Info("account created", "account", account.ID)
	}

	token, err := auth.CreateToken(account.ID, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, linkproto.AuthResponse{Success: true, Token: token})
}
