package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify a principal. SessionID is set only on device credentials
// and names the link session the device was linked through.
type Claims struct {
	UserID    string `json:"sub"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// IsDevice reports whether the token was minted for a linked device.
func (c *Claims) IsDevice() bool { return c.SessionID != "" }

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: "devicelink",
	}
}

func CreateToken(userID string, cfg TokenConfig) (string, error) {
	return createToken(userID, "", cfg)
}

// CreateDeviceToken mints the credential handed to a secondary device when
// its link session is confirmed.
func CreateDeviceToken(userID, sessionID string, cfg TokenConfig) (string, error) {
	if sessionID == "" {
		return "", errors.New("missing sessionID")
	}
	return createToken(userID, sessionID, cfg)
}

func createToken(userID, sessionID string, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if userID == "" {
		return "", errors.New("missing userID")
	}
	if cfg.Expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		UserID:    userID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
			ID:        hex.EncodeToString(jtiBytes),
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// DeviceIssuer mints device credentials for the linking service.
type DeviceIssuer struct {
	Config TokenConfig
}

func (i DeviceIssuer) IssueDeviceCredential(principalID, sessionToken string) (string, error) {
	return CreateDeviceToken(principalID, sessionToken, i.Config)
}
