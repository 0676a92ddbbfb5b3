package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"devicelink/internal/auth"
	"devicelink/internal/hub"
	"devicelink/internal/linking"
	"devicelink/internal/logx"
	"devicelink/internal/metrics"
	"devicelink/internal/middleware"
	"devicelink/internal/store"
	"devicelink/pkg/clock"
	"devicelink/pkg/linkproto"
)

type testEnv struct {
	router   *gin.Engine
	service  *linking.Service
	hub      *hub.Hub
	tokenCfg auth.TokenConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithClock(t, clock.Real())
}

func newTestEnvWithClock(t *testing.T, clk clock.Clock) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := store.New()
	h := hub.New()
	m := metrics.New(h.Subscribers)
	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	svc, err := linking.NewService(linking.Options{
		Repo:     repo,
		Notifier: h,
		Issuer:   auth.DeviceIssuer{Config: tokenCfg},
		Observer: m,
		Clock:    clk,
		Logger:   logx.Discard(),
	})
	require.NoError(t, err)

	r := NewRouter(Deps{
		Repo:          repo,
		Service:       svc,
		Hub:           h,
		Metrics:       m,
		TokenConfig:   tokenCfg,
		Logger:        logx.Discard(),
		CreateLimiter: middleware.NewRateLimiter(1000, time.Minute),
	})
	return &testEnv{router: r, service: svc, hub: h, tokenCfg: tokenCfg}
}

func (e *testEnv) primaryToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.CreateToken(userID, e.tokenCfg)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doWithHeader(t, method, path, bearer, nil, body)
}

func (e *testEnv) doWithHeader(t *testing.T, method, path, bearer string, header http.Header, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *testEnv) createSession(t *testing.T) linkproto.CreateSessionResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/link/sessions", "", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[linkproto.CreateSessionResponse](t, w)
}

// link runs the full handshake for userID and returns the link token and
// the device credential.
func (e *testEnv) link(t *testing.T, userID string) (string, string) {
	t.Helper()
	primary := e.primaryToken(t, userID)
	created := e.createSession(t)

	w := e.do(t, http.MethodPost, "/v1/link/sessions/"+created.Token+"/claim", primary, linkproto.ClaimRequest{Name: "phone"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodPost, "/v1/link/sessions/"+created.Token+"/confirm", primary,
		linkproto.ConfirmRequest{Device: linkproto.DeviceMetadata{Platform: "web", Name: "laptop"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Empty(t, decode[linkproto.SessionView](t, w).AccessToken)

	view := e.status(t, created.Token, created.Secret)
	require.NotEmpty(t, view.AccessToken)
	return created.Token, view.AccessToken
}

// status polls token the way its creator does.
func (e *testEnv) status(t *testing.T, token, secret string) linkproto.SessionView {
	t.Helper()
	header := http.Header{}
	header.Set(linkproto.SecretHeader, secret)
	w := e.doWithHeader(t, http.MethodGet, "/v1/link/sessions/"+token, "", header, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[linkproto.SessionView](t, w)
}
