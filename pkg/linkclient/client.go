package linkclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"devicelink/pkg/linkproto"
)

// Client calls the devicelink HTTP API. AccessToken, when set, is sent as
// a bearer token: a primary's login token or a device credential.
// SessionSecret is the creator secret of the session a secondary is
// linking; it is what makes the server hand over the device credential.
type Client struct {
	BaseURL       string
	HTTPClient    *http.Client
	AccessToken   string
	SessionSecret string
}

// New returns a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithAccessToken returns a copy of c that authenticates as token.
func (c *Client) WithAccessToken(token string) *Client {
	cp := *c
	cp.AccessToken = token
	return &cp
}

// WithSessionSecret returns a copy of c that polls and subscribes as the
// creator of a session.
func (c *Client) WithSessionSecret(secret string) *Client {
	cp := *c
	cp.SessionSecret = secret
	return &cp
}

// CreateSession starts a link session. Keep the returned Secret private and
// pass it to WithSessionSecret; only the code payload is shown to primaries.
func (c *Client) CreateSession(ctx context.Context) (linkproto.CreateSessionResponse, error) {
	var out linkproto.CreateSessionResponse
	err := c.do(ctx, http.MethodPost, "/v1/link/sessions", nil, &out)
	return out, err
}

func (c *Client) GetStatus(ctx context.Context, token string) (linkproto.SessionView, error) {
	var out linkproto.SessionView
	err := c.do(ctx, http.MethodGet, sessionPath(token), nil, &out)
	return out, err
}

// Claim binds the session to the authenticated primary. name is optional.
func (c *Client) Claim(ctx context.Context, token, name string) (linkproto.SessionView, error) {
	var out linkproto.SessionView
	var body any
	if name != "" {
		body = linkproto.ClaimRequest{Name: name}
	}
	err := c.do(ctx, http.MethodPost, sessionPath(token)+"/claim", body, &out)
	return out, err
}

func (c *Client) Confirm(ctx context.Context, token string, device linkproto.DeviceMetadata) (linkproto.SessionView, error) {
	var out linkproto.SessionView
	err := c.do(ctx, http.MethodPost, sessionPath(token)+"/confirm", linkproto.ConfirmRequest{Device: device}, &out)
	return out, err
}

// Reject refuses the session. Secondaries use it to cancel.
func (c *Client) Reject(ctx context.Context, token string) (linkproto.SessionView, error) {
	var out linkproto.SessionView
	err := c.do(ctx, http.MethodPost, sessionPath(token)+"/reject", nil, &out)
	return out, err
}

// Heartbeat reports whether token is still a linked device.
func (c *Client) Heartbeat(ctx context.Context, token string) (bool, error) {
	var out linkproto.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/v1/link/heartbeat", linkproto.HeartbeatRequest{Token: token}, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (c *Client) ListDevices(ctx context.Context) ([]linkproto.DeviceView, error) {
	var out linkproto.DevicesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *Client) RevokeDevice(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/v1/devices/"+url.PathEscape(token), nil, nil)
}

// RevokeAll unlinks every device of the caller and returns how many went.
func (c *Client) RevokeAll(ctx context.Context) (int, error) {
	var out linkproto.RevokeAllResponse
	if err := c.do(ctx, http.MethodDelete, "/v1/devices", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Authenticate logs in as the primary identified by key and returns the
// bearer token. The challenge is freshly random per call.
func (c *Client) Authenticate(ctx context.Context, key ed25519.PrivateKey) (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("linkclient: unexpected public key type %T", key.Public())
	}

	req := linkproto.AuthRequest{
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Challenge: base64.StdEncoding.EncodeToString(challenge),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(key, challenge)),
	}
	var out linkproto.AuthResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth", req, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// Poll fetches the session and converts it to the event it implies; nil
// while pending. It satisfies Poller.
func (c *Client) Poll(ctx context.Context, token string) (linkproto.Event, error) {
	view, err := c.GetStatus(ctx, token)
	if err != nil {
		return nil, err
	}
	return linkproto.EventFromView(view), nil
}

// Dialer returns a push channel dialer for the same server.
func (c *Client) Dialer() *WSDialer {
	return &WSDialer{BaseURL: c.BaseURL, HTTPClient: c.HTTPClient, Secret: c.SessionSecret}
}

func sessionPath(token string) string {
	return "/v1/link/sessions/" + url.PathEscape(token)
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	if c.SessionSecret != "" {
		req.Header.Set(linkproto.SecretHeader, c.SessionSecret)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseErrorResponse(resp.StatusCode, data)
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}
	var resp linkproto.ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		apiErr.Message = resp.Error
		apiErr.Session = resp.Session
	}
	return apiErr
}
