// Package api is the client for the messaging REST service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pliu/msgsync/internal/models"
)

// ErrNotAuthenticated means no credential is available; no request was made.
var ErrNotAuthenticated = errors.New("api: not authenticated")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsAuth reports whether err is a 401/403 from the server.
func IsAuth(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
	}
	return false
}

// CredentialSource is the auth collaborator. ok is false when the user is signed out.
type CredentialSource interface {
	Token() (token string, ok bool)
}

// StaticToken is a fixed bearer credential; an empty value means signed out.
type StaticToken string

func (t StaticToken) Token() (string, bool) {
	return string(t), t != ""
}

type Client struct {
	base  string
	http  *http.Client
	creds CredentialSource
	log   *zap.Logger
}

func NewClient(baseURL string, creds CredentialSource, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		http:  &http.Client{Timeout: timeout},
		creds: creds,
		log:   log,
	}
}

func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var out []models.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Messages(ctx context.Context, username string) ([]models.Message, error) {
	var out []models.Message
	if err := c.do(ctx, http.MethodGet, "/conversation/"+url.PathEscape(username), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type sendRequest struct {
	Content string `json:"content"`
}

// SendMessage posts content and returns the created message, or nil when the server
// acknowledged without a usable body.
func (c *Client) SendMessage(ctx context.Context, username, content string) (*models.Message, error) {
	var out models.Message
	if err := c.do(ctx, http.MethodPost, "/send/"+url.PathEscape(username), sendRequest{Content: content}, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	return &out, nil
}

func (c *Client) DeleteConversation(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodDelete, "/conversation/"+url.PathEscape(username), nil, nil)
}

func (c *Client) LookupUser(ctx context.Context, username string) (*models.User, error) {
	var out models.User
	if err := c.do(ctx, http.MethodGet, "/users/username/"+url.PathEscape(username), nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.Errorf("api: user %q not found", username)
	}
	return &out, nil
}

func (c *Client) MarkRead(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPut, "/read/"+url.PathEscape(username), nil, nil)
}

type unreadCount struct {
	Count int `json:"count"`
}

func (c *Client) UnreadTotal(ctx context.Context) (int, error) {
	var out unreadCount
	if err := c.do(ctx, http.MethodGet, "/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// do performs one request. An empty or malformed body decodes to the zero value of out.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if c.creds == nil {
		return ErrNotAuthenticated
	}
	token, ok := c.creds.Token()
	if !ok {
		return ErrNotAuthenticated
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	c.log.Debug("api_request", zap.String("method", method), zap.String("path", path),
		zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(start)))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errors.Wrapf(err, "read %s %s", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.log.Warn("api_malformed_response", zap.String("method", method), zap.String("path", path), zap.Error(err))
	}
	return nil
}
