package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/pliu/msgsync/internal/models"
)

// Session is what a successful login returns.
type Session struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// ServerRoot strips the path from a base URL such as http://host/api/messages.
func ServerRoot(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse %s", baseURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.Errorf("base url %q needs a scheme and host", baseURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Login exchanges a username and password for a bearer token.
func Login(ctx context.Context, hc *http.Client, serverRoot, username, password string) (*Session, error) {
	var out Session
	body := map[string]string{"username": username, "password": password}
	if err := postJSON(ctx, hc, strings.TrimRight(serverRoot, "/")+"/api/auth/login", body, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, errors.New("login response carried no token")
	}
	return &out, nil
}

// Signup registers a new account.
func Signup(ctx context.Context, hc *http.Client, serverRoot, username, password, displayName string) (*models.User, error) {
	var out models.User
	body := map[string]string{"username": username, "password": password, "display_name": displayName}
	if err := postJSON(ctx, hc, strings.TrimRight(serverRoot, "/")+"/api/auth/signup", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func postJSON(ctx context.Context, hc *http.Client, target string, in, out interface{}) error {
	if hc == nil {
		hc = http.DefaultClient
	}
	data, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", target)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: http.MethodPost, Path: req.URL.Path, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
