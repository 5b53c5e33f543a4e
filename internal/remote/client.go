// Package remote implements the collaborator contracts against the server's
// HTTP JSON API and against public GeoRSS feeds.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bryan-buckman/nearby/internal/model"
)

var (
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrNotFound     = errors.New("remote: not found")
	// ErrReadOnly is returned by sources that cannot accept mutations.
	ErrReadOnly = errors.New("remote: source is read-only")
	// ErrUnknownView is returned for view keys the API has no route for.
	ErrUnknownView = errors.New("remote: unknown view")
)

// StatusError is a non-2xx response the client has no sentinel for.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote status %d", e.Code)
}

// Client talks to the server's JSON API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	installID  string
}

type errorBody struct {
	Error string `json:"error"`
}

type countResponse struct {
	Count int `json:"count"`
}

type registerRequest struct {
	Token     string   `json:"token"`
	InstallID string   `json:"install_id,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type sessionResponse struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

// NewClient returns a client for baseURL. token, if set, is sent as a bearer
// credential.
func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
	}
}

// WithInstallID makes the client identify this installation when it
// registers a device token.
func (c *Client) WithInstallID(id string) *Client {
	c.installID = id
	return c
}

// FetchPage returns one page of items for view.
func (c *Client) FetchPage(ctx context.Context, view model.ViewKey, q model.Query) ([]model.Item, error) {
	path, err := collectionPath(view)
	if err != nil {
		return nil, err
	}
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	if q.Size > 0 {
		v.Set("limit", strconv.Itoa(q.Size))
	}
	if view.IsFeed() {
		if q.Location != nil {
			v.Set("lat", strconv.FormatFloat(q.Location.Latitude, 'f', -1, 64))
			v.Set("lon", strconv.FormatFloat(q.Location.Longitude, 'f', -1, 64))
		}
		if !q.Filters.AnyDistance() {
			v.Set("max_distance", strconv.FormatFloat(q.Filters.MaxDistanceKm, 'f', -1, 64))
		}
		if len(q.Filters.Hashtags) > 0 {
			v.Set("hashtags", strings.Join(q.Filters.Hashtags, ","))
		}
	}
	var out []model.Item
	if err := c.do(ctx, http.MethodGet, path+"?"+v.Encode(), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchDeltaCount returns how many feed items are newer than sinceID.
func (c *Client) FetchDeltaCount(ctx context.Context, view model.ViewKey, sinceID int64) (int, error) {
	if !view.IsFeed() {
		return 0, ErrUnknownView
	}
	var out countResponse
	q := "?since_id=" + strconv.FormatInt(sinceID, 10)
	if err := c.do(ctx, http.MethodGet, "/api/posts/new-count"+q, nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// SubmitMutation creates a post or sends a message. key is sent as the
// Idempotency-Key header.
func (c *Client) SubmitMutation(ctx context.Context, view model.ViewKey, p model.Payload, key string) (model.Item, error) {
	path, err := collectionPath(view)
	if err != nil {
		return model.Item{}, err
	}
	var out model.Item
	headers := map[string]string{}
	if key != "" {
		headers["Idempotency-Key"] = key
	}
	if err := c.do(ctx, http.MethodPost, path, p, headers, &out); err != nil {
		return model.Item{}, err
	}
	return out, nil
}

// RegisterDeviceToken hands a push token and the last known location to the server.
func (c *Client) RegisterDeviceToken(ctx context.Context, token string, loc *model.Location) error {
	req := registerRequest{Token: token, InstallID: c.installID}
	if loc != nil {
		req.Latitude = &loc.Latitude
		req.Longitude = &loc.Longitude
	}
	return c.do(ctx, http.MethodPost, "/api/notifications/register", req, nil, nil)
}

// ResolveSession returns the identity behind the client's credential.
// An unauthorized response resolves to the anonymous identity.
func (c *Client) ResolveSession(ctx context.Context) (model.Identity, error) {
	var out sessionResponse
	err := c.do(ctx, http.MethodGet, "/api/session", nil, nil, &out)
	if errors.Is(err, ErrUnauthorized) {
		return model.Anonymous, nil
	}
	if err != nil {
		return model.Anonymous, err
	}
	return model.Identity{UserID: out.UserID, Role: out.Role}, nil
}

func collectionPath(view model.ViewKey) (string, error) {
	if view.IsFeed() {
		return "/api/posts", nil
	}
	if id, ok := view.ConversationID(); ok {
		return "/api/conversations/" + strconv.FormatInt(id, 10) + "/messages", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownView, view)
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		token := c.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(eb.Error)}
	}
}
