// Package client implements a client for the rating HTTP API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/eroshiva/rateable/pkg/logger"
	jsoniter "github.com/json-iterator/go"
)

const headerNameActor = "X-Actor-Id"

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary
	zlog = logger.NewLogger("api-client")
)

// Entity is an entity as returned by the API.
type Entity struct {
	Ref          string         `json:"ref"`
	Kind         string         `json:"kind"`
	Name         string         `json:"name"`
	Parent       string         `json:"parent"`
	Association  string         `json:"association"`
	Properties   map[string]any `json:"properties"`
	Capabilities []string       `json:"capabilities"`
	ModifiedBy   string         `json:"modifiedBy"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Rating is a submitted or removed rating.
type Rating struct {
	Parent string `json:"parent"`
	Rating string `json:"rating"`
	Value  int64  `json:"value"`
	Rater  string `json:"rater"`
}

// Summary is the rating aggregate of a parent.
type Summary struct {
	Parent   string  `json:"parent"`
	Rateable bool    `json:"rateable"`
	Average  float64 `json:"average"`
	Total    int64   `json:"total"`
	Count    int64   `json:"count"`
	User     int64   `json:"user"`
}

// APIError is a non-2xx response. Code is the gRPC status code reported by the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Client talks to the rating HTTP API.
type Client struct {
	baseURL    string
	actor      string
	httpClient *http.Client
}

// New returns a Client for the API at baseURL, e.g. http://localhost:50052.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// WithActor returns a copy of the client that performs mutations as actor.
func (c *Client) WithActor(actor string) *Client {
	cp := *c
	cp.actor = actor
	return &cp
}

func (c *Client) do(ctx context.Context, method, endpoint string, request, dest any) error {
	var body io.Reader = http.NoBody
	if request != nil {
		b, err := json.Marshal(request)
		if err != nil {
			return fmt.Errorf("json.Marshal: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.actor != "" {
		req.Header.Set(headerNameActor, c.actor)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		zlog.Error().Err(err).Msgf("%s %s failed", method, endpoint)
		return fmt.Errorf("httpClient.Do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("io.ReadAll: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err = json.Unmarshal(raw, apiErr); err != nil {
			apiErr.Message = string(raw)
		}
		return apiErr
	}
	if dest == nil || len(raw) == 0 {
		return nil
	}
	if err = json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	return nil
}

// CreateEntity creates a root entity.
func (c *Client) CreateEntity(ctx context.Context, kind, name string, props map[string]any) (*Entity, error) {
	var e Entity
	req := map[string]any{"kind": kind, "name": name, "properties": props}
	if err := c.do(ctx, http.MethodPost, "/v1/entities", req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntity retrieves an entity with its properties and capabilities.
func (c *Client) GetEntity(ctx context.Context, ref string) (*Entity, error) {
	var e Entity
	if err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(ref), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteEntity deletes an entity and everything below it.
func (c *Client) DeleteEntity(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/v1/entities/"+url.PathEscape(ref), nil, nil)
}

// SubmitRating submits rating by rater for parent.
func (c *Client) SubmitRating(ctx context.Context, parent, rating, rater string) (*Rating, error) {
	var r Rating
	req := map[string]any{"rating": rating, "rater": rater}
	if err := c.do(ctx, http.MethodPost, "/v1/entities/"+url.PathEscape(parent)+"/ratings", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRating returns the aggregate of parent and the latest rating of rater.
func (c *Client) GetRating(ctx context.Context, parent, rater string) (*Summary, error) {
	var s Summary
	endpoint := "/v1/entities/" + url.PathEscape(parent) + "/rating"
	if rater != "" {
		endpoint += "?" + url.Values{"rater": {rater}}.Encode()
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteRatings removes all ratings of parent and returns how many were removed.
func (c *Client) DeleteRatings(ctx context.Context, parent string) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := c.do(ctx, http.MethodDelete, "/v1/entities/"+url.PathEscape(parent)+"/ratings", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// DeleteRating removes a single rating.
func (c *Client) DeleteRating(ctx context.Context, rating string) (*Rating, error) {
	var r Rating
	if err := c.do(ctx, http.MethodDelete, "/v1/ratings/"+url.PathEscape(rating), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Recompute rebuilds the aggregate of parent.
func (c *Client) Recompute(ctx context.Context, parent string) (*Summary, error) {
	var s Summary
	if err := c.do(ctx, http.MethodPost, "/v1/entities/"+url.PathEscape(parent)+"/recompute", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Healthz queries the health endpoint of the gateway.
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}
