package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// User is the account a token pair belongs to.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// RefreshResponse is the reply to POST /auth/refresh.
type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// Refresh exchanges a refresh token for a new token pair. A rejected
// refresh token yields an error wrapping ErrUnauthorized.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	body, err := c.do(ctx, http.MethodPost, "/auth/refresh", "", nil, RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	var resp RefreshResponse
	if err := decode("/auth/refresh", body, &resp); err != nil {
		return nil, err
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("refreshing token: response missing access_token")
	}

	return &resp, nil
}

// StatusEntry is one id/status pair from a poll endpoint.
type StatusEntry struct {
	ID     string
	Status string
}

// FetchStatuses reads a list of records from path and returns their id
// and status fields. The reply may be a bare array or an object with an
// "items" array.
func (c *Client) FetchStatuses(ctx context.Context, token, path string) ([]StatusEntry, error) {
	body, err := c.do(ctx, http.MethodGet, path, token, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("polling %s: %w", path, err)
	}

	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		root = root.Get("items")
	}

	if !root.IsArray() {
		return nil, fmt.Errorf("polling %s: response is not a list", path)
	}

	var out []StatusEntry

	root.ForEach(func(_, item gjson.Result) bool {
		id := item.Get("id").String()
		if id != "" {
			out = append(out, StatusEntry{ID: id, Status: item.Get("status").String()})
		}

		return true
	})

	return out, nil
}
