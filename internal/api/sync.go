package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/tidwall/gjson"
)

// PushOperation is one queued mutation on the wire.
type PushOperation struct {
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Action          models.Action   `json:"action"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp string          `json:"client_timestamp"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Operations []PushOperation `json:"operations"`
}

// PushResponse is the reply to POST /sync/push.
type PushResponse struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// PullResult is a decoded GET /sync/pull reply. Deltas is keyed by
// entity type; every list-valued top-level key is an entity type.
type PullResult struct {
	ServerTimestamp string
	Deltas          map[string][]models.RemoteEntityDelta
}

// OperationFromRecord converts a queued mutation to its wire form.
func OperationFromRecord(rec models.MutationRecord) PushOperation {
	return PushOperation{
		EntityType:      rec.EntityType,
		EntityID:        rec.EntityID,
		Action:          rec.Action,
		Payload:         rec.Payload,
		ClientTimestamp: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Push uploads a batch of operations.
func (c *Client) Push(ctx context.Context, token string, ops []PushOperation) (*PushResponse, error) {
	body, err := c.do(ctx, http.MethodPost, "/sync/push", token, nil, PushRequest{Operations: ops})
	if err != nil {
		return nil, fmt.Errorf("pushing %d operations: %w", len(ops), err)
	}

	var resp PushResponse
	if len(body) > 0 {
		if err := decode("/sync/push", body, &resp); err != nil {
			return nil, err
		}
	}

	return &resp, nil
}

// Pull fetches deltas since cursor. An empty cursor requests a full sync.
func (c *Client) Pull(ctx context.Context, token, cursor string) (*PullResult, error) {
	var query url.Values
	if cursor != "" {
		query = url.Values{"since": {cursor}}
	}

	body, err := c.do(ctx, http.MethodGet, "/sync/pull", token, query, nil)
	if err != nil {
		return nil, fmt.Errorf("pulling changes: %w", err)
	}

	return ParsePull(body)
}

// ParsePull decodes a pull reply. Elements that are not objects are
// kept with empty fields so the caller can reject them individually.
func ParsePull(body []byte) (*PullResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decoding pull response: invalid JSON")
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("decoding pull response: expected object, got %s", root.Type)
	}

	result := &PullResult{Deltas: make(map[string][]models.RemoteEntityDelta)}

	root.ForEach(func(key, value gjson.Result) bool {
		name := key.String()

		if name == "server_timestamp" {
			result.ServerTimestamp = value.String()
			return true
		}

		if !value.IsArray() {
			return true
		}

		items := value.Array()
		deltas := make([]models.RemoteEntityDelta, 0, len(items))

		for _, item := range items {
			deltas = append(deltas, parseDelta(name, item))
		}

		result.Deltas[name] = deltas

		return true
	})

	return result, nil
}

func parseDelta(entityType string, item gjson.Result) models.RemoteEntityDelta {
	d := models.RemoteEntityDelta{EntityType: entityType}
	if !item.IsObject() {
		return d
	}

	d.ID = item.Get("id").String()
	d.Action = models.Action(item.Get("action").String())

	if data := item.Get("data"); data.IsObject() {
		d.Data = json.RawMessage(data.Raw)
	}

	return d
}
