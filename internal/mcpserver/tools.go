// Package mcpserver registers MCP tools for inspecting and driving the
// sync engine. It adapts the engine's components to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/localstore"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/queue"
	"github.com/alexjbarnes/ledger-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// RequestReason is passed to the scheduler for syncs requested here.
const RequestReason = "admin"

// SyncService runs or schedules sync cycles.
type SyncService interface {
	SyncNow(ctx context.Context, reason string) (bool, error)
	Request(reason string)
}

// Deps are the components the tools operate on.
type Deps struct {
	Tracker    *syncer.Tracker
	Sync       SyncService
	Queue      *queue.Queue
	Store      *localstore.Store
	MaxRetries int

	// Connection reports the realtime state. Nil means realtime is off.
	Connection func() models.ConnectionState
}

// RegisterTools adds all admin tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	if d.MaxRetries <= 0 {
		d.MaxRetries = queue.DefaultMaxRetries
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Current sync status: phase, pending mutation count, last successful sync time and last error.",
	}, statusHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run a push and pull cycle immediately and wait for it to finish. Fails if a cycle is already running or no credential is available.",
	}, syncNowHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_list",
		Description: "List queued local mutations in upload order with retry counts and last errors.",
	}, queueListHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_reset",
		Description: "Zero the retry count of a queued mutation so it is uploaded again. Without an id, resets every mutation that reached the retry ceiling.",
	}, queueResetHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "entity_put",
		Description: "Create or replace a local entity and queue the change for upload. The data must be a JSON object.",
	}, entityPutHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "entity_delete",
		Description: "Delete a local entity and queue the deletion for upload.",
	}, entityDeleteHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflicts_list",
		Description: "List recorded conflicts where a pulled server change replaced an entity with unsent local edits. Includes a text patch from local to remote.",
	}, conflictsHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "connection_status",
		Description: "State of the realtime event stream: DISCONNECTED, CONNECTING, CONNECTED or RECONNECTING.",
	}, connectionHandler(d))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// EmptyInput has no parameters.
type EmptyInput struct{}

// QueueResetInput holds parameters for queue_reset.
type QueueResetInput struct {
	ID string `json:"id,omitempty" jsonschema:"mutation id, omit to reset all mutations at the retry ceiling"`
}

// EntityPutInput holds parameters for entity_put. Data describes the
// schema only; the handler stores the argument's raw JSON.
type EntityPutInput struct {
	EntityType string         `json:"entity_type" jsonschema:"required,entity type such as clients or payments"`
	EntityID   string         `json:"entity_id" jsonschema:"required,entity id"`
	Data       map[string]any `json:"data" jsonschema:"required,entity fields"`
}

// EntityDeleteInput holds parameters for entity_delete.
type EntityDeleteInput struct {
	EntityType string `json:"entity_type" jsonschema:"required,entity type"`
	EntityID   string `json:"entity_id" jsonschema:"required,entity id"`
}

// --- Output types ---

// SyncNowResult is the outcome of sync_now.
type SyncNowResult struct {
	Success bool             `json:"success"`
	State   models.SyncState `json:"state"`
}

// MutationEntry is a queued mutation with its payload decoded.
type MutationEntry struct {
	ID         string        `json:"id"`
	EntityType string        `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Action     models.Action `json:"action"`
	Payload    any           `json:"payload,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
}

// QueueListResult lists queued mutations.
type QueueListResult struct {
	Count     int             `json:"count"`
	Mutations []MutationEntry `json:"mutations"`
}

// QueueResetResult reports how many mutations were reset.
type QueueResetResult struct {
	Reset int `json:"reset"`
}

// EntityChangeResult describes a queued local change.
type EntityChangeResult struct {
	EntityType string        `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Action     models.Action `json:"action"`
	MutationID string        `json:"mutation_id"`
}

// ConflictEntry is a recorded conflict with both versions decoded.
type ConflictEntry struct {
	ID         string        `json:"id"`
	EntityType string        `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Action     models.Action `json:"action"`
	Local      any           `json:"local,omitempty"`
	Remote     any           `json:"remote,omitempty"`
	Patch      string        `json:"patch,omitempty"`
	At         time.Time     `json:"at"`
}

// ConflictsResult lists recorded conflicts.
type ConflictsResult struct {
	Count     int             `json:"count"`
	Conflicts []ConflictEntry `json:"conflicts"`
}

// ConnectionResult is the realtime connection state.
type ConnectionResult struct {
	State   models.ConnectionState `json:"state"`
	Enabled bool                   `json:"enabled"`
}

// --- Handlers ---

func statusHandler(d Deps) mcp.ToolHandlerFor[EmptyInput, models.SyncState] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, models.SyncState, error) {
		s := d.Tracker.Snapshot()
		return textResult(s), s, nil
	}
}

func syncNowHandler(d Deps) mcp.ToolHandlerFor[EmptyInput, *SyncNowResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *SyncNowResult, error) {
		ok, err := d.Sync.SyncNow(ctx, RequestReason)
		if err != nil {
			if errors.Is(err, apperrors.ErrSyncInProgress) {
				return nil, nil, errors.New("a sync cycle is already running")
			}

			return nil, nil, fmt.Errorf("sync not started: %w", err)
		}

		result := &SyncNowResult{Success: ok, State: d.Tracker.Snapshot()}

		return textResult(result), result, nil
	}
}

func queueListHandler(d Deps) mcp.ToolHandlerFor[EmptyInput, *QueueListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *QueueListResult, error) {
		recs, err := d.Queue.List()
		if err != nil {
			return nil, nil, err
		}

		result := &QueueListResult{Count: len(recs), Mutations: make([]MutationEntry, 0, len(recs))}

		for _, r := range recs {
			result.Mutations = append(result.Mutations, MutationEntry{
				ID:         r.ID,
				EntityType: r.EntityType,
				EntityID:   r.EntityID,
				Action:     r.Action,
				Payload:    decodeRaw(r.Payload),
				CreatedAt:  r.CreatedAt,
				RetryCount: r.RetryCount,
				LastError:  r.LastError,
			})
		}

		return textResult(result), result, nil
	}
}

func queueResetHandler(d Deps) mcp.ToolHandlerFor[QueueResetInput, *QueueResetResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input QueueResetInput) (*mcp.CallToolResult, *QueueResetResult, error) {
		result := &QueueResetResult{}

		if input.ID != "" {
			if err := d.Queue.Reset(input.ID); err != nil {
				return nil, nil, err
			}

			result.Reset = 1
		} else {
			n, err := d.Queue.ResetAll(d.MaxRetries)
			if err != nil {
				return nil, nil, err
			}

			result.Reset = n
		}

		if result.Reset > 0 {
			d.Sync.Request(RequestReason)
		}

		return textResult(result), result, nil
	}
}

func entityPutHandler(d Deps) mcp.ToolHandlerFor[EntityPutInput, *EntityChangeResult] {
	return func(_ context.Context, req *mcp.CallToolRequest, input EntityPutInput) (*mcp.CallToolResult, *EntityChangeResult, error) {
		input.EntityType, input.EntityID = normalizeKey(input.EntityType), normalizeKey(input.EntityID)

		if input.EntityType == "" || input.EntityID == "" {
			return nil, nil, errors.New("entity_type and entity_id are required")
		}

		data := rawArgument(req, "data")
		if data == nil {
			return nil, nil, errors.New("data must be an object")
		}

		existing, err := d.Store.Get(input.EntityType, input.EntityID)
		if err != nil {
			return nil, nil, err
		}

		action := models.ActionCreate
		if existing != nil {
			action = models.ActionUpdate
		}

		if err := d.Store.Put(input.EntityType, input.EntityID, data); err != nil {
			return nil, nil, err
		}

		return enqueue(d, input.EntityType, input.EntityID, action, data)
	}
}

func entityDeleteHandler(d Deps) mcp.ToolHandlerFor[EntityDeleteInput, *EntityChangeResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input EntityDeleteInput) (*mcp.CallToolResult, *EntityChangeResult, error) {
		input.EntityType, input.EntityID = normalizeKey(input.EntityType), normalizeKey(input.EntityID)

		if input.EntityType == "" || input.EntityID == "" {
			return nil, nil, errors.New("entity_type and entity_id are required")
		}

		existed, err := d.Store.Delete(input.EntityType, input.EntityID)
		if err != nil {
			return nil, nil, err
		}

		if !existed {
			return nil, nil, fmt.Errorf("%s/%s not found", input.EntityType, input.EntityID)
		}

		return enqueue(d, input.EntityType, input.EntityID, models.ActionDelete, nil)
	}
}

// rawArgument returns the named object argument exactly as sent, or nil
// when it is missing or not an object.
func rawArgument(req *mcp.CallToolRequest, name string) json.RawMessage {
	if req == nil || req.Params == nil {
		return nil
	}

	v := gjson.GetBytes(req.Params.Arguments, name)
	if !v.IsObject() {
		return nil
	}

	return json.RawMessage(v.Raw)
}

// normalizeKey trims and NFC-normalizes a user-supplied entity key so
// equivalent Unicode spellings address the same record.
func normalizeKey(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func enqueue(d Deps, entityType, entityID string, action models.Action, payload json.RawMessage) (*mcp.CallToolResult, *EntityChangeResult, error) {
	id := d.Queue.Enqueue(entityType, entityID, action, payload)
	if id == "" {
		return nil, nil, errors.New("change stored locally but could not be queued for upload")
	}

	d.Sync.Request(RequestReason)

	result := &EntityChangeResult{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		MutationID: id,
	}

	return textResult(result), result, nil
}

func conflictsHandler(d Deps) mcp.ToolHandlerFor[EmptyInput, *ConflictsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ConflictsResult, error) {
		cs, err := d.Store.Conflicts()
		if err != nil {
			return nil, nil, err
		}

		result := &ConflictsResult{Count: len(cs), Conflicts: make([]ConflictEntry, 0, len(cs))}

		for _, c := range cs {
			result.Conflicts = append(result.Conflicts, ConflictEntry{
				ID:         c.ID,
				EntityType: c.EntityType,
				EntityID:   c.EntityID,
				Action:     c.Action,
				Local:      decodeRaw(c.Local),
				Remote:     decodeRaw(c.Remote),
				Patch:      c.Patch,
				At:         c.At,
			})
		}

		return textResult(result), result, nil
	}
}

func connectionHandler(d Deps) mcp.ToolHandlerFor[EmptyInput, *ConnectionResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ConnectionResult, error) {
		result := &ConnectionResult{State: models.ConnDisconnected}

		if d.Connection != nil {
			result.State = d.Connection()
			result.Enabled = true
		}

		return textResult(result), result, nil
	}
}

// decodeRaw returns raw as a generic JSON value, or nil when empty or
// malformed.
func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}

	return v
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
