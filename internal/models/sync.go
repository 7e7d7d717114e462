// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"time"
)

// Action is the kind of change a mutation or delta carries.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Entity types known to the remote authority, in the order deltas are
// applied during a pull.
const (
	EntityClients             = "clients"
	EntityBuildings           = "buildings"
	EntityPayments            = "payments"
	EntityPaymentTransactions = "payment_transactions"
)

// EntityApplyOrder lists the known entity types in apply order.
var EntityApplyOrder = []string{
	EntityClients,
	EntityBuildings,
	EntityPayments,
	EntityPaymentTransactions,
}

// MutationRecord is one locally recorded change awaiting upload.
type MutationRecord struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     Action          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
}

// RemoteEntityDelta is one server-side change returned by a pull.
type RemoteEntityDelta struct {
	EntityType string          `json:"entity_type"`
	ID         string          `json:"id"`
	Action     Action          `json:"action"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Conflict records a pulled delta that overwrote an entity which still
// had pending local mutations.
type Conflict struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     Action          `json:"action"`
	Local      json.RawMessage `json:"local,omitempty"`
	Remote     json.RawMessage `json:"remote,omitempty"`
	Patch      string          `json:"patch,omitempty"`
	At         time.Time       `json:"at"`
}

// FailedDelta is a delta that could not be applied, kept for retry.
type FailedDelta struct {
	Key      string            `json:"key"`
	Delta    RemoteEntityDelta `json:"delta"`
	Error    string            `json:"error"`
	Attempts int               `json:"attempts"`
	FailedAt time.Time         `json:"failed_at"`
}
