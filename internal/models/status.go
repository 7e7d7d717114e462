package models

import "time"

// Status is the phase of the sync cycle.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusPushing Status = "PUSHING"
	StatusPulling Status = "PULLING"
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// SyncState is the observable state of the sync engine. It is held in
// memory only.
type SyncState struct {
	Status       Status     `json:"status"`
	PendingCount int        `json:"pending_count"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// ConnectionState is the state of the realtime event stream.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "DISCONNECTED"
	ConnConnecting   ConnectionState = "CONNECTING"
	ConnConnected    ConnectionState = "CONNECTED"
	ConnReconnecting ConnectionState = "RECONNECTING"
)

// Credentials are the tokens issued by the remote authority.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id,omitempty"`
	Email        string `json:"email,omitempty"`
}
