package errors

import "errors"

// Credential errors.
var (
	ErrNoCredential   = errors.New("no credential available")
	ErrSessionInvalid = errors.New("session invalid: re-authentication required")
)

// Sync errors.
var (
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrMutationNotFound = errors.New("mutation not found")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
