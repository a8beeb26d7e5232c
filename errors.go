package fleetsync

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the store, orchestrator and client.
var (
	// ErrAlreadySyncing is returned by SyncAll when another pass is in
	// flight. It is a benign condition, not a failure.
	ErrAlreadySyncing = errors.New("sync already in progress")

	// ErrOffline is returned when a sync pass is requested while the
	// connectivity monitor reports offline.
	ErrOffline = errors.New("device is offline")

	// ErrStoreClosed is returned by store operations after Close.
	ErrStoreClosed = errors.New("store is closed")

	// ErrNotFound is returned when a record does not exist in its
	// collection.
	ErrNotFound = errors.New("record not found")
)

// APIError is an error response from the remote collaborator. It carries the
// HTTP status and the server's human-readable message, and classifies the
// failure as permanent (validation rejection that will repeat forever without
// user correction) or transient (worth retrying on the next pass).
type APIError struct {
	Status    int
	Message   string
	Permanent bool
}

func (e *APIError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Message == "" {
		return fmt.Sprintf("api error (%s): status %d", kind, e.Status)
	}
	return fmt.Sprintf("api error (%s): status %d: %s", kind, e.Status, e.Message)
}

// IsPermanent reports whether err is a server-side validation rejection that
// must not be retried automatically.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Permanent
	}
	return false
}
