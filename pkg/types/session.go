package types

import "time"

// SessionInfo is the client-visible summary of a session record, returned
// by list_sessions and embedded in session_created/session_deleted data.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	Created   time.Time `json:"created"`
	Version   int64     `json:"version"`
}

// StoredSessionInfo describes a persisted session file discovered under an
// allowed root by list_stored_sessions. The file content itself is treated
// as an opaque blob.
type StoredSessionInfo struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}
