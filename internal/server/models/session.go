package models

import "time"

// Session is an opaque client-correlation handle. It carries no credentials
// and is independent of user identity; it only lets the polling endpoints
// distinguish callers without re-authenticating.
type Session struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
