// Package message defines the normalized message shape shared by the
// channel adapter contract, the message transformer, the session-key
// router, and the orchestrator.
package message

import "time"

// Sender identifies who sent a Normalized message.
type Sender struct {
	ID          string
	Platform    string
	DisplayName string
}

// Normalized is the external-platform-independent message shape. ID is the
// platform's stable message identifier and is the sole key for intake
// idempotence.
type Normalized struct {
	ID        string
	Channel   string
	Text      string
	Sender    Sender
	Timestamp time.Time
	Metadata  map[string]string
}
