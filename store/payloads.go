package store

import "fmt"

// Turn summaries run before session summaries so a session summary can read them.
const (
	PriorityTurnSummary    = 0
	PrioritySessionSummary = 1
)

// Job payloads carry identifiers only; workers load current content from the store.

type TurnJobPayload struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	Index     int    `json:"turn_index"`
}

type SessionJobPayload struct {
	SessionID string `json:"session_id"`
}

func TurnJobKey(sessionID string, index int) string {
	return fmt.Sprintf("turn:%s:%d", sessionID, index)
}

func SessionJobKey(sessionID string) string {
	return "session:" + sessionID
}
