package types

import "time"

type Event struct {
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Session statuses.
const (
	StatusCreated  = "created"
	StatusActive   = "active"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusEnded    = "ended"
)

type Session struct {
	ID        string    `json:"session_id"`
	RoomName  string    `json:"room_name"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}
