package domain

import "time"

// Message is one entry of a run's interaction transcript
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Message roles used by runners
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ListEntry is one row of a run listing
type ListEntry struct {
	Address string    `json:"address"`
	Status  RunStatus `json:"status"`
}

// RunEvent is emitted whenever a run started through an experiment changes status
type RunEvent struct {
	Address   string    `json:"address"`
	Status    RunStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
