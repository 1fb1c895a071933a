package models

import "time"

// TrainingMessage is the durable record of one message in a training
// session. Messages are persisted before any extraction runs so raw input
// survives every downstream failure.
type TrainingMessage struct {
	ID        string
	OwnerID   string
	SessionID string
	Role      string
	Content   string
	Intent    string
	CreatedAt time.Time
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnRecord captures the outcome of one processed turn for auditing and
// latency tracking.
type TurnRecord struct {
	ID             string
	OwnerID        string
	SessionID      string
	UserMessageID  string
	Response       string
	Intent         string
	StoredCount    int
	Contradictions int
	FinalState     string
	LatencyMs      int64
	CreatedAt      time.Time
}
