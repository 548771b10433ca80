package kafka

import "time"

// Topic names for coordinator lifecycle events.
const (
	TopicQueueJoined    = "demo.queue.joined"
	TopicQueueLeft      = "demo.queue.left"
	TopicSessionStarted = "demo.session.started"
	TopicSessionEnded   = "demo.session.ended"
)

type QueueJoinedEvent struct {
	ClientID  string    `json:"client_id"`
	Position  int       `json:"position"`
	QueueSize int       `json:"queue_size"`
	JoinedAt  time.Time `json:"joined_at"`
	Timestamp time.Time `json:"timestamp"`
}

type QueueLeftEvent struct {
	ClientID  string    `json:"client_id"`
	Reason    string    `json:"reason"` // user_left or disconnected; promotion publishes no queue-left event
	Timestamp time.Time `json:"timestamp"`
}

type SessionStartedEvent struct {
	SessionID   string    `json:"session_id"`
	ClientID    string    `json:"client_id"`
	Reconnected bool      `json:"reconnected"`
	QueueWaitMs int64     `json:"queue_wait_ms"`
	StartedAt   time.Time `json:"started_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Timestamp   time.Time `json:"timestamp"`
}

type SessionEndedEvent struct {
	SessionID   string    `json:"session_id"`
	ClientID    string    `json:"client_id"`
	Reason      string    `json:"reason"`
	DurationSec float64   `json:"duration_sec"`
	Timestamp   time.Time `json:"timestamp"`
}
