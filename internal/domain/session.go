package domain

import "time"

// Session is the at-most-one active session slot. ClientID may be reassigned
// by a reconnect within the grace window; everything else is fixed at start.
type Session struct {
	ID            string
	ClientID      string
	Token         string
	InviteToken   string
	SourceAddress string
	UserAgent     string

	StartedAt   time.Time
	ExpiresAt   time.Time
	QueueWaitMs int64

	AwaitingReconnect bool
	DisconnectedAt    *time.Time
}

func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// CanReconnect reports whether a join with the given invite token and source
// address may take over this session.
func (s *Session) CanReconnect(inviteToken, sourceAddress string) bool {
	return s.AwaitingReconnect &&
		s.InviteToken != "" &&
		s.InviteToken == inviteToken &&
		s.SourceAddress == sourceAddress
}

// EndReason enumerates why a session terminated.
type EndReason string

const (
	EndReasonTimeout       EndReason = "timeout"
	EndReasonContainerExit EndReason = "container_exit"
	EndReasonDisconnected  EndReason = "disconnected"
	EndReasonShutdown      EndReason = "shutdown"
	EndReasonUserEnded     EndReason = "user_ended"
	EndReasonError         EndReason = "error"
)

// PendingToken maps a session token issued at queue entry to the client that
// holds it, until the session starts and the token moves to the session map.
type PendingToken struct {
	ClientID      string
	InviteToken   string
	SourceAddress string
	CreatedAt     time.Time
}

// PersistedSession is the best-effort record written to the key-value store
// under session:<clientId>. It is never read back by the coordinator.
type PersistedSession struct {
	SessionID     string    `json:"sessionId"`
	StartedAt     time.Time `json:"startedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	InviteToken   string    `json:"inviteToken,omitempty"`
	SourceAddress string    `json:"sourceAddress"`
	UserAgent     string    `json:"userAgent"`
	QueueWaitMs   int64     `json:"queueWaitMs"`
}
