package domain

import "time"

type ClientState string

const (
	ClientStateConnected ClientState = "connected"
	ClientStateQueued    ClientState = "queued"
	ClientStateActive    ClientState = "active"
	ClientStateEnded     ClientState = "ended"
)

// Client is one live protocol connection. Created on connection open,
// destroyed on close; an active holder survives its connection by the
// reconnect grace window (the session record outlives the client).
type Client struct {
	ID                  string
	State               ClientState
	JoinedAt            *time.Time
	SourceAddress       string
	UserAgent           string
	InviteToken         string
	PendingSessionToken string
}

func (c *Client) IsQueued() bool {
	return c.State == ClientStateQueued
}

func (c *Client) IsActive() bool {
	return c.State == ClientStateActive
}
