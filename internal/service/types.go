package service

import "github.com/observelab/termdemo/internal/domain"

// Notifier delivers a protocol frame to one client connection. The connection
// surface implements it; delivery failures are the surface's problem (a dead
// connection surfaces as a disconnect, not as a coordinator error).
type Notifier interface {
	Notify(msg any)
}

// client pairs the connection's domain state with its outbound channel.
type client struct {
	domain.Client
	notifier Notifier
}

// StatusOutput backs GET /status.
type StatusOutput struct {
	QueueSize     int    `json:"queue_size"`
	SessionActive bool   `json:"session_active"`
	EstimatedWait string `json:"estimated_wait"`
	MaxQueueSize  int    `json:"max_queue_size"`
}
