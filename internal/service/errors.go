package service

import "errors"

var (
	ErrUnknownClient       = errors.New("unknown client")
	ErrAlreadyInQueue      = errors.New("already in queue or in a session")
	ErrQueueFull           = errors.New("queue is full")
	ErrReconnectInProgress = errors.New("reconnect already in progress")
	ErrShuttingDown        = errors.New("coordinator is shutting down")
	ErrSpawnFailed         = errors.New("failed to start terminal session")
)
