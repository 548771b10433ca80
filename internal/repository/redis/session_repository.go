package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/observelab/termdemo/internal/domain"
	"github.com/observelab/termdemo/pkg/logger"
	"github.com/observelab/termdemo/pkg/redis"
)

// SessionRepository persists a best-effort snapshot of the active session
// under session:<clientId>. The coordinator never reads it back; it exists
// for operators poking at the store. Failures are logged and swallowed.
type SessionRepository interface {
	Save(ctx context.Context, clientID string, ss *domain.PersistedSession, ttl time.Duration)
	Delete(ctx context.Context, clientID string)
}

type redisSessionRepository struct {
	cli *redis.Client
	l   logger.Logger
}

func NewRedisSessionRepository(cli *redis.Client, l logger.Logger) SessionRepository {
	return &redisSessionRepository{
		cli: cli,
		l:   l,
	}
}

func (r *redisSessionRepository) Save(ctx context.Context, clientID string, ss *domain.PersistedSession, ttl time.Duration) {
	data, err := json.Marshal(ss)
	if err != nil {
		r.l.Errorf(ctx, "redisSessionRepository.Save: %v", err)
		return
	}

	if err := r.cli.Set(ctx, r.sessionKey(clientID), data, ttl); err != nil {
		r.l.Warnf(ctx, "redisSessionRepository.Save: %v", err)
	}
}

func (r *redisSessionRepository) Delete(ctx context.Context, clientID string) {
	if err := r.cli.Del(ctx, r.sessionKey(clientID)); err != nil {
		r.l.Warnf(ctx, "redisSessionRepository.Delete: %v", err)
	}
}

func (r *redisSessionRepository) sessionKey(clientID string) string {
	return fmt.Sprintf("session:%s", clientID)
}
