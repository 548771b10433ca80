package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/observelab/termdemo/internal/domain"
	"github.com/observelab/termdemo/pkg/logger"
	"github.com/observelab/termdemo/pkg/redis"
)

var ErrInviteNotFound = errors.New("invite not found")

// InviteRepository reads and writes invite records keyed by token. Records
// are created out of band; the coordinator only updates status, use counts,
// and the audit trail. Save sets a fresh TTL; SaveKeepTTL keeps the remaining
// one. Both apply a one day floor.
type InviteRepository interface {
	Get(ctx context.Context, token string) (*domain.InviteRecord, error)
	Save(ctx context.Context, token string, rec *domain.InviteRecord, ttl time.Duration) error
	// SaveKeepTTL writes the record back preserving the key's remaining TTL,
	// with a one day floor.
	SaveKeepTTL(ctx context.Context, token string, rec *domain.InviteRecord) error
}

type redisInviteRepository struct {
	cli *redis.Client
	l   logger.Logger
}

func NewRedisInviteRepository(cli *redis.Client, l logger.Logger) InviteRepository {
	return &redisInviteRepository{
		cli: cli,
		l:   l,
	}
}

func (r *redisInviteRepository) Get(ctx context.Context, token string) (*domain.InviteRecord, error) {
	data, err := r.cli.Get(ctx, r.inviteKey(token))
	if err != nil {
		if err == redis.Nil {
			return nil, ErrInviteNotFound
		}
		r.l.Errorf(ctx, "redisInviteRepository.Get: %v", err)
		return nil, err
	}

	var rec domain.InviteRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		r.l.Errorf(ctx, "redisInviteRepository.Get: %v", err)
		return nil, fmt.Errorf("failed to unmarshal invite record: %w", err)
	}

	return &rec, nil
}

func (r *redisInviteRepository) Save(ctx context.Context, token string, rec *domain.InviteRecord, ttl time.Duration) error {
	if ttl < 24*time.Hour {
		ttl = 24 * time.Hour
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal invite record: %w", err)
	}

	if err := r.cli.Set(ctx, r.inviteKey(token), data, ttl); err != nil {
		r.l.Errorf(ctx, "redisInviteRepository.Save: %v", err)
		return err
	}

	return nil
}

func (r *redisInviteRepository) SaveKeepTTL(ctx context.Context, token string, rec *domain.InviteRecord) error {
	key := r.inviteKey(token)

	ttl, err := r.cli.TTL(ctx, key)
	if err != nil {
		r.l.Errorf(ctx, "redisInviteRepository.SaveKeepTTL: %v", err)
		return err
	}

	if ttl < 24*time.Hour {
		ttl = 24 * time.Hour
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal invite record: %w", err)
	}

	if err := r.cli.Set(ctx, key, data, ttl); err != nil {
		r.l.Errorf(ctx, "redisInviteRepository.SaveKeepTTL: %v", err)
		return err
	}

	return nil
}

func (r *redisInviteRepository) inviteKey(token string) string {
	return fmt.Sprintf("invite:%s", token)
}
