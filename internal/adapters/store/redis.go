package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const maxTxRetries = 8

// Redis stores each session as a JSON document under session:<id>. Updates
// run in a WATCH/MULTI transaction so concurrent writers never lose a push.
type Redis struct {
	client *redis.Client
	keyTTL time.Duration
}

func NewRedis(client *redis.Client, idempotencyTTL time.Duration) *Redis {
	return &Redis{client: client, keyTTL: idempotencyTTL}
}

func sessionKey(id domain.SessionID) string { return fmt.Sprintf("session:%s", id) }

func claimKey(key string) string { return fmt.Sprintf("idempotency:%s", key) }

func (r *Redis) Create(ctx context.Context, s *domain.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, sessionKey(s.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (r *Redis) FindByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (r *Redis) FindByIDAndUpdate(ctx context.Context, id domain.SessionID, u core.SessionUpdate) (*domain.Session, error) {
	key := sessionKey(id)
	var out domain.Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		var s domain.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode session %s: %w", id, err)
		}
		u.Apply(&s, time.Now().UTC())
		next, err := json.Marshal(&s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err == nil {
			out = s
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return &out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Str("module", "adapters.store").Str("session_id", string(id)).Int("try", i+1).Msg("redis update conflict")
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update session %s: too many conflicts", id)
}

func (r *Redis) Claim(ctx context.Context, key string, id domain.SessionID) (domain.SessionID, bool, error) {
	ok, err := r.client.SetNX(ctx, claimKey(key), string(id), r.keyTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return id, true, nil
	}
	existing, err := r.client.Get(ctx, claimKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		return r.Claim(ctx, key, id)
	}
	if err != nil {
		return "", false, err
	}
	return domain.SessionID(existing), false, nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, claimKey(key)).Err()
}
