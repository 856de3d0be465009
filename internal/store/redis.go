package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grantscribe/grantd/internal/model"
)

const (
	sessionKeyPrefix = "grant_session:"
	// Sessions live well past any reasonable generation run; retention
	// proper is an external concern.
	defaultRedisTTL = 7 * 24 * time.Hour
)

// redisStore implements Store on Redis. Records are JSON blobs; partial
// updates are applied through WATCH-guarded read-modify-write so a concurrent
// writer cannot interleave between the read and the write.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &redisStore{client: client, ttl: ttl}
}

func (s *redisStore) Create(ctx context.Context, sess *model.Session) error {
	val, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), val, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, id, ownerID string) (*model.Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *redisStore) Update(ctx context.Context, id string, mut Mutation) error {
	key := s.key(id)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}

		var sess model.Session
		if err := json.Unmarshal([]byte(val), &sess); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}

		mut.Apply(&sess)

		newVal, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		return err
	}, key)

	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorage) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *redisStore) GetStatus(ctx context.Context, id string) (model.Status, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	return sess.Status, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) load(ctx context.Context, id string) (*model.Session, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var sess model.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *redisStore) key(id string) string {
	return sessionKeyPrefix + id
}
