package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/secretlove/love-relay/config"
	"github.com/secretlove/love-relay/contexthelper"
	"github.com/secretlove/love-relay/model"
)

var ErrNotFound = errors.New("not found")

// Storage is the durable fallback channel: pings written here are picked up by the
// recipient's poll even when live delivery and push both missed.
type Storage interface {
	SavePing(ctx context.Context, ping model.StoredPing) (model.StoredPing, error)
	PendingPings(ctx context.Context, to string, since time.Time, limit int) ([]model.StoredPing, error)
	MarkDelivered(ctx context.Context, to, id string) (bool, error)
	ClaimPending(ctx context.Context, to string, since time.Time, limit int) ([]model.StoredPing, error)
	SetToken(ctx context.Context, userID, token string) error
	Token(ctx context.Context, userID string) (string, error)
	Close() error
}

var _ Storage = (*RedisStorage)(nil)

type RedisStorage struct {
	cfg       config.RedisServer
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisStorage returns a new storage that use redis
func NewRedisStorage(cfg config.RedisServer, retention time.Duration) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.User,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	status := client.Ping(context.Background())
	if status.Err() != nil {
		return nil, status.Err()
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStorage{
		cfg:       cfg,
		client:    client,
		retention: retention,
		now:       time.Now,
	}, nil
}

func pingKey(id string) string { return "ping:" + id }
func deliveredKey(id string) string { return "ping:" + id + ":delivered" }
func recipientKey(to string) string { return "pings:" + to }
func tokenKey(userID string) string { return "token:" + userID }
func msec(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }
func newPingID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// SavePing stores a ping addressed to ping.To. The timestamp is always assigned here.
func (s *RedisStorage) SavePing(ctx context.Context, ping model.StoredPing) (model.StoredPing, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return model.StoredPing{}, ctx.Err()
	}
	ping.ID = newPingID(ping.ID)
	ping.Type = model.PingType(ping.Type)
	ping.Timestamp = s.now().UnixMilli()
	ping.Delivered = false
	buf, err := json.Marshal(ping)
	if err != nil {
		return model.StoredPing{}, fmt.Errorf("fail to marshal ping, err: %w", err)
	}
	ok, err := s.client.SetNX(ctx, pingKey(ping.ID), string(buf), s.retention).Result()
	if err != nil {
		return model.StoredPing{}, fmt.Errorf("fail to set ping %s, err: %w", ping.ID, err)
	}
	if !ok {
		// same id written twice, keep the first record and make sure it is indexed
		existing, err := s.getPing(ctx, ping.ID)
		if err != nil {
			return model.StoredPing{}, err
		}
		if err := s.index(ctx, existing); err != nil {
			return model.StoredPing{}, err
		}
		return existing, nil
	}
	if err := s.index(ctx, ping); err != nil {
		// a record nobody can poll must not answer a retry with the same id
		if delErr := s.client.Del(context.WithoutCancel(ctx), pingKey(ping.ID)).Err(); delErr != nil {
			return model.StoredPing{}, fmt.Errorf("fail to remove unindexed ping %s, err: %w", ping.ID, errors.Join(err, delErr))
		}
		return model.StoredPing{}, err
	}
	return ping, nil
}

// index adds ping to its recipient's sorted set. Re-indexing an indexed ping is a no-op.
func (s *RedisStorage) index(ctx context.Context, ping model.StoredPing) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, recipientKey(ping.To), redis.Z{
			Score:  float64(ping.Timestamp),
			Member: ping.ID,
		})
		pipe.Expire(ctx, recipientKey(ping.To), s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail to index ping %s, err: %w", ping.ID, err)
	}
	return nil
}

func (s *RedisStorage) getPing(ctx context.Context, id string) (model.StoredPing, error) {
	raw, err := s.client.Get(ctx, pingKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return model.StoredPing{}, ErrNotFound
	}
	if err != nil {
		return model.StoredPing{}, fmt.Errorf("fail to get ping %s, err: %w", id, err)
	}
	var ping model.StoredPing
	if err := json.Unmarshal([]byte(raw), &ping); err != nil {
		return model.StoredPing{}, fmt.Errorf("fail to unmarshal ping, err: %w", err)
	}
	delivered, err := s.client.Exists(ctx, deliveredKey(id)).Result()
	if err != nil {
		return model.StoredPing{}, fmt.Errorf("fail to get delivered flag %s, err: %w", id, err)
	}
	ping.Delivered = delivered > 0
	return ping, nil
}

// PendingPings returns undelivered pings to `to` newer than since, oldest first.
func (s *RedisStorage) PendingPings(ctx context.Context, to string, since time.Time, limit int) ([]model.StoredPing, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return nil, ctx.Err()
	}
	ids, err := s.client.ZRangeByScore(ctx, recipientKey(to), &redis.ZRangeBy{
		Min: "(" + msec(since),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("fail to get pings for %s, err: %w", to, err)
	}
	var pings []model.StoredPing
	for _, id := range ids {
		ping, err := s.getPing(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// record expired before its index entry
			continue
		}
		if err != nil {
			return nil, err
		}
		if ping.Delivered {
			continue
		}
		pings = append(pings, ping)
		if limit > 0 && len(pings) == limit {
			break
		}
	}
	return pings, nil
}

// MarkDelivered flags a ping as delivered. It reports true only for the call that set the flag.
func (s *RedisStorage) MarkDelivered(ctx context.Context, to, id string) (bool, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return false, ctx.Err()
	}
	ping, err := s.getPing(ctx, id)
	if err != nil {
		return false, err
	}
	if ping.To != to {
		return false, ErrNotFound
	}
	ok, err := s.client.SetNX(ctx, deliveredKey(id), "1", s.retention).Result()
	if err != nil {
		return false, fmt.Errorf("fail to mark ping %s delivered, err: %w", id, err)
	}
	return ok, nil
}

// ClaimPending returns the pending pings this call managed to mark delivered.
func (s *RedisStorage) ClaimPending(ctx context.Context, to string, since time.Time, limit int) ([]model.StoredPing, error) {
	pending, err := s.PendingPings(ctx, to, since, limit)
	if err != nil {
		return nil, err
	}
	return claim(ctx, s, to, pending)
}

func claim(ctx context.Context, s Storage, to string, pending []model.StoredPing) ([]model.StoredPing, error) {
	claimed := make([]model.StoredPing, 0, len(pending))
	for _, p := range pending {
		ok, err := s.MarkDelivered(ctx, to, p.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		if ok {
			p.Delivered = true
			claimed = append(claimed, p)
		}
	}
	return claimed, nil
}

func (s *RedisStorage) SetToken(ctx context.Context, userID, token string) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	if status := s.client.Set(ctx, tokenKey(userID), token, 0); status.Err() != nil {
		return fmt.Errorf("fail to set token %s, err: %w", userID, status.Err())
	}
	return nil
}

func (s *RedisStorage) Token(ctx context.Context, userID string) (string, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return "", ctx.Err()
	}
	result, err := s.client.Get(ctx, tokenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fail to get token %s, err: %w", userID, err)
	}
	return result, nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
