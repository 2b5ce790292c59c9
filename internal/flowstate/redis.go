package flowstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/athen/internal/model"
)

const keyPrefix = "athen:oauth_flow:"

// RedisStore はRedisを使用したStore。
// 取り出しはGETDELで行うため、複数プロセスから同時にPopしても1回しか成功しない。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient はURLからRedisクライアントを生成する。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Put はstateをキーにレコードを保存する。
func (s *RedisStore) Put(ctx context.Context, state string, rec *model.FlowRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode flow record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, keyPrefix+state, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store flow record: %w", err)
	}
	if !ok {
		return ErrDuplicateState
	}
	return nil
}

// Pop はレコードを取り出して削除する。
func (s *RedisStore) Pop(ctx context.Context, state string) (*model.FlowRecord, error) {
	data, err := s.client.GetDel(ctx, keyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop flow record: %w", err)
	}

	rec := &model.FlowRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode flow record: %w", err)
	}
	return rec, nil
}

var _ Store = (*RedisStore)(nil)
