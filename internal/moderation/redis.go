package moderation

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore 以 Redis Set 儲存名單
//
// 資料結構：
//   - {prefix}bans            - 被封禁的玩家
//   - {prefix}blocks:{player} - 該玩家封鎖的對象
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 建立 Redis 名單
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) bansKey() string { return s.prefix + "bans" }

func (s *RedisStore) blocksKey(playerID string) string {
	return s.prefix + "blocks:" + playerID
}

func (s *RedisStore) IsBanned(ctx context.Context, playerID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.bansKey(), playerID).Result()
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Ban(ctx context.Context, playerID string) error {
	if err := s.client.SAdd(ctx, s.bansKey(), playerID).Err(); err != nil {
		return fmt.Errorf("ban player: %w", err)
	}
	return nil
}

func (s *RedisStore) Unban(ctx context.Context, playerID string) error {
	if err := s.client.SRem(ctx, s.bansKey(), playerID).Err(); err != nil {
		return fmt.Errorf("unban player: %w", err)
	}
	return nil
}

// IsBlocked 以 pipeline 一次查詢兩個方向
func (s *RedisStore) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	pipe := s.client.Pipeline()
	ab := pipe.SIsMember(ctx, s.blocksKey(a), b)
	ba := pipe.SIsMember(ctx, s.blocksKey(b), a)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	return ab.Val() || ba.Val(), nil
}

func (s *RedisStore) Block(ctx context.Context, playerID, otherID string) error {
	if err := s.client.SAdd(ctx, s.blocksKey(playerID), otherID).Err(); err != nil {
		return fmt.Errorf("block player: %w", err)
	}
	return nil
}

func (s *RedisStore) Unblock(ctx context.Context, playerID, otherID string) error {
	if err := s.client.SRem(ctx, s.blocksKey(playerID), otherID).Err(); err != nil {
		return fmt.Errorf("unblock player: %w", err)
	}
	return nil
}
