package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/shopportal/internal/model"
	"github.com/redis/go-redis/v9"
)

// visitorKeyPrefix はRedis上の訪問者キーの接頭辞。
const visitorKeyPrefix = "shopportal:visitor:"

// RedisVisitorRepo はRedisを使用した訪問者リポジトリ。
// 期限はキーのTTLで管理する。
type RedisVisitorRepo struct {
	client *redis.Client
}

// NewRedisVisitorRepo はRedisVisitorRepoを生成する。
// クライアントのライフサイクルは呼び出し側が管理する。
func NewRedisVisitorRepo(client *redis.Client) *RedisVisitorRepo {
	return &RedisVisitorRepo{client: client}
}

type redisVisitor struct {
	ID          string            `json:"id"`
	Credentials map[string]string `json:"credentials,omitempty"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Save は訪問者を作成または更新する。期限切れの訪問者は削除する。
func (r *RedisVisitorRepo) Save(ctx context.Context, visitor *model.Visitor) error {
	key := visitorKeyPrefix + visitor.ID
	ttl := time.Until(visitor.ExpiresAt)
	if ttl <= 0 {
		return r.DeleteByID(ctx, visitor.ID)
	}
	data, err := json.Marshal(redisVisitor(*visitor))
	if err != nil {
		return fmt.Errorf("failed to encode visitor: %w", err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save visitor: %w", err)
	}
	return nil
}

// FindByID は指定IDの訪問者を取得する。見つからない場合はnilを返す。
func (r *RedisVisitorRepo) FindByID(ctx context.Context, id string) (*model.Visitor, error) {
	data, err := r.client.Get(ctx, visitorKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find visitor: %w", err)
	}
	var v redisVisitor
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode visitor: %w", err)
	}
	visitor := model.Visitor(v)
	return &visitor, nil
}

// DeleteByID は指定IDの訪問者を削除する。
func (r *RedisVisitorRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, visitorKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete visitor: %w", err)
	}
	return nil
}

// DeleteExpired はTTLで自動的に失効するため何もしない。
func (r *RedisVisitorRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

// compile-time interface check
var _ VisitorRepository = (*RedisVisitorRepo)(nil)
