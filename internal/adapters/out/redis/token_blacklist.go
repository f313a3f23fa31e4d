package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedTokenKeyPrefix = "auth:revoked:"

// TokenBlacklistRedis 认证服务登出时写入 jti，这里只读
type TokenBlacklistRedis struct {
	client *redis.Client
}

func NewTokenBlacklistRedis(client *redis.Client) *TokenBlacklistRedis {
	return &TokenBlacklistRedis{client: client}
}

func (r *TokenBlacklistRedis) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	n, err := r.client.Exists(ctx, revokedTokenKeyPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoke 吊销 jti 直到 ttl（通常为 token 剩余有效期）
func (r *TokenBlacklistRedis) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	return r.client.Set(ctx, revokedTokenKeyPrefix+jti, 1, ttl).Err()
}
