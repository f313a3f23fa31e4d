package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
)

const (
	// 在线用户 Key 前缀，hash 存当前连接信息
	onlineUserKeyPrefix = "im:online:user:"
	// 在线用户集合
	onlineSetKey = "im:online:set"
	// 默认过期时间，心跳续期
	defaultPresenceTTL = 5 * time.Minute
)

// 只有 conn_id 仍是当前连接才删除，防止旧连接的下线覆盖新连接
var setOfflineScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// 续期同样校验 conn_id
var touchScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	redis.call("HSET", KEYS[1], "last_ping_at", ARGV[2])
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
	return 1
end
return 0
`)

// PresenceRepositoryRedis Redis 在线状态镜像
type PresenceRepositoryRedis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPresenceRepositoryRedis ttl<=0 时使用默认 5 分钟
func NewPresenceRepositoryRedis(client *redis.Client, ttl time.Duration) out.PresenceRepository {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &PresenceRepositoryRedis{client: client, ttl: ttl}
}

func (r *PresenceRepositoryRedis) getKey(userID string) string {
	return onlineUserKeyPrefix + userID
}

func (r *PresenceRepositoryRedis) SetOnline(ctx context.Context, user *entity.OnlineUser) error {
	key := r.getKey(user.UserID)

	pipe := r.client.TxPipeline()
	// 新连接整体覆盖旧连接
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"conn_id", user.ConnID,
		"node_id", user.NodeID,
		"remote_addr", user.RemoteAddr,
		"connected_at", user.ConnectedAt.UnixMilli(),
		"last_ping_at", user.LastPingAt.UnixMilli(),
	)
	pipe.Expire(ctx, key, r.ttl)
	pipe.SAdd(ctx, onlineSetKey, user.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set online %s: %w", user.UserID, err)
	}
	return nil
}

func (r *PresenceRepositoryRedis) SetOffline(ctx context.Context, userID, connID string) (bool, error) {
	n, err := setOfflineScript.Run(ctx, r.client, []string{r.getKey(userID), onlineSetKey}, connID, userID).Int()
	if err != nil {
		return false, fmt.Errorf("set offline %s: %w", userID, err)
	}
	return n == 1, nil
}

func (r *PresenceRepositoryRedis) Touch(ctx context.Context, userID, connID string) error {
	now := time.Now().UnixMilli()
	err := touchScript.Run(ctx, r.client, []string{r.getKey(userID)}, connID, now, r.ttl.Milliseconds()).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("touch %s: %w", userID, err)
	}
	return nil
}

func (r *PresenceRepositoryRedis) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.getKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get 读取用户当前连接信息，不在线时返回 nil
func (r *PresenceRepositoryRedis) Get(ctx context.Context, userID string) (*entity.OnlineUser, error) {
	data, err := r.client.HGetAll(ctx, r.getKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return &entity.OnlineUser{
		UserID:      userID,
		ConnID:      data["conn_id"],
		NodeID:      data["node_id"],
		RemoteAddr:  data["remote_addr"],
		ConnectedAt: parseMillis(data["connected_at"]),
		LastPingAt:  parseMillis(data["last_ping_at"]),
	}, nil
}

// OnlineUsers 集合成员中 hash 已过期的顺手清掉
func (r *PresenceRepositoryRedis) OnlineUsers(ctx context.Context) ([]string, error) {
	members, err := r.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(members))
	for i, userID := range members {
		cmds[i] = pipe.Exists(ctx, r.getKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	online := make([]string, 0, len(members))
	var stale []any
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			online = append(online, members[i])
		} else {
			stale = append(stale, members[i])
		}
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, onlineSetKey, stale...).Err()
	}
	return online, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
