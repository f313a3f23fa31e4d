package out

import (
	"context"
	"errors"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
)

var ErrUserNotFound = errors.New("user not found")

// PresenceRepository 在线状态在 Redis 中的镜像，供其它服务查询
type PresenceRepository interface {
	// SetOnline 记录用户当前连接
	SetOnline(ctx context.Context, user *entity.OnlineUser) error
	// SetOffline 只有 connID 仍是当前连接时才删除，返回是否删除
	SetOffline(ctx context.Context, userID, connID string) (bool, error)
	// Touch 心跳续期
	Touch(ctx context.Context, userID, connID string) error
	// IsOnline 检查用户是否在线
	IsOnline(ctx context.Context, userID string) (bool, error)
	// Get 用户当前连接所在节点等信息，不在线返回 nil
	Get(ctx context.Context, userID string) (*entity.OnlineUser, error)
	// OnlineUsers 全部在线用户
	OnlineUsers(ctx context.Context) ([]string, error)
}

// UserDirectory 用户资料与账号状态
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*entity.UserProfile, error)
}

// TokenBlacklist 已吊销的 JWT
type TokenBlacklist interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}
