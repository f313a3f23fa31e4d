package in

import (
	"context"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
)

// ConnectionUseCase 连接的注册与注销
type ConnectionUseCase interface {
	// Register 注册连接，同一用户已有连接时关闭旧连接
	Register(ctx context.Context, userID string, conn out.Connection) error
	// Unregister 仅当 conn 仍是当前连接时注销
	Unregister(ctx context.Context, userID string, conn out.Connection) bool
	// IsOnline 是否在线
	IsOnline(userID string) bool
	// Snapshot 在线用户快照
	Snapshot() []string
}

// PresenceUseCase 在线状态广播
type PresenceUseCase interface {
	// Heartbeat 连接心跳
	Heartbeat(ctx context.Context, conn out.Connection)
	// SendSnapshot 向连接发送 user_list
	SendSnapshot(conn out.Connection) error
}

// PresenceQuery 集群范围的在线查询，本机连接优先，其它节点看 Redis 镜像
type PresenceQuery interface {
	IsOnlineAnywhere(ctx context.Context, userID string) bool
	OnlineAnywhere(ctx context.Context) []string
	// Locate 用户连接所在节点，不在线时 ok=false
	Locate(ctx context.Context, userID string) (*entity.OnlineUser, bool)
}

// RouterUseCase 入站帧路由
type RouterUseCase interface {
	// Route 处理一帧，返回错误表示连接应被关闭
	Route(ctx context.Context, conn out.Connection, raw []byte) error
}

// SignalingUseCase 通话信令协调
type SignalingUseCase interface {
	// HandleSignal 处理 senderID 发来的信令，raw 为原始帧，用于原样转发
	HandleSignal(ctx context.Context, senderID string, raw []byte, sig protocol.Signal) error
	// ActiveCalls 非终态会话数
	ActiveCalls() int
	// Run 周期回收会话，直到 ctx 结束
	Run(ctx context.Context)
}

// NotificationUseCase 通知推送
type NotificationUseCase interface {
	// Dispatch 推给在线的接收人，离线返回 ErrRecipientOffline
	Dispatch(ctx context.Context, ev *entity.NotificationEvent) error
}

// AuthUseCase 校验 auth 帧声明的身份
type AuthUseCase interface {
	Authenticate(ctx context.Context, token, userID string) error
}
