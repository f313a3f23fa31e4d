package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
	"github.com/EthanQC/IM/services/realtime_service/pkg/keylock"
	"github.com/EthanQC/IM/services/realtime_service/pkg/zlog"
)

// PresenceListener 注册 / 注销成功后的回调，在该用户的锁内执行
type PresenceListener interface {
	OnRegister(ctx context.Context, conn out.Connection)
	OnUnregister(ctx context.Context, conn out.Connection)
}

// PresenceListeners 按顺序依次回调
type PresenceListeners []PresenceListener

func (ls PresenceListeners) OnRegister(ctx context.Context, conn out.Connection) {
	for _, l := range ls {
		l.OnRegister(ctx, conn)
	}
}

func (ls PresenceListeners) OnUnregister(ctx context.Context, conn out.Connection) {
	for _, l := range ls {
		l.OnUnregister(ctx, conn)
	}
}

// ConnectionRegistry 用户 -> 当前连接，是"谁在线"的唯一来源。
// 同一用户的注册与注销通过按用户加锁串行化，不同用户互不阻塞。
type ConnectionRegistry struct {
	locks    *keylock.KeyedMutex
	conns    sync.Map // userID -> out.Connection
	online   atomic.Int64
	listener PresenceListener
	metrics  out.Metrics
}

// NewConnectionRegistry 创建连接表
func NewConnectionRegistry(metrics out.Metrics) *ConnectionRegistry {
	if metrics == nil {
		metrics = out.NopMetrics{}
	}
	return &ConnectionRegistry{
		locks:   keylock.New(),
		metrics: metrics,
	}
}

// SetListener 设置在线状态回调，需在接受连接前调用
func (r *ConnectionRegistry) SetListener(l PresenceListener) {
	r.listener = l
}

// Register 注册连接。userID 为空或与连接身份不一致时拒绝并关闭连接；
// 已有旧连接时先关闭旧连接，保证同一用户只有一条存活连接。
func (r *ConnectionRegistry) Register(ctx context.Context, userID string, conn out.Connection) error {
	if conn == nil {
		return ErrUnauthenticated
	}
	if userID == "" || conn.UserID() != userID {
		_ = conn.Close()
		return ErrUnauthenticated
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	prev, loaded := r.conns.Swap(userID, conn)
	if loaded {
		if old := prev.(out.Connection); old != conn {
			zlog.C(ctx).Info("replacing previous connection",
				zap.String("user_id", userID),
				zap.String("old_conn_id", old.ID()),
				zap.String("new_conn_id", conn.ID()))
			_ = old.Close()
		}
	} else {
		r.metrics.OnlineUsers(int(r.online.Add(1)))
	}

	if r.listener != nil {
		r.listener.OnRegister(ctx, conn)
	}
	return nil
}

// Unregister 只有 conn 仍是该用户的当前连接时才移除，旧连接迟到的关闭不会覆盖新连接
func (r *ConnectionRegistry) Unregister(ctx context.Context, userID string, conn out.Connection) bool {
	if conn == nil || userID == "" {
		return false
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	if !r.conns.CompareAndDelete(userID, conn) {
		return false
	}
	r.metrics.OnlineUsers(int(r.online.Add(-1)))

	if r.listener != nil {
		r.listener.OnUnregister(ctx, conn)
	}
	return true
}

// IsOnline 是否在线
func (r *ConnectionRegistry) IsOnline(userID string) bool {
	_, ok := r.conns.Load(userID)
	return ok
}

// Get 返回用户当前连接
func (r *ConnectionRegistry) Get(userID string) (out.Connection, bool) {
	v, ok := r.conns.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(out.Connection), true
}

// Snapshot 在线用户列表，按 ID 排序
func (r *ConnectionRegistry) Snapshot() []string {
	ids := make([]string, 0, r.Count())
	r.conns.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// Count 在线用户数
func (r *ConnectionRegistry) Count() int {
	return int(r.online.Load())
}

// SendTo 投递给用户当前连接
func (r *ConnectionRegistry) SendTo(userID string, message []byte) error {
	conn, ok := r.Get(userID)
	if !ok {
		return ErrRecipientOffline
	}
	if err := conn.Send(message); err != nil {
		return fmt.Errorf("send to %s: %w", userID, err)
	}
	return nil
}

// Broadcast 投递给除 exclude 外的所有连接
func (r *ConnectionRegistry) Broadcast(message []byte, exclude string) int {
	sent := 0
	r.conns.Range(func(k, v any) bool {
		if k.(string) == exclude {
			return true
		}
		if err := v.(out.Connection).Send(message); err == nil {
			sent++
		}
		return true
	})
	return sent
}

// CloseAll 关闭全部连接，用于优雅退出
func (r *ConnectionRegistry) CloseAll() {
	r.conns.Range(func(_, v any) bool {
		_ = v.(out.Connection).Close()
		return true
	})
}
