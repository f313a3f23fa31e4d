package application

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
	"github.com/EthanQC/IM/services/realtime_service/pkg/zlog"
)

const presenceRepoTimeout = 2 * time.Second

// RemoteAddrer 能提供对端地址的连接
type RemoteAddrer interface {
	RemoteAddr() string
}

// PresenceBroadcaster 上下线广播。不做订阅关系，online/offline 推给所有连接；
// Redis 只是镜像，失败不影响本机广播。
//
// fanout 把"读快照并入队 user_list"和 online/offline 广播串行化：
// 任何一条广播要么在快照读取前完成（快照已包含其结果），要么排在 user_list 之后。
type PresenceBroadcaster struct {
	registry out.ConnectionRegistry
	repo     out.PresenceRepository
	nodeID   string
	clock    clock.Clock

	fanout sync.Mutex
}

// NewPresenceBroadcaster repo 为空时不写 Redis
func NewPresenceBroadcaster(registry out.ConnectionRegistry, repo out.PresenceRepository, nodeID string, clk clock.Clock) *PresenceBroadcaster {
	if clk == nil {
		clk = clock.New()
	}
	return &PresenceBroadcaster{
		registry: registry,
		repo:     repo,
		nodeID:   nodeID,
		clock:    clk,
	}
}

// OnRegister 先给新连接发 user_list 快照，再向其它连接广播 online
func (p *PresenceBroadcaster) OnRegister(ctx context.Context, conn out.Connection) {
	userID := conn.UserID()
	msg := protocol.MustEncode(protocol.TypeOnline, protocol.PresenceData{UserID: userID})

	p.fanout.Lock()
	if err := p.sendSnapshot(conn); err != nil {
		zlog.C(ctx).Warn("send user_list failed", zap.String("user_id", userID), zap.Error(err))
	}
	n := p.registry.Broadcast(msg, userID)
	p.fanout.Unlock()
	zlog.C(ctx).Debug("online broadcast", zap.String("user_id", userID), zap.Int("receivers", n))

	if p.repo == nil {
		return
	}
	now := p.clock.Now()
	u := &entity.OnlineUser{
		UserID:      userID,
		ConnID:      conn.ID(),
		NodeID:      p.nodeID,
		ConnectedAt: now,
		LastPingAt:  now,
	}
	if ra, ok := conn.(RemoteAddrer); ok {
		u.RemoteAddr = ra.RemoteAddr()
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceRepoTimeout)
	defer cancel()
	if err := p.repo.SetOnline(rctx, u); err != nil {
		zlog.C(ctx).Warn("mirror online to redis failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// OnUnregister 广播 offline 并清理 Redis 镜像（仅当镜像仍指向这条连接）
func (p *PresenceBroadcaster) OnUnregister(ctx context.Context, conn out.Connection) {
	userID := conn.UserID()
	msg := protocol.MustEncode(protocol.TypeOffline, protocol.PresenceData{UserID: userID})
	p.fanout.Lock()
	n := p.registry.Broadcast(msg, userID)
	p.fanout.Unlock()
	zlog.C(ctx).Debug("offline broadcast", zap.String("user_id", userID), zap.Int("receivers", n))

	if p.repo == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceRepoTimeout)
	defer cancel()
	if _, err := p.repo.SetOffline(rctx, userID, conn.ID()); err != nil {
		zlog.C(ctx).Warn("mirror offline to redis failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Heartbeat 续期 Redis 中的在线记录
func (p *PresenceBroadcaster) Heartbeat(ctx context.Context, conn out.Connection) {
	if p.repo == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, presenceRepoTimeout)
	defer cancel()
	if err := p.repo.Touch(rctx, conn.UserID(), conn.ID()); err != nil {
		zlog.C(ctx).Debug("presence touch failed", zap.Error(err))
	}
}

// SendSnapshot 发送当前在线集合
func (p *PresenceBroadcaster) SendSnapshot(conn out.Connection) error {
	p.fanout.Lock()
	defer p.fanout.Unlock()
	return p.sendSnapshot(conn)
}

func (p *PresenceBroadcaster) sendSnapshot(conn out.Connection) error {
	msg, err := protocol.Encode(protocol.TypeUserList, protocol.UserListData{UserIDs: p.registry.Snapshot()})
	if err != nil {
		return err
	}
	return conn.Send(msg)
}

// IsOnlineAnywhere 本机不在线时查 Redis 镜像，镜像不可用视为离线
func (p *PresenceBroadcaster) IsOnlineAnywhere(ctx context.Context, userID string) bool {
	if p.registry.IsOnline(userID) {
		return true
	}
	if p.repo == nil {
		return false
	}
	rctx, cancel := context.WithTimeout(ctx, presenceRepoTimeout)
	defer cancel()
	ok, err := p.repo.IsOnline(rctx, userID)
	if err != nil {
		zlog.C(ctx).Warn("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return ok
}

// OnlineAnywhere 本机快照与 Redis 镜像的并集，有序
func (p *PresenceBroadcaster) OnlineAnywhere(ctx context.Context) []string {
	local := p.registry.Snapshot()
	if p.repo == nil {
		return local
	}
	rctx, cancel := context.WithTimeout(ctx, presenceRepoTimeout)
	defer cancel()
	remote, err := p.repo.OnlineUsers(rctx)
	if err != nil {
		zlog.C(ctx).Warn("list online users failed", zap.Error(err))
		return local
	}

	seen := make(map[string]struct{}, len(local)+len(remote))
	ids := make([]string, 0, len(local)+len(remote))
	for _, id := range append(local, remote...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Locate 用户连接所在节点。本机在线而镜像缺失时用本机信息补齐
func (p *PresenceBroadcaster) Locate(ctx context.Context, userID string) (*entity.OnlineUser, bool) {
	if p.repo != nil {
		rctx, cancel := context.WithTimeout(ctx, presenceRepoTimeout)
		u, err := p.repo.Get(rctx, userID)
		cancel()
		if err != nil {
			zlog.C(ctx).Warn("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		} else if u != nil {
			return u, true
		}
	}
	if !p.registry.IsOnline(userID) {
		return nil, false
	}
	return &entity.OnlineUser{UserID: userID, NodeID: p.nodeID}, true
}
