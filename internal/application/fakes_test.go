package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
)

var connSeq atomic.Int64

// fakeConn 内存连接，记录所有发出的帧
type fakeConn struct {
	id   string
	user string

	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
}

func newFakeConn(user string) *fakeConn {
	return &fakeConn{id: fmt.Sprintf("conn-%d", connSeq.Add(1)), user: user}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return out.ErrConnectionClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) raw() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

func (c *fakeConn) frames(t *testing.T) []protocol.Frame {
	t.Helper()
	var fs []protocol.Frame
	for _, b := range c.raw() {
		f, err := protocol.DecodeFrame(b)
		require.NoError(t, err)
		fs = append(fs, f)
	}
	return fs
}

func (c *fakeConn) framesOf(t *testing.T, typ protocol.FrameType) []protocol.Frame {
	t.Helper()
	var fs []protocol.Frame
	for _, f := range c.frames(t) {
		if f.Type == typ {
			fs = append(fs, f)
		}
	}
	return fs
}

func (c *fakeConn) signals(t *testing.T) []protocol.Signal {
	t.Helper()
	var ss []protocol.Signal
	for _, f := range c.framesOf(t, protocol.TypeSignaling) {
		s, err := protocol.DecodeSignal(f)
		require.NoError(t, err)
		ss = append(ss, s)
	}
	return ss
}

// recordingListener 记录注册回调
type recordingListener struct {
	mu         sync.Mutex
	registered []string
	removed    []string
}

func (l *recordingListener) OnRegister(_ context.Context, conn out.Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registered = append(l.registered, conn.ID())
}

func (l *recordingListener) OnUnregister(_ context.Context, conn out.Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, conn.ID())
}

// fakePresenceRepo 按 connID 守护的内存镜像
type fakePresenceRepo struct {
	mu      sync.Mutex
	online  map[string]string // userID -> connID
	touched int
}

func newFakePresenceRepo() *fakePresenceRepo {
	return &fakePresenceRepo{online: make(map[string]string)}
}

func (r *fakePresenceRepo) SetOnline(_ context.Context, u *entity.OnlineUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online[u.UserID] = u.ConnID
	return nil
}

func (r *fakePresenceRepo) SetOffline(_ context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.online[userID] != connID {
		return false, nil
	}
	delete(r.online, userID)
	return true, nil
}

func (r *fakePresenceRepo) Touch(context.Context, string, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched++
	return nil
}

func (r *fakePresenceRepo) IsOnline(_ context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.online[userID]
	return ok, nil
}

func (r *fakePresenceRepo) Get(_ context.Context, userID string) (*entity.OnlineUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.online[userID]
	if !ok {
		return nil, nil
	}
	return &entity.OnlineUser{UserID: userID, ConnID: connID, NodeID: "node-1"}, nil
}

func (r *fakePresenceRepo) OnlineUsers(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	return ids, nil
}

// fakeDirectory 内存用户目录
type fakeDirectory map[string]*entity.UserProfile

func (d fakeDirectory) GetUser(_ context.Context, id string) (*entity.UserProfile, error) {
	p, ok := d[id]
	if !ok {
		return nil, out.ErrUserNotFound
	}
	return p, nil
}

// fakePublisher 收集通话记录
type fakePublisher struct {
	mu      sync.Mutex
	records []entity.CallRecord
}

func (p *fakePublisher) PublishCallRecord(_ context.Context, rec entity.CallRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) all() []entity.CallRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]entity.CallRecord(nil), p.records...)
}

// countingMetrics 统计丢弃原因
type countingMetrics struct {
	out.NopMetrics
	mu      sync.Mutex
	dropped map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{dropped: make(map[string]int)}
}

func (m *countingMetrics) FrameDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *countingMetrics) droppedFor(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}
