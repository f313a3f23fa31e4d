package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/call"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
	"github.com/EthanQC/IM/services/realtime_service/pkg/keylock"
	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
	"github.com/EthanQC/IM/services/realtime_service/pkg/zlog"
)

const publishTimeout = 5 * time.Second

// SignalingConfig 信令协调器配置
type SignalingConfig struct {
	RequestRetention time.Duration // requested 超过该时长被回收为 timed_out
	TombstoneTTL     time.Duration // 终态会话保留多久，用于吸收重复帧
	SweepInterval    time.Duration
	MaxCallDuration  time.Duration // 0 表示不限制
	FinalSignalTTL   time.Duration // 离线时错过的终态信令保留多久，等对方重连补发
}

// DefaultSignalingConfig 默认配置
func DefaultSignalingConfig() SignalingConfig {
	return SignalingConfig{
		RequestRetention: 2 * time.Minute,
		TombstoneTTL:     60 * time.Second,
		SweepInterval:    10 * time.Second,
		MaxCallDuration:  4 * time.Hour,
		FinalSignalTTL:   30 * time.Minute,
	}
}

// SignalingCoordinator 服务端通话信令中继。
// 只做转发和状态约束，不碰媒体；每个用户同一时刻至多一个非终态会话。
// 涉及两个用户的变更按用户 ID 有序加锁，不同用户之间不互相阻塞。
type SignalingCoordinator struct {
	cfg       SignalingConfig
	registry  out.ConnectionRegistry
	publisher out.CallEventPublisher
	metrics   out.Metrics
	clock     clock.Clock

	locks    *keylock.KeyedMutex
	sessions sync.Map // callID -> *call.Session，终态会话作为墓碑保留 TombstoneTTL
	active   sync.Map // userID -> callID，只指向非终态会话
	missed   sync.Map // userID -> *missedSignal，每个用户只留最近一条
	ongoing  atomic.Int64
}

// missedSignal 因对方离线没能送达的 call-end / call-reject
type missedSignal struct {
	callID string
	msg    []byte
	at     time.Time
}

// NewSignalingCoordinator publisher 可为空
func NewSignalingCoordinator(cfg SignalingConfig, registry out.ConnectionRegistry, publisher out.CallEventPublisher,
	metrics out.Metrics, clk clock.Clock) *SignalingCoordinator {
	if metrics == nil {
		metrics = out.NopMetrics{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SignalingCoordinator{
		cfg:       cfg,
		registry:  registry,
		publisher: publisher,
		metrics:   metrics,
		clock:     clk,
		locks:     keylock.New(),
	}
}

// HandleSignal 处理一条信令。协议违规返回错误，由调用方记录后丢弃，不回任何响应。
func (c *SignalingCoordinator) HandleSignal(ctx context.Context, senderID string, raw []byte, sig protocol.Signal) error {
	d := sig.Data
	if d.From != senderID {
		return fmt.Errorf("%w: from %q sent by %q", ErrParticipantMismatch, d.From, senderID)
	}
	if d.From == d.To {
		return fmt.Errorf("%w: self call", ErrParticipantMismatch)
	}

	ctx = zlog.WithContext(ctx, zlog.C(ctx).With(
		zap.String("call_id", d.CallID),
		zap.String("signal", string(sig.Type)),
	))

	switch sig.Type {
	case protocol.CallRequest:
		return c.handleRequest(ctx, raw, d)
	case protocol.CallAccept:
		return c.handleAccept(ctx, raw, d)
	case protocol.CallReject:
		return c.handleReject(ctx, raw, d)
	case protocol.CallEnd:
		return c.handleEnd(ctx, raw, d)
	case protocol.Offer, protocol.Answer, protocol.ICECandidate:
		return c.relayMedia(ctx, raw, d)
	default:
		return fmt.Errorf("%w: signal %q", ErrUnknownFrameType, sig.Type)
	}
}

func (c *SignalingCoordinator) handleRequest(ctx context.Context, raw []byte, d protocol.SignalData) error {
	unlock := c.locks.LockMany(d.From, d.To)
	defer unlock()

	if s, ok := c.session(d.CallID); ok {
		if s.SameParties(d.From, d.To) {
			// 重连重放，已处理过
			zlog.C(ctx).Debug("duplicate call-request ignored", zap.String("state", string(s.State())))
			return nil
		}
		return fmt.Errorf("%w: callId reused by other users", ErrParticipantMismatch)
	}

	if c.busy(d.From) {
		c.rejectRequest(ctx, d, protocol.ReasonBusy)
		return nil
	}
	if !c.registry.IsOnline(d.To) {
		c.rejectRequest(ctx, d, protocol.ReasonUnreachable)
		return nil
	}
	if c.busy(d.To) {
		c.rejectRequest(ctx, d, protocol.ReasonBusy)
		return nil
	}

	// 锁只覆盖 from/to，另一对用户可能同时用了同一个 callId
	s := call.NewSession(d.CallID, d.From, d.To, c.clock.Now())
	if _, loaded := c.sessions.LoadOrStore(s.ID(), s); loaded {
		return fmt.Errorf("%w: callId reused by other users", ErrParticipantMismatch)
	}
	c.active.Store(d.From, s.ID())
	c.active.Store(d.To, s.ID())
	c.metrics.ActiveCalls(int(c.ongoing.Add(1)))

	if err := c.registry.SendTo(d.To, raw); err != nil {
		// 被叫刚好断开或发送队列已满，按不可达处理
		zlog.C(ctx).Info("relay call-request failed", zap.Error(err))
		if ferr := s.Fire(call.EventReject, string(protocol.ReasonUnreachable), c.clock.Now()); ferr == nil {
			c.finish(ctx, s)
		}
		c.rejectRequest(ctx, d, protocol.ReasonUnreachable)
		return nil
	}

	zlog.C(ctx).Info("call requested", zap.String("from", d.From), zap.String("to", d.To))
	return nil
}

func (c *SignalingCoordinator) handleAccept(ctx context.Context, raw []byte, d protocol.SignalData) error {
	s, unlock, err := c.lockSession(d)
	if err != nil {
		return err
	}
	defer unlock()

	if d.From != s.Target() {
		return fmt.Errorf("%w: only the callee can accept", ErrParticipantMismatch)
	}
	if err := s.Fire(call.EventAccept, "", c.clock.Now()); err != nil {
		if s.State() == call.StateAccepted {
			zlog.C(ctx).Debug("duplicate call-accept ignored")
			return nil
		}
		return c.staleOrInvalid(ctx, s, err)
	}

	c.relay(ctx, s.Initiator(), raw)
	zlog.C(ctx).Info("call accepted")
	return nil
}

func (c *SignalingCoordinator) handleReject(ctx context.Context, raw []byte, d protocol.SignalData) error {
	s, unlock, err := c.lockSession(d)
	if err != nil {
		return err
	}
	defer unlock()

	if d.From != s.Target() {
		return fmt.Errorf("%w: only the callee can reject", ErrParticipantMismatch)
	}
	reason := d.Reason
	if reason == "" {
		reason = protocol.ReasonRejected
	}
	if err := s.Fire(call.EventReject, string(reason), c.clock.Now()); err != nil {
		return c.staleOrInvalid(ctx, s, err)
	}
	c.finish(ctx, s)

	c.relayFinal(ctx, s.ID(), s.Initiator(), raw)
	zlog.C(ctx).Info("call rejected", zap.String("reason", string(reason)))
	return nil
}

func (c *SignalingCoordinator) handleEnd(ctx context.Context, raw []byte, d protocol.SignalData) error {
	s, unlock, err := c.lockSession(d)
	if err != nil {
		return err
	}
	defer unlock()

	reason := d.Reason
	if reason == "" {
		reason = protocol.ReasonHangup
	}
	if err := s.Fire(call.EventEnd, string(reason), c.clock.Now()); err != nil {
		return c.staleOrInvalid(ctx, s, err)
	}
	c.finish(ctx, s)

	peer, _ := s.Peer(d.From)
	c.relayFinal(ctx, s.ID(), peer, raw)
	zlog.C(ctx).Info("call ended", zap.String("by", d.From), zap.String("reason", string(reason)))
	return nil
}

// relayMedia SDP / ICE 只在非终态会话的两端之间原样转发
func (c *SignalingCoordinator) relayMedia(ctx context.Context, raw []byte, d protocol.SignalData) error {
	s, ok := c.session(d.CallID)
	if !ok {
		return ErrUnknownCall
	}
	if peer, ok := s.Peer(d.From); !ok || peer != d.To {
		return ErrParticipantMismatch
	}
	if st := s.State(); st.Terminal() {
		return fmt.Errorf("%w: media signal in %s", ErrInvalidTransition, st)
	}
	c.relay(ctx, d.To, raw)
	return nil
}

// lockSession 查会话并锁住双方，from/to 必须正好是会话的两端
func (c *SignalingCoordinator) lockSession(d protocol.SignalData) (*call.Session, func(), error) {
	s, ok := c.session(d.CallID)
	if !ok {
		return nil, nil, ErrUnknownCall
	}
	if peer, ok := s.Peer(d.From); !ok || peer != d.To {
		return nil, nil, ErrParticipantMismatch
	}
	return s, c.locks.LockMany(s.Initiator(), s.Target()), nil
}

// staleOrInvalid 终态会话上的重复帧静默吸收，其余非法转换交给调用方记录
func (c *SignalingCoordinator) staleOrInvalid(ctx context.Context, s *call.Session, err error) error {
	if errors.Is(err, call.ErrCallFinished) {
		zlog.C(ctx).Debug("signal for finished call ignored", zap.String("state", string(s.State())))
		return nil
	}
	return fmt.Errorf("%w: in state %s", err, s.State())
}

func (c *SignalingCoordinator) session(callID string) (*call.Session, bool) {
	v, ok := c.sessions.Load(callID)
	if !ok {
		return nil, false
	}
	return v.(*call.Session), true
}

// busy 调用方需持有该用户的锁
func (c *SignalingCoordinator) busy(userID string) bool {
	v, ok := c.active.Load(userID)
	if !ok {
		return false
	}
	s, ok := c.session(v.(string))
	return ok && !s.State().Terminal()
}

// finish 会话进入终态后释放双方占用并发布通话记录，调用方需持有双方的锁
func (c *SignalingCoordinator) finish(ctx context.Context, s *call.Session) {
	c.active.CompareAndDelete(s.Initiator(), s.ID())
	c.active.CompareAndDelete(s.Target(), s.ID())
	c.metrics.ActiveCalls(int(c.ongoing.Add(-1)))

	rec := s.Record()
	c.metrics.CallFinished(rec.State, rec.Reason)
	if c.publisher == nil {
		return
	}
	log := zlog.C(ctx)
	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := c.publisher.PublishCallRecord(pctx, rec); err != nil {
			log.Warn("publish call record failed", zap.Error(err))
		}
	}()
}

// rejectRequest 代被叫回一个 call-reject
func (c *SignalingCoordinator) rejectRequest(ctx context.Context, d protocol.SignalData, reason protocol.Reason) {
	zlog.C(ctx).Info("call-request rejected", zap.String("from", d.From), zap.String("to", d.To),
		zap.String("reason", string(reason)))
	c.synthesize(ctx, protocol.CallReject, d.CallID, d.To, d.From, reason)
}

// synthesize 以 from 的名义给 to 发一条信令
func (c *SignalingCoordinator) synthesize(ctx context.Context, t protocol.SignalType, callID, from, to string, reason protocol.Reason) {
	msg, err := protocol.EncodeSignal(protocol.Signal{
		Type: t,
		Data: protocol.SignalData{CallID: callID, From: from, To: to, Reason: reason},
	})
	if err != nil {
		zlog.C(ctx).Error("encode signal failed", zap.Error(err))
		return
	}
	c.relay(ctx, to, msg)
}

func (c *SignalingCoordinator) relay(ctx context.Context, to string, msg []byte) {
	if err := c.registry.SendTo(to, msg); err != nil {
		zlog.C(ctx).Debug("relay dropped", zap.String("to", to), zap.Error(err))
	}
}

// relayFinal 投递终态信令，对方离线时暂存，重连后由 OnRegister 补发
func (c *SignalingCoordinator) relayFinal(ctx context.Context, callID, to string, msg []byte) {
	err := c.registry.SendTo(to, msg)
	if err == nil {
		return
	}
	m := &missedSignal{callID: callID, msg: msg, at: c.clock.Now()}
	c.missed.Store(to, m)
	zlog.C(ctx).Debug("final signal kept for reconnect", zap.String("to", to), zap.Error(err))

	// 对方可能恰好在 SendTo 之后、Store 之前完成注册
	if c.registry.IsOnline(to) && c.missed.CompareAndDelete(to, m) {
		c.relay(ctx, to, msg)
	}
}

// OnRegister 用户重连后补发它错过的终态信令，排在 user_list 之后
func (c *SignalingCoordinator) OnRegister(ctx context.Context, conn out.Connection) {
	v, ok := c.missed.LoadAndDelete(conn.UserID())
	if !ok {
		return
	}
	m := v.(*missedSignal)
	if err := conn.Send(m.msg); err != nil {
		zlog.C(ctx).Info("replay final signal failed", zap.String("call_id", m.callID), zap.Error(err))
		return
	}
	zlog.C(ctx).Info("final signal replayed after reconnect", zap.String("call_id", m.callID))
}

// OnUnregister 断线不结束通话，由显式 call-end 或清扫处理
func (c *SignalingCoordinator) OnUnregister(context.Context, out.Connection) {}

// Sweep 回收会话：requested 超过保留期转为 timed_out，接通超过最长时长强制结束，
// 终态墓碑过期后删除
func (c *SignalingCoordinator) Sweep(ctx context.Context, now time.Time) {
	c.sessions.Range(func(k, v any) bool {
		s := v.(*call.Session)
		switch st := s.State(); {
		case st == call.StateRequested && now.Sub(s.CreatedAt()) >= c.cfg.RequestRetention:
			c.expire(ctx, s, call.EventTimeout, protocol.ReasonTimeout, now)
		case st == call.StateAccepted && c.cfg.MaxCallDuration > 0 && now.Sub(s.AnsweredAt()) >= c.cfg.MaxCallDuration:
			c.expire(ctx, s, call.EventEnd, protocol.ReasonMaxDuration, now)
		case st.Terminal() && now.Sub(s.EndedAt()) >= c.cfg.TombstoneTTL:
			c.sessions.Delete(k)
		}
		return true
	})

	if c.cfg.FinalSignalTTL <= 0 {
		return
	}
	c.missed.Range(func(k, v any) bool {
		if m := v.(*missedSignal); now.Sub(m.at) >= c.cfg.FinalSignalTTL {
			c.missed.CompareAndDelete(k, m)
		}
		return true
	})
}

func (c *SignalingCoordinator) expire(ctx context.Context, s *call.Session, ev call.Event, reason protocol.Reason, now time.Time) {
	unlock := c.locks.LockMany(s.Initiator(), s.Target())
	defer unlock()

	// 加锁前可能已被双方的信令推进
	if err := s.Fire(ev, string(reason), now); err != nil {
		return
	}
	c.finish(ctx, s)

	zlog.C(ctx).Info("call expired by sweep",
		zap.String("call_id", s.ID()), zap.String("reason", string(reason)))
	for _, to := range []string{s.Initiator(), s.Target()} {
		from, _ := s.Peer(to)
		msg, err := protocol.EncodeSignal(protocol.Signal{
			Type: protocol.CallEnd,
			Data: protocol.SignalData{CallID: s.ID(), From: from, To: to, Reason: reason},
		})
		if err != nil {
			zlog.C(ctx).Error("encode signal failed", zap.Error(err))
			continue
		}
		c.relayFinal(ctx, s.ID(), to, msg)
	}
}

// Run 按 SweepInterval 周期回收，直到 ctx 结束
func (c *SignalingCoordinator) Run(ctx context.Context) {
	ticker := c.clock.Ticker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx, c.clock.Now())
		}
	}
}

// ActiveCalls 非终态会话数
func (c *SignalingCoordinator) ActiveCalls() int {
	return int(c.ongoing.Load())
}

// CallOf 用户当前的非终态会话
func (c *SignalingCoordinator) CallOf(userID string) (*call.Session, bool) {
	v, ok := c.active.Load(userID)
	if !ok {
		return nil, false
	}
	return c.session(v.(string))
}

// Session 按 callID 查会话（含墓碑）
func (c *SignalingCoordinator) Session(callID string) (*call.Session, bool) {
	return c.session(callID)
}
