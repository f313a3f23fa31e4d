package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
)

// DefaultCallTimeout 呼出等待应答的时间
const DefaultCallTimeout = 60 * time.Second

const profileTimeout = 3 * time.Second

var (
	ErrNotIdle      = errors.New("already in a call")
	ErrNoActiveCall = errors.New("no active call")
	ErrSelfCall     = errors.New("cannot call yourself")
)

// CallState 本地通话状态
type CallState string

const (
	StateIdle     CallState = "idle"
	StateOutgoing CallState = "outgoing"
	StateIncoming CallState = "incoming"
	StateInCall   CallState = "in-call"
)

// Outcome 通话结束时给用户看的结果
type Outcome string

const (
	OutcomeBusy        Outcome = "busy"
	OutcomeUnreachable Outcome = "unreachable"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeRejected    Outcome = "rejected"
	OutcomeEnded       Outcome = "ended"
)

// CallInfo 当前通话
type CallInfo struct {
	ID       string
	Peer     string
	Outgoing bool
	// PeerProfile 来电时从用户目录解析，解析失败为 nil
	PeerProfile *protocol.UserProfile
}

// SignalSender 发送信令帧
type SignalSender interface {
	SendSignal(sig protocol.Signal) error
}

// UserDirectory 来电界面查询对方资料
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*protocol.UserProfile, error)
}

// Notifier 面向 UI 的通话事件，均在状态锁外回调
type Notifier interface {
	Incoming(call CallInfo)
	Connected(call CallInfo)
	Finished(call CallInfo, outcome Outcome)
}

// NopNotifier 不做任何事
type NopNotifier struct{}

func (NopNotifier) Incoming(CallInfo)          {}
func (NopNotifier) Connected(CallInfo)         {}
func (NopNotifier) Finished(CallInfo, Outcome) {}

// NewCallID 时间有序的 ksuid，时间戳 + 128 位随机数
func NewCallID() string {
	return ksuid.New().String()
}

// CallMachine 客户端通话状态机。所有入站信令处理都是幂等的，
// 只认当前 callId，重复或过期的帧直接忽略。
type CallMachine struct {
	self      string
	sender    SignalSender
	directory UserDirectory
	notifier  Notifier
	clock     clock.Clock
	timeout   time.Duration

	mu    sync.Mutex
	state CallState
	call  CallInfo
	timer *clock.Timer
	gen   uint64 // 每次状态重置递增，过期的定时器据此失效
}

// NewCallMachine directory / notifier 可为空
func NewCallMachine(self string, sender SignalSender, directory UserDirectory, notifier Notifier,
	clk clock.Clock, timeout time.Duration) *CallMachine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &CallMachine{
		self:      self,
		sender:    sender,
		directory: directory,
		notifier:  notifier,
		clock:     clk,
		timeout:   timeout,
		state:     StateIdle,
	}
}

// State 当前状态
func (m *CallMachine) State() CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current 当前通话，空闲时 ok 为 false
func (m *CallMachine) Current() (CallInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle {
		return CallInfo{}, false
	}
	return m.call, true
}

// Place 从 idle 呼叫 target，启动应答超时
func (m *CallMachine) Place(target string) (string, error) {
	if target == m.self {
		return "", ErrSelfCall
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return "", ErrNotIdle
	}

	id := NewCallID()
	if err := m.sendLocked(protocol.CallRequest, id, target, ""); err != nil {
		return "", err
	}

	m.state = StateOutgoing
	m.call = CallInfo{ID: id, Peer: target, Outgoing: true}
	m.gen++
	gen := m.gen
	m.timer = m.clock.AfterFunc(m.timeout, func() { m.onTimeout(gen) })
	return id, nil
}

// Accept 接听来电
func (m *CallMachine) Accept() error {
	m.mu.Lock()
	switch m.state {
	case StateInCall:
		m.mu.Unlock()
		return nil
	case StateIncoming:
	default:
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if err := m.sendLocked(protocol.CallAccept, m.call.ID, m.call.Peer, ""); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = StateInCall
	info := m.call
	m.mu.Unlock()

	m.notifier.Connected(info)
	return nil
}

// Reject 拒接来电
func (m *CallMachine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIncoming {
		return ErrNoActiveCall
	}
	err := m.sendLocked(protocol.CallReject, m.call.ID, m.call.Peer, protocol.ReasonRejected)
	m.resetLocked()
	return err
}

// HangUp 任意非空闲状态下挂断。发送失败也会回到 idle
func (m *CallMachine) HangUp() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle {
		return ErrNoActiveCall
	}
	err := m.sendLocked(protocol.CallEnd, m.call.ID, m.call.Peer, protocol.ReasonHangup)
	m.resetLocked()
	return err
}

// HandleSignal 处理服务端转发来的通话控制信令
func (m *CallMachine) HandleSignal(ctx context.Context, sig protocol.Signal) {
	switch sig.Type {
	case protocol.CallRequest:
		m.onRequest(ctx, sig.Data)
	case protocol.CallAccept:
		m.onAccept(sig.Data)
	case protocol.CallReject:
		m.onReject(sig.Data)
	case protocol.CallEnd:
		m.onEnd(sig.Data)
	}
}

func (m *CallMachine) onRequest(ctx context.Context, d protocol.SignalData) {
	if d.To != m.self {
		return
	}

	m.mu.Lock()
	if m.state != StateIdle {
		if m.call.ID != d.CallID {
			// 忙线自动拒绝，不打扰用户
			if err := m.sendLocked(protocol.CallReject, d.CallID, d.From, protocol.ReasonBusy); err != nil {
				zap.L().Debug("auto reject busy failed", zap.String("call_id", d.CallID), zap.Error(err))
			}
		}
		m.mu.Unlock()
		return
	}
	m.state = StateIncoming
	m.call = CallInfo{ID: d.CallID, Peer: d.From}
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	// 查询资料不持锁，期间对方挂断会使 gen 变化
	profile := m.resolve(ctx, d.From)

	m.mu.Lock()
	if m.gen != gen || m.state != StateIncoming {
		m.mu.Unlock()
		return
	}
	m.call.PeerProfile = profile
	info := m.call
	m.mu.Unlock()

	m.notifier.Incoming(info)
}

func (m *CallMachine) onAccept(d protocol.SignalData) {
	m.mu.Lock()
	if m.state != StateOutgoing || m.call.ID != d.CallID {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.state = StateInCall
	info := m.call
	m.mu.Unlock()

	m.notifier.Connected(info)
}

func (m *CallMachine) onReject(d protocol.SignalData) {
	m.mu.Lock()
	if m.state != StateOutgoing || m.call.ID != d.CallID {
		m.mu.Unlock()
		return
	}
	info := m.call
	m.resetLocked()
	m.mu.Unlock()

	m.notifier.Finished(info, rejectOutcome(d.Reason))
}

func (m *CallMachine) onEnd(d protocol.SignalData) {
	m.mu.Lock()
	if m.state == StateIdle || m.call.ID != d.CallID {
		m.mu.Unlock()
		return
	}
	info := m.call
	m.resetLocked()
	m.mu.Unlock()

	outcome := OutcomeEnded
	if d.Reason == protocol.ReasonTimeout {
		outcome = OutcomeTimedOut
	}
	m.notifier.Finished(info, outcome)
}

// onTimeout 只对创建它的那次呼出生效
func (m *CallMachine) onTimeout(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateOutgoing {
		m.mu.Unlock()
		return
	}
	info := m.call
	// 尽力通知服务端释放双方，失败由服务端清扫兜底
	if err := m.sendLocked(protocol.CallEnd, info.ID, info.Peer, protocol.ReasonTimeout); err != nil {
		zap.L().Debug("send timeout call-end failed", zap.String("call_id", info.ID), zap.Error(err))
	}
	m.resetLocked()
	m.mu.Unlock()

	m.notifier.Finished(info, OutcomeTimedOut)
}

func (m *CallMachine) resolve(ctx context.Context, userID string) *protocol.UserProfile {
	if m.directory == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, profileTimeout)
	defer cancel()
	p, err := m.directory.GetUser(ctx, userID)
	if err != nil {
		zap.L().Debug("resolve caller profile failed", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	return p
}

func (m *CallMachine) sendLocked(typ protocol.SignalType, callID, to string, reason protocol.Reason) error {
	err := m.sender.SendSignal(protocol.Signal{
		Type: typ,
		Data: protocol.SignalData{CallID: callID, From: m.self, To: to, Reason: reason},
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

func (m *CallMachine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *CallMachine) resetLocked() {
	m.stopTimerLocked()
	m.state = StateIdle
	m.call = CallInfo{}
	m.gen++
}

func rejectOutcome(r protocol.Reason) Outcome {
	switch r {
	case protocol.ReasonBusy:
		return OutcomeBusy
	case protocol.ReasonUnreachable:
		return OutcomeUnreachable
	default:
		return OutcomeRejected
	}
}
