package call

import (
	"errors"
	"sync"
	"time"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
)

// State 服务端通话会话状态
type State string

const (
	StateRequested State = "requested" // 已发起，等待被叫响应
	StateAccepted  State = "accepted"  // 已接通
	StateRejected  State = "rejected"  // 被拒绝（终态）
	StateEnded     State = "ended"     // 已结束（终态）
	StateTimedOut  State = "timed_out" // 无人响应被回收（终态）
)

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateRejected || s == StateEnded || s == StateTimedOut
}

// Event 驱动状态变化的事件
type Event string

const (
	EventAccept  Event = "accept"
	EventReject  Event = "reject"
	EventEnd     Event = "end"
	EventTimeout Event = "timeout"
)

type stateEvent struct {
	state State
	event Event
}

var transitions = map[stateEvent]State{
	{StateRequested, EventAccept}:  StateAccepted,
	{StateRequested, EventReject}:  StateRejected,
	{StateRequested, EventEnd}:     StateEnded,
	{StateRequested, EventTimeout}: StateTimedOut,
	{StateAccepted, EventEnd}:      StateEnded,
}

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrCallFinished      = errors.New("call already in terminal state")
)

// Session 一次通话协商的生命周期记录
type Session struct {
	id        string
	initiator string
	target    string

	mu         sync.RWMutex
	state      State
	reason     string
	createdAt  time.Time
	answeredAt time.Time
	endedAt    time.Time
}

// NewSession 以 requested 状态创建会话
func NewSession(id, initiator, target string, now time.Time) *Session {
	return &Session{
		id:        id,
		initiator: initiator,
		target:    target,
		state:     StateRequested,
		createdAt: now,
	}
}

// Fire 执行一次状态转换，终态上的任何事件都返回 ErrCallFinished
func (s *Session) Fire(ev Event, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return ErrCallFinished
	}
	next, ok := transitions[stateEvent{s.state, ev}]
	if !ok {
		return ErrInvalidTransition
	}

	if next == StateAccepted {
		s.answeredAt = now
	}
	if next.Terminal() {
		s.endedAt = now
		s.reason = reason
	}
	s.state = next
	return nil
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Initiator() string { return s.initiator }
func (s *Session) Target() string    { return s.target }

// State 当前状态
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SameParties 参与者是否与给定的一对（有序）一致
func (s *Session) SameParties(from, to string) bool {
	return s.initiator == from && s.target == to
}

// Peer 返回对端，userID 不在通话中时 ok=false
func (s *Session) Peer(userID string) (string, bool) {
	switch userID {
	case s.initiator:
		return s.target, true
	case s.target:
		return s.initiator, true
	}
	return "", false
}

// CreatedAt 创建时间
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// AnsweredAt 接通时间，未接通为零值
func (s *Session) AnsweredAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.answeredAt
}

// EndedAt 进入终态的时间
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// Record 生成通话记录
func (s *Session) Record() entity.CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := entity.CallRecord{
		CallID:    s.id,
		CallerID:  s.initiator,
		CalleeID:  s.target,
		State:     string(s.state),
		Reason:    s.reason,
		CreatedAt: s.createdAt,
		EndedAt:   s.endedAt,
	}
	if !s.answeredAt.IsZero() {
		answered := s.answeredAt
		rec.AnsweredAt = &answered
		if !s.endedAt.IsZero() {
			rec.Duration = int64(s.endedAt.Sub(answered) / time.Second)
		}
	}
	return rec
}
