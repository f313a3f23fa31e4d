package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Signal
	err  error
}

func (s *fakeSender) SendSignal(sig protocol.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sig)
	return nil
}

func (s *fakeSender) signals() []protocol.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Signal(nil), s.sent...)
}

func (s *fakeSender) last() protocol.Signal {
	sent := s.signals()
	if len(sent) == 0 {
		return protocol.Signal{}
	}
	return sent[len(sent)-1]
}

type finished struct {
	call    CallInfo
	outcome Outcome
}

type recordingNotifier struct {
	mu        sync.Mutex
	incoming  []CallInfo
	connected []CallInfo
	finished  []finished
}

func (n *recordingNotifier) Incoming(c CallInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incoming = append(n.incoming, c)
}

func (n *recordingNotifier) Connected(c CallInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = append(n.connected, c)
}

func (n *recordingNotifier) Finished(c CallInfo, o Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, finished{c, o})
}

func (n *recordingNotifier) finishedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.finished)
}

type mapDirectory map[string]*protocol.UserProfile

func (d mapDirectory) GetUser(_ context.Context, id string) (*protocol.UserProfile, error) {
	if p, ok := d[id]; ok {
		return p, nil
	}
	return nil, errors.New("not found")
}

type machineFixture struct {
	m        *CallMachine
	sender   *fakeSender
	notifier *recordingNotifier
	clock    *clock.Mock
}

func newMachine(t *testing.T, self string) *machineFixture {
	t.Helper()
	f := &machineFixture{
		sender:   &fakeSender{},
		notifier: &recordingNotifier{},
		clock:    clock.NewMock(),
	}
	dir := mapDirectory{"alice": {ID: "alice", DisplayName: "Alice"}}
	f.m = NewCallMachine(self, f.sender, dir, f.notifier, f.clock, 60*time.Second)
	return f
}

func signal(typ protocol.SignalType, callID, from, to string, reason protocol.Reason) protocol.Signal {
	return protocol.Signal{Type: typ, Data: protocol.SignalData{CallID: callID, From: from, To: to, Reason: reason}}
}

func TestPlaceAndAccepted(t *testing.T) {
	f := newMachine(t, "alice")

	id, err := f.m.Place("bob")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, StateOutgoing, f.m.State())

	req := f.sender.last()
	assert.Equal(t, protocol.CallRequest, req.Type)
	assert.Equal(t, protocol.SignalData{CallID: id, From: "alice", To: "bob"}, req.Data)

	_, err = f.m.Place("carol")
	assert.ErrorIs(t, err, ErrNotIdle)

	f.m.HandleSignal(context.Background(), signal(protocol.CallAccept, id, "bob", "alice", ""))
	assert.Equal(t, StateInCall, f.m.State())
	require.Len(t, f.notifier.connected, 1)

	// 重复 accept 不产生新事件
	f.m.HandleSignal(context.Background(), signal(protocol.CallAccept, id, "bob", "alice", ""))
	assert.Len(t, f.notifier.connected, 1)

	// 接通后超时不再生效
	f.clock.Add(2 * time.Minute)
	assert.Equal(t, StateInCall, f.m.State())
	assert.Zero(t, f.notifier.finishedCount())
}

func TestPlaceRejectsSelfAndSendFailure(t *testing.T) {
	f := newMachine(t, "alice")
	_, err := f.m.Place("alice")
	assert.ErrorIs(t, err, ErrSelfCall)

	f.sender.err = ErrNotConnected
	_, err = f.m.Place("bob")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateIdle, f.m.State())
}

func TestTimeoutFiresExactlyOnce(t *testing.T) {
	f := newMachine(t, "alice")
	id, err := f.m.Place("bob")
	require.NoError(t, err)

	f.clock.Add(59 * time.Second)
	assert.Equal(t, StateOutgoing, f.m.State())

	f.clock.Add(time.Second)
	require.Eventually(t, func() bool { return f.notifier.finishedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateIdle, f.m.State())
	assert.Equal(t, OutcomeTimedOut, f.notifier.finished[0].outcome)
	assert.Equal(t, id, f.notifier.finished[0].call.ID)

	end := f.sender.last()
	assert.Equal(t, protocol.CallEnd, end.Type)
	assert.Equal(t, protocol.ReasonTimeout, end.Data.Reason)

	// 迟到的 reject / accept 以及更多时间流逝都不会再触发
	f.m.HandleSignal(context.Background(), signal(protocol.CallReject, id, "bob", "alice", protocol.ReasonRejected))
	f.m.HandleSignal(context.Background(), signal(protocol.CallAccept, id, "bob", "alice", ""))
	f.clock.Add(5 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, f.notifier.finishedCount())
	assert.Equal(t, StateIdle, f.m.State())
}

func TestIdleBeforeTimeoutDisarms(t *testing.T) {
	f := newMachine(t, "alice")
	id, err := f.m.Place("bob")
	require.NoError(t, err)

	f.m.HandleSignal(context.Background(), signal(protocol.CallReject, id, "bob", "alice", protocol.ReasonBusy))
	require.Equal(t, 1, f.notifier.finishedCount())
	assert.Equal(t, OutcomeBusy, f.notifier.finished[0].outcome)

	// 新的呼叫不会被上一次的定时器误伤
	id2, err := f.m.Place("bob")
	require.NoError(t, err)
	f.clock.Add(30 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateOutgoing, f.m.State())
	assert.Equal(t, 1, f.notifier.finishedCount())

	f.clock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return f.notifier.finishedCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, id2, f.notifier.finished[1].call.ID)
}

func TestRejectOutcomes(t *testing.T) {
	cases := []struct {
		reason protocol.Reason
		want   Outcome
	}{
		{protocol.ReasonBusy, OutcomeBusy},
		{protocol.ReasonUnreachable, OutcomeUnreachable},
		{protocol.ReasonRejected, OutcomeRejected},
		{"", OutcomeRejected},
	}
	for _, tc := range cases {
		t.Run(string(tc.want)+"/"+string(tc.reason), func(t *testing.T) {
			f := newMachine(t, "alice")
			id, err := f.m.Place("bob")
			require.NoError(t, err)
			f.m.HandleSignal(context.Background(), signal(protocol.CallReject, id, "bob", "alice", tc.reason))
			require.Equal(t, 1, f.notifier.finishedCount())
			assert.Equal(t, tc.want, f.notifier.finished[0].outcome)
			assert.Equal(t, StateIdle, f.m.State())
		})
	}
}

func TestIncomingAcceptAndEnd(t *testing.T) {
	f := newMachine(t, "bob")
	ctx := context.Background()

	f.m.HandleSignal(ctx, signal(protocol.CallRequest, "c1", "alice", "bob", ""))
	assert.Equal(t, StateIncoming, f.m.State())
	require.Len(t, f.notifier.incoming, 1)
	require.NotNil(t, f.notifier.incoming[0].PeerProfile)
	assert.Equal(t, "Alice", f.notifier.incoming[0].PeerProfile.DisplayName)

	// 重投递的同一请求忽略
	f.m.HandleSignal(ctx, signal(protocol.CallRequest, "c1", "alice", "bob", ""))
	assert.Len(t, f.notifier.incoming, 1)
	assert.Empty(t, f.sender.signals())

	require.NoError(t, f.m.Accept())
	assert.Equal(t, StateInCall, f.m.State())
	assert.Equal(t, signal(protocol.CallAccept, "c1", "bob", "alice", ""), f.sender.last())
	require.NoError(t, f.m.Accept())
	assert.Len(t, f.sender.signals(), 1)

	f.m.HandleSignal(ctx, signal(protocol.CallEnd, "c1", "alice", "bob", protocol.ReasonHangup))
	assert.Equal(t, StateIdle, f.m.State())
	require.Equal(t, 1, f.notifier.finishedCount())
	assert.Equal(t, OutcomeEnded, f.notifier.finished[0].outcome)

	// 再次 call-end 无效果
	f.m.HandleSignal(ctx, signal(protocol.CallEnd, "c1", "alice", "bob", protocol.ReasonHangup))
	assert.Equal(t, 1, f.notifier.finishedCount())
}

func TestIncomingUnknownCallerStillRings(t *testing.T) {
	f := newMachine(t, "bob")
	f.m.HandleSignal(context.Background(), signal(protocol.CallRequest, "c1", "mallory", "bob", ""))
	require.Len(t, f.notifier.incoming, 1)
	assert.Nil(t, f.notifier.incoming[0].PeerProfile)
	assert.Equal(t, "mallory", f.notifier.incoming[0].Peer)
}

func TestIncomingReject(t *testing.T) {
	f := newMachine(t, "bob")
	f.m.HandleSignal(context.Background(), signal(protocol.CallRequest, "c1", "alice", "bob", ""))
	require.NoError(t, f.m.Reject())
	assert.Equal(t, StateIdle, f.m.State())
	assert.Equal(t, signal(protocol.CallReject, "c1", "bob", "alice", protocol.ReasonRejected), f.sender.last())
	assert.ErrorIs(t, f.m.Reject(), ErrNoActiveCall)
	assert.ErrorIs(t, f.m.Accept(), ErrNoActiveCall)
}

func TestBusyAutoReject(t *testing.T) {
	f := newMachine(t, "bob")
	ctx := context.Background()
	f.m.HandleSignal(ctx, signal(protocol.CallRequest, "c1", "alice", "bob", ""))

	f.m.HandleSignal(ctx, signal(protocol.CallRequest, "c2", "carol", "bob", ""))
	assert.Equal(t, signal(protocol.CallReject, "c2", "bob", "carol", protocol.ReasonBusy), f.sender.last())
	// 不打扰用户，当前来电不受影响
	assert.Len(t, f.notifier.incoming, 1)
	cur, ok := f.m.Current()
	require.True(t, ok)
	assert.Equal(t, "c1", cur.ID)
}

func TestHangUpFromAnyState(t *testing.T) {
	f := newMachine(t, "alice")
	assert.ErrorIs(t, f.m.HangUp(), ErrNoActiveCall)

	id, err := f.m.Place("bob")
	require.NoError(t, err)
	require.NoError(t, f.m.HangUp())
	assert.Equal(t, StateIdle, f.m.State())
	assert.Equal(t, signal(protocol.CallEnd, id, "alice", "bob", protocol.ReasonHangup), f.sender.last())

	// 挂断后定时器失效
	f.clock.Add(2 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, f.notifier.finishedCount())

	// 发送失败也回到 idle
	_, err = f.m.Place("bob")
	require.NoError(t, err)
	f.sender.err = ErrNotConnected
	assert.ErrorIs(t, f.m.HangUp(), ErrNotConnected)
	assert.Equal(t, StateIdle, f.m.State())
}

func TestStaleSignalsIgnored(t *testing.T) {
	f := newMachine(t, "alice")
	ctx := context.Background()
	id, err := f.m.Place("bob")
	require.NoError(t, err)

	f.m.HandleSignal(ctx, signal(protocol.CallAccept, "other", "bob", "alice", ""))
	f.m.HandleSignal(ctx, signal(protocol.CallEnd, "other", "bob", "alice", ""))
	f.m.HandleSignal(ctx, signal(protocol.CallRequest, "x", "carol", "dave", ""))
	assert.Equal(t, StateOutgoing, f.m.State())
	cur, _ := f.m.Current()
	assert.Equal(t, id, cur.ID)
}

func TestCallIDsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := NewCallID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
