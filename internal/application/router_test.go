package application

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/call"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/in"
	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
)

type routerFixture struct {
	reg     *ConnectionRegistry
	coord   *SignalingCoordinator
	router  *MessageRouter
	metrics *countingMetrics
	repo    *fakePresenceRepo
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		reg:     NewConnectionRegistry(nil),
		metrics: newCountingMetrics(),
		repo:    newFakePresenceRepo(),
	}
	presence := NewPresenceBroadcaster(f.reg, f.repo, "node-1", clock.NewMock())
	f.reg.SetListener(presence)
	f.coord = NewSignalingCoordinator(DefaultSignalingConfig(), f.reg, nil, nil, clock.NewMock())
	dir := fakeDirectory{}
	f.router = NewMessageRouter(presence, f.coord, NewNotificationDispatcher(f.reg, dir, nil), f.metrics)
	return f
}

func (f *routerFixture) connect(t *testing.T, user string) *fakeConn {
	t.Helper()
	c := newFakeConn(user)
	require.NoError(t, f.reg.Register(context.Background(), user, c))
	c.reset()
	return c
}

func TestRouterPingPong(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, "alice")

	require.NoError(t, f.router.Route(context.Background(), a, []byte(`{"type":"ping"}`)))
	fs := a.frames(t)
	require.Len(t, fs, 1)
	assert.Equal(t, protocol.TypePong, fs[0].Type)
	assert.Equal(t, 1, f.repo.touched)
}

func TestRouterUserListOnRequest(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, "alice")
	f.connect(t, "bob")
	a.reset()

	require.NoError(t, f.router.Route(context.Background(), a, []byte(`{"type":"user_list"}`)))
	lists := a.framesOf(t, protocol.TypeUserList)
	require.Len(t, lists, 1)
	var d protocol.UserListData
	require.NoError(t, lists[0].Decode(&d))
	assert.Equal(t, []string{"alice", "bob"}, d.UserIDs)
}

func TestRouterMalformedEnvelopeClosesConnection(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, "alice")

	err := f.router.Route(context.Background(), a, []byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.Equal(t, 1, f.metrics.droppedFor("malformed"))
}

func TestRouterDropsProtocolViolations(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, "alice")
	ctx := context.Background()

	assert.NoError(t, f.router.Route(ctx, a, []byte(`{"type":"dance","data":{}}`)))
	assert.Equal(t, 1, f.metrics.droppedFor("unknown_type"))

	// 未知 callId 的信令
	raw, err := protocol.EncodeSignal(protocol.Signal{
		Type: protocol.CallAccept,
		Data: protocol.SignalData{CallID: "ghost", From: "alice", To: "bob"},
	})
	require.NoError(t, err)
	assert.NoError(t, f.router.Route(ctx, a, raw))
	assert.Equal(t, 1, f.metrics.droppedFor("unknown_call"))

	// 信令缺字段
	assert.NoError(t, f.router.Route(ctx, a, []byte(`{"type":"webrtc-signaling","data":{"data":{"type":"call-request","data":{"callId":"x"}}}}`)))
	assert.Equal(t, 1, f.metrics.droppedFor("malformed_payload"))

	assert.Empty(t, a.raw(), "violations get no response")
}

func TestRouterRoutesSignaling(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, "alice")
	b := f.connect(t, "bob")

	raw, err := protocol.EncodeSignal(protocol.Signal{
		Type: protocol.CallRequest,
		Data: protocol.SignalData{CallID: "c1", From: "alice", To: "bob"},
	})
	require.NoError(t, err)
	require.NoError(t, f.router.Route(context.Background(), a, raw))

	assert.Len(t, b.signals(t), 1)
	s, ok := f.coord.Session("c1")
	require.True(t, ok)
	assert.Equal(t, call.StateRequested, s.State())
}

func TestRouterForwardsClientMessage(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, "alice")
	b := f.connect(t, "bob")

	// senderId 以连接身份为准，不信任客户端
	msg := `{"type":"new_message","data":{"to":"bob","senderId":"mallory","senderName":"Mallory","content":"hi"}}`
	require.NoError(t, f.router.Route(context.Background(), a, []byte(msg)))

	fs := b.framesOf(t, protocol.TypeNewMessage)
	require.Len(t, fs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(fs[0].Data, &got))
	assert.Equal(t, "alice", got["senderId"])
	assert.Equal(t, "hi", got["content"])
	assert.NotContains(t, got, "to")
	assert.NotContains(t, got, "senderName")

	// 离线接收人不算违规
	off := `{"type":"new_message","data":{"to":"carol","content":"later"}}`
	require.NoError(t, f.router.Route(context.Background(), a, []byte(off)))
	assert.Equal(t, 0, f.metrics.droppedFor("other"))
}

func TestRouterDropsClientNotifications(t *testing.T) {
	f := newRouterFixture(t)
	mallory := f.connect(t, "mallory")
	b := f.connect(t, "bob")
	mallory.reset()

	forged := `{"type":"new_notification","data":{"to":"bob","message":"Admin: your account is suspended","senderId":"admin"}}`
	require.NoError(t, f.router.Route(context.Background(), mallory, []byte(forged)))
	assert.Empty(t, b.framesOf(t, protocol.TypeNewNotification))
	assert.Equal(t, 1, f.metrics.droppedFor("server_only"))

	// 其它只由服务端下发的类型同样丢弃
	require.NoError(t, f.router.Route(context.Background(), mallory, []byte(`{"type":"offline","data":{"userId":"bob"}}`)))
	assert.Empty(t, b.raw())
	assert.Empty(t, mallory.raw())
	assert.Equal(t, 2, f.metrics.droppedFor("server_only"))
}

type panicSignaling struct{ in.SignalingUseCase }

func (panicSignaling) HandleSignal(context.Context, string, []byte, protocol.Signal) error {
	panic("boom")
}

func TestRouterRecoversPanics(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, "alice")
	f.router.signaling = panicSignaling{}

	raw, err := protocol.EncodeSignal(protocol.Signal{
		Type: protocol.CallEnd,
		Data: protocol.SignalData{CallID: "c1", From: "alice", To: "bob"},
	})
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		assert.NoError(t, f.router.Route(context.Background(), a, raw))
	})
	assert.Equal(t, 1, f.metrics.droppedFor("panic"))
}
