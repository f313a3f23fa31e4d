package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/IM/services/realtime_service/internal/adapters/in/ws"
	"github.com/EthanQC/IM/services/realtime_service/internal/application"
	"github.com/EthanQC/IM/services/realtime_service/pkg/jwt"
	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
)

type testServer struct {
	url    string
	tokens jwt.Manager
	reg    *application.ConnectionRegistry
	coord  *application.SignalingCoordinator
	closed atomic.Bool // 为 true 时拒绝新的升级请求
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	tokens := jwt.NewManager("client-test-secret")
	reg := application.NewConnectionRegistry(nil)
	presence := application.NewPresenceBroadcaster(reg, nil, "node-test", nil)
	coord := application.NewSignalingCoordinator(application.DefaultSignalingConfig(), reg, nil, nil, nil)
	reg.SetListener(application.PresenceListeners{presence, coord})
	router := application.NewMessageRouter(presence, coord, application.NewNotificationDispatcher(reg, nil, nil), nil)
	auth := application.NewSessionValidator(tokens, nil, nil, false)

	s := &testServer{
		tokens: tokens,
		reg:    reg,
		coord:  coord,
	}
	wsServer := ws.NewServer(ws.DefaultOptions(), auth, reg, router, presence, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.closed.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		wsServer.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		reg.CloseAll()
		srv.Close()
	})
	s.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return s
}

type countingCache struct {
	mu sync.Mutex
	n  int
}

func (c *countingCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *countingCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (s *testServer) start(t *testing.T, userID string, opts ...Option) *Client {
	t.Helper()
	tok, err := s.tokens.Generate("jti-"+userID, userID, time.Hour)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.URL = s.url
	cfg.Token = tok
	cfg.UserID = userID
	cfg.ReconnectMin = 20 * time.Millisecond
	cfg.ReconnectMax = 100 * time.Millisecond
	c := New(cfg, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-c.Ready():
	case <-time.After(3 * time.Second):
		t.Fatalf("%s never connected", userID)
	}
	return c
}

func TestClientCallFlow(t *testing.T) {
	s := newTestServer(t)
	alice := s.start(t, "alice")
	bobNotifier := &recordingNotifier{}
	bob := s.start(t, "bob", WithNotifier(bobNotifier))

	require.Eventually(t, func() bool { return alice.Presence().IsOnline("bob") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, bob.Presence().IsOnline("alice"))

	id, err := alice.Calls().Place("bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Calls().State() == StateIncoming }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Calls().Accept())
	require.Eventually(t, func() bool { return alice.Calls().State() == StateInCall }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.coord.ActiveCalls())

	require.NoError(t, alice.Calls().HangUp())
	require.Eventually(t, func() bool { return bob.Calls().State() == StateIdle }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.coord.ActiveCalls() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return bobNotifier.finishedCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, id, bobNotifier.finished[0].call.ID)
	assert.Equal(t, OutcomeEnded, bobNotifier.finished[0].outcome)
}

func TestClientCallUnreachable(t *testing.T) {
	s := newTestServer(t)
	n := &recordingNotifier{}
	alice := s.start(t, "alice", WithNotifier(n))

	_, err := alice.Calls().Place("ghost")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return n.finishedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, OutcomeUnreachable, n.finished[0].outcome)
	assert.Equal(t, StateIdle, alice.Calls().State())
}

func TestClientNotificationInvalidatesCache(t *testing.T) {
	s := newTestServer(t)
	cache := &countingCache{}
	var mu sync.Mutex
	var got []json.RawMessage
	bob := s.start(t, "bob", WithNotificationCache(cache), WithNotificationHandler(func(typ protocol.FrameType, data json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, data)
	}))
	alice := s.start(t, "alice")
	_ = bob

	require.NoError(t, alice.SendMessage("bob", "hello"))
	require.Eventually(t, func() bool { return cache.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	var d protocol.NewMessageData
	require.NoError(t, json.Unmarshal(got[0], &d))
	assert.Equal(t, "alice", d.SenderID)
	assert.Equal(t, "hello", d.Content)
}

func TestClientReconnectsAfterReplace(t *testing.T) {
	s := newTestServer(t)
	alice := s.start(t, "alice")

	// 服务端踢掉连接后客户端自动重连并重新认证
	conn, ok := s.reg.Get("alice")
	require.True(t, ok)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		c, ok := s.reg.Get("alice")
		return ok && c.ID() != conn.ID()
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return alice.Ping() == nil }, 2*time.Second, 10*time.Millisecond)
}

// 通话中断线，期间对方挂断，重连后应回到 idle，之后还能正常接听新来电
func TestClientCallEndedWhileDisconnected(t *testing.T) {
	s := newTestServer(t)
	aliceNotifier := &recordingNotifier{}
	alice := s.start(t, "alice", WithNotifier(aliceNotifier))
	bob := s.start(t, "bob")
	carol := s.start(t, "carol")

	_, err := alice.Calls().Place("bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Calls().State() == StateIncoming }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, bob.Calls().Accept())
	require.Eventually(t, func() bool { return alice.Calls().State() == StateInCall }, 2*time.Second, 10*time.Millisecond)

	// 断开 alice 并阻止其重连
	s.closed.Store(true)
	conn, ok := s.reg.Get("alice")
	require.True(t, ok)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !s.reg.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Calls().HangUp())
	require.Eventually(t, func() bool { return s.coord.ActiveCalls() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateInCall, alice.Calls().State())

	s.closed.Store(false)
	require.Eventually(t, func() bool { return alice.Calls().State() == StateIdle }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return aliceNotifier.finishedCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, OutcomeEnded, aliceNotifier.finished[0].outcome)

	_, err = carol.Calls().Place("alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return alice.Calls().State() == StateIncoming }, 2*time.Second, 10*time.Millisecond)
}

func TestClientAuthRejected(t *testing.T) {
	s := newTestServer(t)
	cfg := DefaultConfig()
	cfg.URL = s.url
	cfg.Token = "bogus"
	cfg.UserID = "alice"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := New(cfg).Run(ctx)
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.Contains(t, err.Error(), "invalid_token")
}
