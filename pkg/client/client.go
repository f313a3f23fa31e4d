package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	// ErrAuthRejected 服务端拒绝认证，重连也无济于事
	ErrAuthRejected = errors.New("authentication rejected")
)

// Client 实时服务客户端：断线指数退避重连，每次建连重新发送 auth
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	clock  clock.Clock

	notifier       Notifier
	directory      UserDirectory
	cache          NotificationCache
	onNotification func(protocol.FrameType, json.RawMessage)
	onMedia        func(protocol.Signal)

	calls    *CallMachine
	presence *PresenceView

	mu        sync.Mutex // 保护 conn
	conn      *websocket.Conn
	writeMu   sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
}

// New 创建客户端，Run 之后才会建连
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(def.ReconnectMax, cfg.ReconnectMin)
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}

	c := &Client{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		presence: NewPresenceView(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	c.calls = NewCallMachine(cfg.UserID, c, c.directory, c.notifier, c.clock, cfg.CallTimeout)
	return c
}

// Calls 通话状态机
func (c *Client) Calls() *CallMachine { return c.calls }

// Presence 在线用户视图
func (c *Client) Presence() *PresenceView { return c.presence }

// Ready 第一次认证成功后关闭
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Run 阻塞直到 ctx 取消或认证被拒
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if errors.Is(err, errSessionEstablished) {
			backoff = c.cfg.ReconnectMin
		}

		wait := jitter(backoff)
		zap.L().Info("realtime connection lost, reconnecting",
			zap.String("user_id", c.cfg.UserID), zap.Duration("after", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(wait):
		}
		backoff = min(backoff*2, c.cfg.ReconnectMax)
	}
}

// errSessionEstablished 标记本次连接曾认证成功，用于重置退避
var errSessionEstablished = errors.New("session established")

// session 建连、认证、读循环，返回时连接已关闭
func (c *Client) session(ctx context.Context) error {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := c.dialer.DialContext(dctx, c.cfg.URL, h)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.handshake(ctx, conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()
	c.readyOnce.Do(func() { close(c.ready) })
	zap.L().Info("realtime connected", zap.String("user_id", c.cfg.UserID))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return errors.Join(errSessionEstablished, err)
		}
		f, err := protocol.DecodeFrame(msg)
		if err != nil {
			zap.L().Debug("drop malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(ctx, f)
	}
}

// handshake 发送 auth 并等待 user_list 或 auth_error
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	auth := protocol.MustEncode(protocol.TypeAuth, protocol.AuthData{UserID: c.cfg.UserID, Token: c.cfg.Token})
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await auth result: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	f, err := protocol.DecodeFrame(msg)
	if err != nil {
		return err
	}
	if f.Type == protocol.TypeAuthError {
		var d protocol.AuthErrorData
		_ = f.Decode(&d)
		return fmt.Errorf("%w: %s", ErrAuthRejected, d.Reason)
	}
	// 认证成功后通常先到 user_list，也可能先到其它用户的 online
	c.dispatch(ctx, f)
	return nil
}

func (c *Client) dispatch(ctx context.Context, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeOnline, protocol.TypeOffline, protocol.TypeUserList:
		c.presence.Apply(f)

	case protocol.TypeNewNotification, protocol.TypeNewMessage:
		if c.cache != nil {
			c.cache.Invalidate()
		}
		if c.onNotification != nil {
			c.onNotification(f.Type, f.Data)
		}

	case protocol.TypeSignaling:
		sig, err := protocol.DecodeSignal(f)
		if err != nil {
			zap.L().Debug("drop malformed signal", zap.Error(err))
			return
		}
		if sig.Type.IsMedia() {
			if c.onMedia != nil {
				c.onMedia(sig)
			}
			return
		}
		c.calls.HandleSignal(ctx, sig)

	case protocol.TypePong:
	default:
		zap.L().Debug("ignore frame", zap.String("type", string(f.Type)))
	}
}

// SendSignal 发送一条信令
func (c *Client) SendSignal(sig protocol.Signal) error {
	raw, err := protocol.EncodeSignal(sig)
	if err != nil {
		return err
	}
	return c.write(raw)
}

// SendMessage 客户端直发一条消息提示给 to
func (c *Client) SendMessage(to, content string) error {
	return c.write(protocol.MustEncode(protocol.TypeNewMessage, protocol.NewMessageData{To: to, Content: content}))
}

// RequestUserList 主动拉取在线快照
func (c *Client) RequestUserList() error {
	return c.write(protocol.MustEncode(protocol.TypeUserList, nil))
}

// Ping 应用层心跳
func (c *Client) Ping() error {
	return c.write(protocol.MustEncode(protocol.TypePing, nil))
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// jitter 在 [d/2, d) 内随机，避免大量客户端同时重连
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(half)
}
