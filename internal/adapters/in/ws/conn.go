package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
	"github.com/EthanQC/IM/services/realtime_service/pkg/ratelimit"
	"github.com/EthanQC/IM/services/realtime_service/pkg/zlog"
)

// Conn 一条 WebSocket 连接。写只发生在 writePump，Send 只是入队。
type Conn struct {
	id         string
	userID     string // 鉴权通过后、注册前写入，之后只读
	remoteAddr string

	ws      *websocket.Conn
	opts    Options
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *ratelimit.TokenBucket
}

func newConn(wsConn *websocket.Conn, opts Options, remoteAddr string) *Conn {
	return &Conn{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		ws:         wsConn,
		opts:       opts,
		send:       make(chan []byte, opts.SendBuffer),
		done:       make(chan struct{}),
		limiter:    ratelimit.NewTokenBucket(opts.FrameBurst, opts.FrameRate),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) UserID() string     { return c.userID }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Send 非阻塞入队；连接已关闭或缓冲已满时立即返回错误
func (c *Conn) Send(message []byte) error {
	if c.closed() {
		return out.ErrConnectionClosed
	}
	select {
	case c.send <- message:
		return nil
	case <-c.done:
		return out.ErrConnectionClosed
	default:
		return out.ErrSendBufferFull
	}
}

// Close 取消所有未发出的帧并关闭底层连接，可重复调用
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

// Done 连接关闭后返回
func (c *Conn) Done() <-chan struct{} { return c.done }

// writePump 串行写出队列中的帧，并定期发送 ping
func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.writeClose()
			return

		case message := <-c.send:
			if c.closed() {
				c.writeClose()
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				zlog.C(ctx).Warn("ws write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				zlog.C(ctx).Debug("ws ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writeClose() {
	deadline := time.Now().Add(c.opts.WriteWait)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

// writeDirect 仅在 writePump 启动前（握手阶段）使用
func (c *Conn) writeDirect(message []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, message)
}
