package client

import (
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
)

// Config 客户端配置
type Config struct {
	URL          string        // ws://host:port/ws
	Token        string        // 认证服务签发的 access token
	UserID       string
	CallTimeout  time.Duration // 呼出应答超时，默认 60s
	ReconnectMin time.Duration // 重连退避下限
	ReconnectMax time.Duration // 重连退避上限
	WriteWait    time.Duration
	DialTimeout  time.Duration
}

// DefaultConfig 只需补 URL / Token / UserID
func DefaultConfig() Config {
	return Config{
		CallTimeout:  DefaultCallTimeout,
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
		WriteWait:    10 * time.Second,
		DialTimeout:  10 * time.Second,
	}
}

// NotificationCache 通知列表缓存，收到推送后失效，下次打开时从通知存储重新拉取
type NotificationCache interface {
	Invalidate()
}

type Option func(*Client)

// WithNotifier 通话事件回调
func WithNotifier(n Notifier) Option {
	return func(c *Client) {
		c.notifier = n
	}
}

// WithDirectory 来电时解析对方资料
func WithDirectory(d UserDirectory) Option {
	return func(c *Client) {
		c.directory = d
	}
}

// WithNotificationCache 收到 new_notification / new_message 时失效缓存
func WithNotificationCache(cache NotificationCache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithNotificationHandler 通知帧的原始数据
func WithNotificationHandler(fn func(t protocol.FrameType, data json.RawMessage)) Option {
	return func(c *Client) {
		c.onNotification = fn
	}
}

// WithMediaHandler offer / answer / ice-candidate 交给媒体层
func WithMediaHandler(fn func(sig protocol.Signal)) Option {
	return func(c *Client) {
		c.onMedia = fn
	}
}

// WithClock 测试用
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}
