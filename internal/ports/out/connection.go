package out

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Connection 一条已鉴权的双工连接
type Connection interface {
	// ID 连接 ID，每次建连唯一
	ID() string
	// UserID 连接所属用户
	UserID() string
	// Send 非阻塞入队，保证单连接内的发送顺序
	Send(message []byte) error
	// Close 关闭连接，可重复调用
	Close() error
}

// ConnectionRegistry 在线连接表的只读 / 投递视图
type ConnectionRegistry interface {
	// IsOnline 用户是否有存活连接
	IsOnline(userID string) bool
	// Snapshot 当前在线用户（有序）
	Snapshot() []string
	// SendTo 投递给用户的当前连接
	SendTo(userID string, message []byte) error
	// Broadcast 投递给除 exclude 外的所有连接，返回成功入队数
	Broadcast(message []byte, exclude string) int
}
