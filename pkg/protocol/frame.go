package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType 帧类型
type FrameType string

const (
	// 客户端 -> 服务端
	TypeAuth FrameType = "auth" // 仅限第一帧
	TypePing FrameType = "ping"

	// 服务端 -> 客户端
	TypeAuthError FrameType = "auth_error"
	TypeOnline    FrameType = "online"
	TypeOffline   FrameType = "offline"
	TypeUserList  FrameType = "user_list" // 每个连接一次，也可由客户端主动请求
	TypePong      FrameType = "pong"

	// 双向
	TypeNewNotification FrameType = "new_notification"
	TypeNewMessage      FrameType = "new_message"
	TypeSignaling       FrameType = "webrtc-signaling"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrEmptyFrameType = errors.New("frame type is empty")
)

// Frame 线上信封 {type, data}
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode 把 data 解析到 v
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedFrame, f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// DecodeFrame 解析一帧原始字节
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, ErrEmptyFrameType
	}
	return f, nil
}

// Encode 组装一帧
func Encode(t FrameType, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", t, err)
		}
		raw = b
	}
	return json.Marshal(Frame{Type: t, Data: raw})
}

// MustEncode 用于结构固定、不可能编码失败的帧
func MustEncode(t FrameType, data any) []byte {
	b, err := Encode(t, data)
	if err != nil {
		panic(err)
	}
	return b
}

// AuthData auth 帧
type AuthData struct {
	UserID string `json:"userId"`
	// Token 浏览器无法在升级请求里带 header 时使用
	Token string `json:"token,omitempty"`
}

// AuthErrorData 认证失败原因
type AuthErrorData struct {
	Reason string `json:"reason"`
}

// PresenceData online / offline
type PresenceData struct {
	UserID string `json:"userId"`
}

// UserListData 在线用户快照
type UserListData struct {
	UserIDs []string `json:"userIds"`
}

// NewMessageData new_message 帧
type NewMessageData struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	// To 仅在客户端发起投递时使用
	To string `json:"to,omitempty"`
}

// UserProfile 外部用户目录返回的展示信息
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
