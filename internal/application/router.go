package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/in"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
	"github.com/EthanQC/IM/services/realtime_service/pkg/zlog"
)

// MessageRouter 按帧类型分发入站帧。
// 只有信封本身无法解析时才返回错误（连接随后被关闭），
// 其余协议违规一律记录后丢弃，不给发送方任何响应。
type MessageRouter struct {
	presence      in.PresenceUseCase
	signaling     in.SignalingUseCase
	notifications in.NotificationUseCase
	metrics       out.Metrics
}

// NewMessageRouter 创建路由器
func NewMessageRouter(presence in.PresenceUseCase, signaling in.SignalingUseCase,
	notifications in.NotificationUseCase, metrics out.Metrics) *MessageRouter {
	if metrics == nil {
		metrics = out.NopMetrics{}
	}
	return &MessageRouter{
		presence:      presence,
		signaling:     signaling,
		notifications: notifications,
		metrics:       metrics,
	}
}

// Route 处理一帧
func (r *MessageRouter) Route(ctx context.Context, conn out.Connection, raw []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			zlog.C(ctx).Error("router panic recovered", zap.Any("panic", p), zap.Stack("stack"))
			r.metrics.FrameDropped("panic")
			err = nil
		}
	}()

	f, err := protocol.DecodeFrame(raw)
	if err != nil {
		r.metrics.FrameDropped("malformed")
		return err
	}

	if derr := r.dispatch(ctx, conn, f, raw); derr != nil {
		r.metrics.FrameDropped(dropReason(derr))
		zlog.C(ctx).Warn("frame dropped",
			zap.String("frame_type", string(f.Type)), zap.Error(derr))
		return nil
	}
	r.metrics.FrameRouted(string(f.Type))
	return nil
}

func (r *MessageRouter) dispatch(ctx context.Context, conn out.Connection, f protocol.Frame, raw []byte) error {
	switch f.Type {
	case protocol.TypePing:
		r.presence.Heartbeat(ctx, conn)
		return conn.Send(protocol.MustEncode(protocol.TypePong, nil))

	case protocol.TypeUserList:
		return r.presence.SendSnapshot(conn)

	case protocol.TypeSignaling:
		sig, err := protocol.DecodeSignal(f)
		if err != nil {
			return err
		}
		return r.signaling.HandleSignal(ctx, conn.UserID(), raw, sig)

	case protocol.TypeNewMessage:
		return r.forwardMessage(ctx, conn, f)

	case protocol.TypeNewNotification, protocol.TypeOnline, protocol.TypeOffline,
		protocol.TypePong, protocol.TypeAuthError:
		// 通知只来自 Kafka 或 /internal/notify
		return fmt.Errorf("%w: %q", ErrServerOnlyFrame, f.Type)

	case protocol.TypeAuth:
		zlog.C(ctx).Debug("repeated auth frame ignored")
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
}

// forwardMessage 客户端直接推给另一个用户的新消息提示，data.to 为接收人，发送者以连接身份为准
func (r *MessageRouter) forwardMessage(ctx context.Context, conn out.Connection, f protocol.Frame) error {
	var fields map[string]json.RawMessage
	if err := f.Decode(&fields); err != nil {
		return err
	}
	var to string
	if err := json.Unmarshal(fields["to"], &to); err != nil || to == "" {
		return fmt.Errorf("%w: missing to", ErrMalformedFrame)
	}
	delete(fields, "to")
	fields["senderId"], _ = json.Marshal(conn.UserID())
	delete(fields, "senderName")

	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	err = r.notifications.Dispatch(ctx, &entity.NotificationEvent{
		Kind:        entity.NotificationKind(f.Type),
		RecipientID: to,
		Payload:     payload,
	})
	if errors.Is(err, ErrRecipientOffline) {
		// 离线由通知存储兜底，不算违规
		return nil
	}
	return err
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownFrameType):
		return "unknown_type"
	case errors.Is(err, ErrServerOnlyFrame):
		return "server_only"
	case errors.Is(err, ErrUnknownCall):
		return "unknown_call"
	case errors.Is(err, ErrParticipantMismatch):
		return "participant_mismatch"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed_payload"
	case errors.Is(err, ErrSendBufferFull), errors.Is(err, ErrConnectionClosed):
		return "send_failed"
	default:
		return "other"
	}
}
