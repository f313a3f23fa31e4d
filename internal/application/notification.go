package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
	"github.com/EthanQC/IM/services/realtime_service/pkg/zlog"
)

// NotificationDispatcher 只负责把实时提示推给在线的接收人；
// 离线时由外部通知存储负责后续可查，这里不做持久化。
type NotificationDispatcher struct {
	registry  out.ConnectionRegistry
	directory out.UserDirectory
	metrics   out.Metrics
}

// NewNotificationDispatcher directory 为空时不补全发送者名称
func NewNotificationDispatcher(registry out.ConnectionRegistry, directory out.UserDirectory, metrics out.Metrics) *NotificationDispatcher {
	if metrics == nil {
		metrics = out.NopMetrics{}
	}
	return &NotificationDispatcher{registry: registry, directory: directory, metrics: metrics}
}

// Dispatch 推送一条事件
func (d *NotificationDispatcher) Dispatch(ctx context.Context, ev *entity.NotificationEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	payload := ev.Payload
	if ev.Kind == entity.KindMessage {
		payload = d.fillSenderName(ctx, payload)
	}

	msg, err := protocol.Encode(protocol.FrameType(ev.Kind), payload)
	if err != nil {
		return err
	}
	err = d.registry.SendTo(ev.RecipientID, msg)
	d.metrics.NotificationPushed(string(ev.Kind), err == nil)
	if err != nil {
		if errors.Is(err, ErrRecipientOffline) {
			zlog.C(ctx).Debug("notification recipient offline",
				zap.String("user_id", ev.RecipientID), zap.String("kind", string(ev.Kind)))
		}
		return err
	}
	return nil
}

// fillSenderName new_message 缺 senderName 时查用户目录补上，失败则原样推送
func (d *NotificationDispatcher) fillSenderName(ctx context.Context, payload json.RawMessage) json.RawMessage {
	if d.directory == nil {
		return payload
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload
	}
	if _, ok := fields["senderName"]; ok {
		return payload
	}
	var senderID string
	if err := json.Unmarshal(fields["senderId"], &senderID); err != nil || senderID == "" {
		return payload
	}

	profile, err := d.directory.GetUser(ctx, senderID)
	if err != nil {
		zlog.C(ctx).Debug("resolve sender name failed", zap.String("sender_id", senderID), zap.Error(err))
		return payload
	}
	name, _ := json.Marshal(profile.DisplayName)
	fields["senderName"] = name
	filled, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return filled
}
