package out

import (
	"context"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
)

// CallEventPublisher 发布通话终态记录
type CallEventPublisher interface {
	PublishCallRecord(ctx context.Context, rec entity.CallRecord) error
	Close() error
}

// EventConsumer 外部通知事件消费者
type EventConsumer interface {
	// Start 启动消费，非阻塞
	Start(ctx context.Context) error
	// Stop 停止消费
	Stop() error
}
