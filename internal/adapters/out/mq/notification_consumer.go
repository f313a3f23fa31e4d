package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/realtime_service/internal/application"
	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/in"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
)

const (
	TopicNotifications = "im.notifications"
	TopicMessages      = "im.messages"
)

// KafkaNotificationConsumer 消费其它服务产生的通知事件，推给在线接收人
type KafkaNotificationConsumer struct {
	consumerGroup sarama.ConsumerGroup
	topics        []string
	handler       *consumerGroupHandler
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewKafkaNotificationConsumer 创建消费者，topics 为空时订阅默认两个 topic
func NewKafkaNotificationConsumer(brokers []string, groupID string, topics []string, dispatcher in.NotificationUseCase) (out.EventConsumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	// 通知只对在线用户有意义，不回放历史
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group failed: %w", err)
	}
	if len(topics) == 0 {
		topics = []string{TopicNotifications, TopicMessages}
	}

	return &KafkaNotificationConsumer{
		consumerGroup: consumerGroup,
		topics:        topics,
		handler:       newConsumerGroupHandler(dispatcher),
	}, nil
}

// Start 启动消费，不等待分区分配完成
func (c *KafkaNotificationConsumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				zap.L().Warn("kafka consume failed", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				zap.L().Warn("kafka consumer error", zap.Error(err))
			}
		}
	}()

	zap.L().Info("notification consumer started", zap.Strings("topics", c.topics))
	return nil
}

// Stop 停止消费
func (c *KafkaNotificationConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.consumerGroup.Close()
	c.wg.Wait()
	return err
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	dispatcher in.NotificationUseCase
}

func newConsumerGroupHandler(dispatcher in.NotificationUseCase) *consumerGroupHandler {
	return &consumerGroupHandler{dispatcher: dispatcher}
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handleMessage(session.Context(), message)
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage 投递失败只记日志，离线用户靠通知存储补拉
func (h *consumerGroupHandler) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	log := zap.L().With(
		zap.String("topic", message.Topic),
		zap.Int32("partition", message.Partition),
		zap.Int64("offset", message.Offset),
	)

	var ev entity.NotificationEvent
	if err := json.Unmarshal(message.Value, &ev); err != nil {
		log.Warn("unmarshal notification event failed", zap.Error(err))
		return
	}
	// 旧格式事件没有 kind，按 topic 推断
	if ev.Kind == "" {
		ev.Kind = kindForTopic(message.Topic)
	}

	err := h.dispatcher.Dispatch(ctx, &ev)
	switch {
	case err == nil:
		log.Debug("notification pushed", zap.String("recipient_id", ev.RecipientID), zap.String("kind", string(ev.Kind)))
	case errors.Is(err, application.ErrRecipientOffline):
	default:
		log.Warn("dispatch notification failed", zap.String("recipient_id", ev.RecipientID), zap.Error(err))
	}
}

func kindForTopic(topic string) entity.NotificationKind {
	if topic == TopicMessages {
		return entity.KindMessage
	}
	return entity.KindNotification
}
