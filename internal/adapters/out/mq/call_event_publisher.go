package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
)

const TopicCallEvents = "im.call_events"

// messageWriter kafka.Writer 的子集
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaCallEventPublisher 通话结束后发布通话记录，供消息服务生成通话/未接来电消息
type KafkaCallEventPublisher struct {
	writer messageWriter
}

// NewKafkaCallEventPublisher 创建发布器，topic 为空时用默认 topic
func NewKafkaCallEventPublisher(brokers []string, topic string) out.CallEventPublisher {
	if topic == "" {
		topic = TopicCallEvents
	}
	w := &kafka.Writer{
		Addr:  kafka.TCP(brokers...),
		Topic: topic,
		// 同一通话的事件落在同一分区
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
	return &KafkaCallEventPublisher{writer: w}
}

func (p *KafkaCallEventPublisher) PublishCallRecord(ctx context.Context, rec entity.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal call record failed: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(rec.CallID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("call_" + rec.State)},
			{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish call record %s failed: %w", rec.CallID, err)
	}
	return nil
}

func (p *KafkaCallEventPublisher) Close() error {
	return p.writer.Close()
}
