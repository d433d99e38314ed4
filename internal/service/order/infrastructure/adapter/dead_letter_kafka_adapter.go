package adapter

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"stockflow/internal/pkg/mq"
	"stockflow/internal/service/order/port"
)

// DeadLetterKafkaAdapter 实现了 port.DeadLetterPublisher 接口，
// 原始消息体原样写入 value，失败信息放在消息头里
type DeadLetterKafkaAdapter struct {
	writer mq.MessageWriter
}

// NewDeadLetterKafkaAdapter 创建一个新的死信生产者适配器。
func NewDeadLetterKafkaAdapter(writer mq.MessageWriter) *DeadLetterKafkaAdapter {
	return &DeadLetterKafkaAdapter{writer: writer}
}

// Publish 以流条目 ID 作为 key，同一条目的多次转存会落到同一分区
func (a *DeadLetterKafkaAdapter) Publish(ctx context.Context, letter port.DeadLetter) error {
	key := letter.EntryID
	if key == "" {
		key = uuid.NewString()
	}
	occurred := letter.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	headers := []kafka.Header{
		{Key: mq.HeaderOriginalStream, Value: []byte(letter.Stream)},
		{Key: mq.HeaderOriginalEntryID, Value: []byte(letter.EntryID)},
		{Key: mq.HeaderFailureClass, Value: []byte(letter.Class)},
		{Key: mq.HeaderExceptionMessage, Value: []byte(letter.Reason)},
		{Key: mq.HeaderFailedAt, Value: []byte(occurred.UTC().Format(time.RFC3339Nano))},
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(key), []byte(letter.Payload), headers...)
}

// Close 关闭底层的Kafka writer。
func (a *DeadLetterKafkaAdapter) Close() error {
	if c, ok := a.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
