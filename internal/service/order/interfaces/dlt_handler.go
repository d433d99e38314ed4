// internal/service/order/interfaces/dlt_handler.go
package interfaces

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/mq"
)

// MessageFetcher 是 *kafka.Reader 中死信审计用到的部分
type MessageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DltConsumerAdapter 监听死信主题并记录日志，便于人工排查被丢弃的库存消息
type DltConsumerAdapter struct {
	reader MessageFetcher
	topic  string
}

func NewDltConsumerAdapter(reader MessageFetcher, topic string) *DltConsumerAdapter {
	return &DltConsumerAdapter{reader: reader, topic: topic}
}

// Run 阻塞直到 ctx 取消
func (a *DltConsumerAdapter) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT Consumer Adapter started.")
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("🛑 DLT Consumer Adapter shutting down.")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not read dead letter, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		logDeadLetter(mq.ExtractTraceContext(ctx, msg.Headers), msg)

		// DLT中的消息总是直接提交，因为它们已经被“处理”了（即记录日志）
		if err := a.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Ctx(ctx).Error().Err(err).Msg("failed to commit dead letter offset")
		}
	}
}

// Close 关闭 reader
func (a *DltConsumerAdapter) Close() error {
	return a.reader.Close()
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	// 使用结构化日志记录，便于后续分析
	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_stream", mq.HeaderValue(msg.Headers, mq.HeaderOriginalStream)).
		Str("original_entry_id", mq.HeaderValue(msg.Headers, mq.HeaderOriginalEntryID)).
		Str("failure_class", mq.HeaderValue(msg.Headers, mq.HeaderFailureClass)).
		Str("exception_message", mq.HeaderValue(msg.Headers, mq.HeaderExceptionMessage)).
		Str("failed_at", mq.HeaderValue(msg.Headers, mq.HeaderFailedAt)).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: Dead letter message received")
}
