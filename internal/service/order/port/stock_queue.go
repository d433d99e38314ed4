package port

import (
	"context"
	"time"
)

// StreamEntry 是从流中读取到的一条记录，Fields 中的 message 字段承载序列化后的库存变更消息
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// StockUpdatePublisher 是生产者侧的出站端口
type StockUpdatePublisher interface {
	Append(ctx context.Context, fields map[string]string) (string, error)
}

// StockUpdateQueue 是消费者侧的出站端口，语义为消费组：需要显式确认，未确认的条目会被重新投递
type StockUpdateQueue interface {
	CreateGroupIfAbsent(ctx context.Context) (bool, error)
	ReadBatch(ctx context.Context, consumer string, count int64, block time.Duration) ([]StreamEntry, error)
	ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]StreamEntry, error)
	Ack(ctx context.Context, ids ...string) error
	Trim(ctx context.Context, maxLen int64) error
	PendingCount(ctx context.Context) (int64, error)
}
